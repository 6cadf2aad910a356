// Package linux provides Linux-specific container primitives.
package linux

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	cerrors "bock/errors"
	"bock/spec"
)

// Linux namespace clone flags
const (
	CLONE_NEWNS     = syscall.CLONE_NEWNS     // Mount namespace
	CLONE_NEWUTS    = syscall.CLONE_NEWUTS    // UTS namespace (hostname)
	CLONE_NEWIPC    = syscall.CLONE_NEWIPC    // IPC namespace
	CLONE_NEWPID    = syscall.CLONE_NEWPID    // PID namespace
	CLONE_NEWNET    = syscall.CLONE_NEWNET    // Network namespace
	CLONE_NEWUSER   = syscall.CLONE_NEWUSER   // User namespace
	CLONE_NEWCGROUP = 0x02000000              // Cgroup namespace (not in syscall pkg)
)

// namespaceTypeToFlag maps OCI namespace types to clone flags.
var namespaceTypeToFlag = map[spec.LinuxNamespaceType]uintptr{
	spec.PIDNamespace:     CLONE_NEWPID,
	spec.NetworkNamespace: CLONE_NEWNET,
	spec.MountNamespace:   CLONE_NEWNS,
	spec.IPCNamespace:     CLONE_NEWIPC,
	spec.UTSNamespace:     CLONE_NEWUTS,
	spec.UserNamespace:    CLONE_NEWUSER,
	spec.CgroupNamespace:  CLONE_NEWCGROUP,
}

// NamespaceFlags builds clone flags from OCI namespace configuration.
func NamespaceFlags(namespaces []spec.LinuxNamespace) uintptr {
	var flags uintptr
	for _, ns := range namespaces {
		// Only add flag if path is empty (create new namespace)
		// If path is set, we'll join that namespace later with setns()
		if ns.Path == "" {
			if flag, ok := namespaceTypeToFlag[ns.Type]; ok {
				flags |= flag
			}
		}
	}
	return flags
}

// HasNamespace checks if a namespace type is in the list.
func HasNamespace(namespaces []spec.LinuxNamespace, nsType spec.LinuxNamespaceType) bool {
	for _, ns := range namespaces {
		if ns.Type == nsType {
			return true
		}
	}
	return false
}

// GetNamespacePath returns the path for a namespace type, empty if creating new.
func GetNamespacePath(namespaces []spec.LinuxNamespace, nsType spec.LinuxNamespaceType) string {
	for _, ns := range namespaces {
		if ns.Type == nsType {
			return ns.Path
		}
	}
	return ""
}

// SetNamespaces joins existing namespaces specified by path.
// This is called after fork but before exec.
func SetNamespaces(namespaces []spec.LinuxNamespace) error {
	for _, ns := range namespaces {
		if ns.Path != "" {
			if err := setns(ns.Path, ns.Type); err != nil {
				return fmt.Errorf("setns %s (%s): %w", ns.Type, ns.Path, err)
			}
		}
	}
	return nil
}

// namespaceJoinOrder is the fixed sequence spec.md §4.6 requires when
// joining a running container's namespaces for exec: user first (so
// subsequent joins are scoped by the right user namespace), then the rest.
var namespaceJoinOrder = []string{"user", "ipc", "uts", "net", "pid", "mount", "cgroup"}

// nsFileForKind maps a namespace kind name to its /proc/$pid/ns/* file.
var nsFileForKind = map[string]string{
	"user":   "user",
	"ipc":    "ipc",
	"uts":    "uts",
	"net":    "net",
	"pid":    "pid",
	"mount":  "mnt",
	"cgroup": "cgroup",
}

var nsKindToFlag = map[string]uintptr{
	"user":   CLONE_NEWUSER,
	"ipc":    CLONE_NEWIPC,
	"uts":    CLONE_NEWUTS,
	"net":    CLONE_NEWNET,
	"pid":    CLONE_NEWPID,
	"mount":  CLONE_NEWNS,
	"cgroup": CLONE_NEWCGROUP,
}

// JoinNamespacesOrdered joins every namespace of a running process (by PID)
// in the order spec.md §4.2/§4.6 mandates: user, ipc, uts, net, pid, mount,
// cgroup. Each namespace file is opened, setns'd, then closed immediately,
// all on the calling (locked) OS thread to avoid inheriting foreign
// mount/thread state from siblings.
func JoinNamespacesOrdered(pid int) error {
	for _, kind := range namespaceJoinOrder {
		nsFile := nsFileForKind[kind]
		path := filepath.Join("/proc", fmt.Sprint(pid), "ns", nsFile)

		// Namespace kinds that don't exist on this target (e.g. no cgroup ns
		// configured) are skipped rather than failing the whole join.
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}

		fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}

		flag := nsKindToFlag[kind]
		_, _, errno := syscall.Syscall(unix.SYS_SETNS, uintptr(fd), flag, 0)
		syscall.Close(fd)
		if errno != 0 {
			return fmt.Errorf("setns %s: %w", kind, errno)
		}
	}
	return nil
}

// setns joins an existing namespace.
func setns(path string, nsType spec.LinuxNamespaceType) error {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer syscall.Close(fd)

	flag := namespaceTypeToFlag[nsType]
	// Use unix.SYS_SETNS which is architecture-independent
	_, _, errno := syscall.Syscall(unix.SYS_SETNS, uintptr(fd), flag, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// BuildSysProcAttr creates SysProcAttr from OCI spec.
func BuildSysProcAttr(s *spec.Spec) (*syscall.SysProcAttr, error) {
	if s.Linux == nil {
		// Default namespaces if not specified
		return &syscall.SysProcAttr{
			Cloneflags: CLONE_NEWPID | CLONE_NEWNS | CLONE_NEWUTS | CLONE_NEWIPC | CLONE_NEWNET,
			Setsid:     true,
		}, nil
	}

	flags := NamespaceFlags(s.Linux.Namespaces)
	hasUserNS := HasNamespace(s.Linux.Namespaces, spec.UserNamespace)

	attr := &syscall.SysProcAttr{
		Cloneflags: flags,
		Setsid:     true,
	}

	// Don't set Unshareflags with user namespace - causes EPERM
	if !hasUserNS {
		attr.Unshareflags = syscall.CLONE_NEWNS
	}

	// Setup UID/GID mappings for user namespace
	if hasUserNS {
		attr.UidMappings = buildIDMappings(s.Linux.UIDMappings)
		attr.GidMappings = buildIDMappings(s.Linux.GIDMappings)
		attr.GidMappingsEnableSetgroups = false
	}

	return attr, nil
}

// buildIDMappings converts OCI ID mappings to syscall format.
func buildIDMappings(mappings []spec.LinuxIDMapping) []syscall.SysProcIDMap {
	result := make([]syscall.SysProcIDMap, len(mappings))
	for i, m := range mappings {
		result[i] = syscall.SysProcIDMap{
			ContainerID: int(m.ContainerID),
			HostID:      int(m.HostID),
			Size:        int(m.Size),
		}
	}
	return result
}

// WriteIDMappings writes UID/GID mappings to /proc/pid/{uid,gid}_map.
// Used when setting up user namespaces externally.
func WriteIDMappings(pid int, uidMappings, gidMappings []spec.LinuxIDMapping) error {
	// Write uid_map
	if len(uidMappings) > 0 {
		path := filepath.Join("/proc", fmt.Sprint(pid), "uid_map")
		content := formatIDMap(uidMappings)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("write uid_map: %w", err)
		}
	}

	// Must disable setgroups before writing gid_map (unless we have CAP_SETGID)
	if len(gidMappings) > 0 {
		setgroupsPath := filepath.Join("/proc", fmt.Sprint(pid), "setgroups")
		if err := os.WriteFile(setgroupsPath, []byte("deny"), 0644); err != nil {
			// Best effort - might not exist on older kernels
		}

		path := filepath.Join("/proc", fmt.Sprint(pid), "gid_map")
		content := formatIDMap(gidMappings)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("write gid_map: %w", err)
		}
	}

	return nil
}

// formatIDMap formats ID mappings for /proc/pid/{uid,gid}_map.
func formatIDMap(mappings []spec.LinuxIDMapping) string {
	var result string
	for _, m := range mappings {
		result += fmt.Sprintf("%d %d %d\n", m.ContainerID, m.HostID, m.Size)
	}
	return result
}

// ValidateUserNamespaceSpec rejects two combinations the kernel either can't
// honor or will silently misbehave on:
//
//   - uidMappings/gidMappings alongside a pre-existing user namespace join
//     path: the joined namespace already has its mapping fixed by whoever
//     created it, so a second set of mappings here can never take effect and
//     the spec is self-contradictory.
//   - a uid/gid mapping whose host range isn't fully covered by the invoking
//     user's /etc/subuid (or /etc/subgid) allocation, which the kernel would
//     reject at write(uid_map) time with EPERM/EINVAL.
func ValidateUserNamespaceSpec(s *spec.Spec) error {
	if s.Linux == nil {
		return nil
	}

	userNSPath := GetNamespacePath(s.Linux.Namespaces, spec.UserNamespace)
	hasUserNS := HasNamespace(s.Linux.Namespaces, spec.UserNamespace)

	if userNSPath != "" && (len(s.Linux.UIDMappings) > 0 || len(s.Linux.GIDMappings) > 0) {
		return cerrors.ErrInvalidSpec
	}

	if !hasUserNS || userNSPath != "" {
		return nil
	}

	if err := checkSubIDRanges(s.Linux.UIDMappings, "/etc/subuid"); err != nil {
		return err
	}
	if err := checkSubIDRanges(s.Linux.GIDMappings, "/etc/subgid"); err != nil {
		return err
	}
	return nil
}

// checkSubIDRanges verifies every mapping's host-id range falls within an
// allocation the invoking user owns in subidFile (/etc/subuid or
// /etc/subgid format: "name_or_id:start:count").
func checkSubIDRanges(mappings []spec.LinuxIDMapping, subidFile string) error {
	if len(mappings) == 0 {
		return nil
	}

	ranges, err := readSubIDRanges(subidFile)
	if err != nil {
		// No subuid/subgid allocation on this host at all - can't validate,
		// let the kernel be the final arbiter.
		return nil
	}

	for _, m := range mappings {
		if m.HostID == 0 && m.ContainerID == 0 {
			// Identity root mapping doesn't draw from the subuid pool.
			continue
		}
		lo, hi := uint64(m.HostID), uint64(m.HostID)+uint64(m.Size)
		covered := false
		for _, r := range ranges {
			if lo >= r.start && hi <= r.start+r.count {
				covered = true
				break
			}
		}
		if !covered {
			return cerrors.New(cerrors.ErrPermission, "validate id mapping",
				fmt.Sprintf("host id range %d-%d exceeds %s allocation", m.HostID, uint64(m.HostID)+uint64(m.Size), subidFile))
		}
	}
	return nil
}

type subidRange struct {
	start, count uint64
}

// readSubIDRanges reads the ranges allocated to the current user (by name or
// numeric uid) from an /etc/subuid or /etc/subgid style file.
func readSubIDRanges(path string) ([]subidRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names := map[string]bool{}
	if u, err := user.Current(); err == nil {
		names[u.Username] = true
		names[u.Uid] = true
	}

	var ranges []subidRange
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 3 || !names[parts[0]] {
			continue
		}
		start, err1 := strconv.ParseUint(parts[1], 10, 64)
		count, err2 := strconv.ParseUint(parts[2], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		ranges = append(ranges, subidRange{start: start, count: count})
	}
	return ranges, nil
}

// SetHostname sets the hostname in the UTS namespace.
func SetHostname(hostname string) error {
	if hostname == "" {
		return nil
	}
	return syscall.Sethostname([]byte(hostname))
}

// SetDomainname sets the domain name in the UTS namespace.
func SetDomainname(domainname string) error {
	if domainname == "" {
		return nil
	}
	return syscall.Setdomainname([]byte(domainname))
}
