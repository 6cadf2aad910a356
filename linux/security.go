// Package linux provides the SecurityGate orchestration: the fixed order in
// which rlimits, credentials, LSM labels, capabilities and seccomp are
// applied inside the init helper before execve.
package linux

import (
	"fmt"
	"strings"
	"syscall"

	selinux "github.com/opencontainers/selinux/go-selinux"
	"golang.org/x/sys/unix"

	"bock/spec"
)

// rlimitNameToResource maps POSIX rlimit type names to their resource constant.
var rlimitNameToResource = map[string]int{
	"RLIMIT_CPU":        unix.RLIMIT_CPU,
	"RLIMIT_FSIZE":      unix.RLIMIT_FSIZE,
	"RLIMIT_DATA":       unix.RLIMIT_DATA,
	"RLIMIT_STACK":      unix.RLIMIT_STACK,
	"RLIMIT_CORE":       unix.RLIMIT_CORE,
	"RLIMIT_RSS":        unix.RLIMIT_RSS,
	"RLIMIT_NPROC":      unix.RLIMIT_NPROC,
	"RLIMIT_NOFILE":     unix.RLIMIT_NOFILE,
	"RLIMIT_MEMLOCK":    unix.RLIMIT_MEMLOCK,
	"RLIMIT_AS":         unix.RLIMIT_AS,
	"RLIMIT_LOCKS":      unix.RLIMIT_LOCKS,
	"RLIMIT_SIGPENDING": unix.RLIMIT_SIGPENDING,
	"RLIMIT_MSGQUEUE":   unix.RLIMIT_MSGQUEUE,
	"RLIMIT_NICE":       unix.RLIMIT_NICE,
	"RLIMIT_RTPRIO":     unix.RLIMIT_RTPRIO,
	"RLIMIT_RTTIME":     unix.RLIMIT_RTTIME,
}

// ApplyRlimits applies POSIX rlimits to the calling process. Step 1 of the
// SecurityGate ordering: must happen before credentials are dropped since
// some limits (RLIMIT_NOFILE raises) require privilege the process is about
// to lose.
func ApplyRlimits(rlimits []spec.POSIXRlimit) error {
	for _, rl := range rlimits {
		resource, ok := rlimitNameToResource[strings.ToUpper(rl.Type)]
		if !ok {
			return fmt.Errorf("unknown rlimit type %q", rl.Type)
		}
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Setrlimit(resource, &lim); err != nil {
			return fmt.Errorf("setrlimit %s: %w", rl.Type, err)
		}
	}
	return nil
}

// ApplyLSM writes the AppArmor profile and/or SELinux label for the calling
// process. Must run before capabilities are dropped: writing to
// /proc/self/attr/* can require CAP_MAC_ADMIN on some configurations.
func ApplyLSM(apparmorProfile, selinuxLabel string) error {
	if apparmorProfile != "" {
		path := "/proc/self/attr/apparmor/exec"
		if err := writeLSMAttr(path, "exec "+apparmorProfile); err != nil {
			// Fall back to the pre-5.1 attr path.
			if err2 := writeLSMAttr("/proc/self/attr/exec", "exec "+apparmorProfile); err2 != nil {
				return fmt.Errorf("apply apparmor profile %s: %w", apparmorProfile, err)
			}
		}
	}
	if selinuxLabel != "" {
		if err := selinux.SetExecLabel(selinuxLabel); err != nil {
			return fmt.Errorf("apply selinux label %s: %w", selinuxLabel, err)
		}
	}
	return nil
}

func writeLSMAttr(path, value string) error {
	fd, err := syscall.Open(path, syscall.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer syscall.Close(fd)
	_, err = syscall.Write(fd, []byte(value))
	return err
}

// ApplySecurityGate runs the full SecurityGate sequence in the exact order
// spec.md §4.5 demands:
//
//  1. rlimits
//  2. supplementary groups
//  3. setgid then setuid
//  4. LSM label (AppArmor/SELinux)
//  5. capabilities (bounding drop first, then a single capset)
//  6. no_new_privs + seccomp install
//
// Must be called after pivot_root and before the process blocks waiting for
// the exec signal. The exec path (ExecInit) does not call it.
func ApplySecurityGate(s *spec.Spec, setUserFn func(spec.User) error) error {
	if s.Process == nil {
		return nil
	}

	if err := ApplyRlimits(s.Process.Rlimits); err != nil {
		return fmt.Errorf("apply rlimits: %w", err)
	}

	if setUserFn != nil {
		if err := setUserFn(s.Process.User); err != nil {
			return fmt.Errorf("set user: %w", err)
		}
	}

	if s.Linux != nil {
		if err := ApplyLSM(s.Linux.ApparmorProfile, s.Linux.SelinuxLabel); err != nil {
			return fmt.Errorf("apply lsm: %w", err)
		}
	}

	if s.Process.Capabilities != nil {
		if err := ApplyCapabilities(s.Process.Capabilities); err != nil {
			return fmt.Errorf("apply capabilities: %w", err)
		}
	}

	if s.Linux != nil && s.Linux.Seccomp != nil {
		if err := SetupSeccomp(s.Linux.Seccomp); err != nil {
			return fmt.Errorf("setup seccomp: %w", err)
		}
	} else if s.Process.NoNewPrivileges {
		if _, _, errno := syscall.Syscall(syscall.SYS_PRCTL, PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
			return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %v", errno)
		}
	}

	return nil
}
