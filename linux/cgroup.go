// Package linux provides cgroup v2 resource management, falling back to
// cgroup v1 on hosts that have not migrated to the unified hierarchy.
package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bock/logging"
	"bock/spec"
)

// validCgroupKey matches valid cgroup v2 controller file names.
// Valid keys are like: cpu.max, memory.max, pids.max, io.bfq.weight
var validCgroupKey = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)*$`)

const cgroupRoot = "/sys/fs/cgroup"

// cgroupVersion identifies which hierarchy a Cgroup handle is bound to.
type cgroupVersion int

const (
	cgroupV2 cgroupVersion = 2
	cgroupV1 cgroupVersion = 1
)

// detectCgroupVersion inspects the host for the unified hierarchy. Presence
// of cgroup.controllers at the root means cgroup v2; its absence means the
// host is still on the legacy per-controller v1 layout.
func detectCgroupVersion() cgroupVersion {
	if _, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers")); err == nil {
		return cgroupV2
	}
	return cgroupV1
}

// Cgroup represents a control group, v2 unified or v1 per-controller.
type Cgroup struct {
	path     string // v2: full path under /sys/fs/cgroup. v1: relative path, e.g. "bock/id"
	version  cgroupVersion
	rootless bool
}

// NewCgroup creates or opens a cgroup at the given path.
// Path should be relative to /sys/fs/cgroup (e.g., "bock/container-id").
func NewCgroup(cgroupPath string) (*Cgroup, error) {
	version := detectCgroupVersion()
	rootless := os.Geteuid() != 0

	if p := filepath.Join(cgroupRoot, cgroupPath); p != cgroupRoot && !strings.HasPrefix(p, cgroupRoot+"/") {
		return nil, fmt.Errorf("cgroup path %q resolves outside %s", cgroupPath, cgroupRoot)
	}

	if version == cgroupV1 {
		cg := &Cgroup{path: strings.Trim(cgroupPath, "/"), version: cgroupV1, rootless: rootless}
		if err := cg.createV1(); err != nil {
			if rootless {
				logging.Warn("rootless cgroup v1 setup degraded", "path", cgroupPath, "error", err)
				return cg, nil
			}
			return nil, err
		}
		return cg, nil
	}

	fullPath := filepath.Join(cgroupRoot, cgroupPath)
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		if rootless {
			logging.Warn("rootless cgroup v2 creation degraded, resource limits will not be enforced", "path", fullPath, "error", err)
			return &Cgroup{path: fullPath, version: cgroupV2, rootless: true}, nil
		}
		return nil, fmt.Errorf("create cgroup directory: %w", err)
	}

	return &Cgroup{path: fullPath, version: cgroupV2, rootless: rootless}, nil
}

// Path returns the filesystem path of the cgroup (v2) or its relative
// identity (v1, where resources live under several controller roots).
func (c *Cgroup) Path() string {
	return c.path
}

// Rootless reports whether this handle was created without CAP_SYS_ADMIN
// over cgroupfs, meaning resource limits are best-effort only.
func (c *Cgroup) Rootless() bool {
	return c.rootless
}

// AddProcess adds a process to this cgroup.
func (c *Cgroup) AddProcess(pid int) error {
	if c.version == cgroupV1 {
		return c.addProcessV1(pid)
	}
	procsPath := filepath.Join(c.path, "cgroup.procs")
	if err := os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		if c.rootless {
			logging.Warn("rootless cgroup.procs write degraded", "path", procsPath, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// ApplyResources applies OCI resource limits to the cgroup.
func (c *Cgroup) ApplyResources(resources *spec.LinuxResources) error {
	if resources == nil {
		return nil
	}

	if c.version == cgroupV1 {
		return c.applyResourcesV1(resources)
	}

	if err := c.applyMemory(resources.Memory); err != nil {
		return c.degradeOrFail(err)
	}

	if err := c.applyCPU(resources.CPU); err != nil {
		return c.degradeOrFail(err)
	}

	if err := c.applyPids(resources.Pids); err != nil {
		return c.degradeOrFail(err)
	}

	if err := c.applyIO(resources.BlockIO); err != nil {
		return c.degradeOrFail(err)
	}

	// Apply unified cgroup v2 settings directly
	for key, value := range resources.Unified {
		// SECURITY: Validate cgroup key to prevent path traversal
		if err := validateCgroupKey(key); err != nil {
			return fmt.Errorf("invalid cgroup key %q: %w", key, err)
		}

		path := filepath.Join(c.path, key)
		if err := os.WriteFile(path, []byte(value), 0644); err != nil {
			return c.degradeOrFail(fmt.Errorf("write %s: %w", key, err))
		}
	}

	return nil
}

// degradeOrFail turns a resource-write failure into a warning when running
// rootless (where the controller is often not delegated), and a hard error
// otherwise.
func (c *Cgroup) degradeOrFail(err error) error {
	if err == nil {
		return nil
	}
	if c.rootless {
		logging.Warn("rootless cgroup resource limit degraded", "path", c.path, "error", err)
		return nil
	}
	return err
}

// applyMemory applies memory limits.
func (c *Cgroup) applyMemory(memory *spec.LinuxMemory) error {
	if memory == nil {
		return nil
	}

	// memory.max - hard limit
	if memory.Limit != nil && *memory.Limit > 0 {
		path := filepath.Join(c.path, "memory.max")
		if err := os.WriteFile(path, []byte(strconv.FormatInt(*memory.Limit, 10)), 0644); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
	}

	// memory.low - soft limit / reservation
	if memory.Reservation != nil && *memory.Reservation > 0 {
		path := filepath.Join(c.path, "memory.low")
		if err := os.WriteFile(path, []byte(strconv.FormatInt(*memory.Reservation, 10)), 0644); err != nil {
			return fmt.Errorf("set memory.low: %w", err)
		}
	}

	// memory.swap.max - swap limit
	if memory.Swap != nil {
		swapLimit := *memory.Swap
		// OCI spec: swap is memory+swap, cgroup v2 expects just swap
		if memory.Limit != nil {
			swapLimit = *memory.Swap - *memory.Limit
			if swapLimit < 0 {
				swapLimit = 0
			}
		}
		path := filepath.Join(c.path, "memory.swap.max")
		if err := os.WriteFile(path, []byte(strconv.FormatInt(swapLimit, 10)), 0644); err != nil {
			// Swap might not be enabled
			logging.Warn("set memory.swap.max failed", "error", err)
		}
	}

	return nil
}

// applyCPU applies CPU limits.
func (c *Cgroup) applyCPU(cpu *spec.LinuxCPU) error {
	if cpu == nil {
		return nil
	}

	// cpu.max - quota and period
	if cpu.Quota != nil || cpu.Period != nil {
		quota := "max"
		if cpu.Quota != nil && *cpu.Quota > 0 {
			quota = strconv.FormatInt(*cpu.Quota, 10)
		}
		period := uint64(100000) // Default 100ms
		if cpu.Period != nil && *cpu.Period > 0 {
			period = *cpu.Period
		}
		value := fmt.Sprintf("%s %d", quota, period)
		path := filepath.Join(c.path, "cpu.max")
		if err := os.WriteFile(path, []byte(value), 0644); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}

	// cpu.weight (replaces cpu.shares)
	if cpu.Shares != nil && *cpu.Shares > 0 {
		// Convert shares to weight using the correct formula:
		// weight = 1 + (shares - 2) * 9999 / 262142
		// This maps shares (2-262144) to weight (1-10000)
		shares := *cpu.Shares
		var weight uint64 = 1
		if shares > 2 {
			weight = 1 + (shares-2)*9999/262142
		}
		if weight > 10000 {
			weight = 10000
		}
		path := filepath.Join(c.path, "cpu.weight")
		if err := os.WriteFile(path, []byte(strconv.FormatUint(weight, 10)), 0644); err != nil {
			return fmt.Errorf("set cpu.weight: %w", err)
		}
	}

	// cpuset.cpus
	if cpu.Cpus != "" {
		path := filepath.Join(c.path, "cpuset.cpus")
		if err := os.WriteFile(path, []byte(cpu.Cpus), 0644); err != nil {
			return fmt.Errorf("set cpuset.cpus: %w", err)
		}
	}

	// cpuset.mems
	if cpu.Mems != "" {
		path := filepath.Join(c.path, "cpuset.mems")
		if err := os.WriteFile(path, []byte(cpu.Mems), 0644); err != nil {
			return fmt.Errorf("set cpuset.mems: %w", err)
		}
	}

	return nil
}

// applyPids applies process count limits.
func (c *Cgroup) applyPids(pids *spec.LinuxPids) error {
	if pids == nil {
		return nil
	}

	if pids.Limit > 0 {
		path := filepath.Join(c.path, "pids.max")
		if err := os.WriteFile(path, []byte(strconv.FormatInt(pids.Limit, 10)), 0644); err != nil {
			return fmt.Errorf("set pids.max: %w", err)
		}
	}

	return nil
}

// applyIO applies the global io.weight and per-device I/O throttling via
// io.max.
func (c *Cgroup) applyIO(io *spec.LinuxBlockIO) error {
	if io == nil {
		return nil
	}

	// io.weight - proportional weight across the whole cgroup, converted
	// from OCI's blkio weight range (10-1000) to cgroup v2's (1-10000)
	// with the same linear mapping applyCPU uses for cpu.weight.
	if io.Weight != nil && *io.Weight > 0 {
		ociWeight := uint64(*io.Weight)
		var weight uint64 = 1
		if ociWeight > 10 {
			weight = 1 + (ociWeight-10)*9999/990
		}
		if weight > 10000 {
			weight = 10000
		}
		path := filepath.Join(c.path, "io.weight")
		if err := os.WriteFile(path, []byte(strconv.FormatUint(weight, 10)), 0644); err != nil {
			return fmt.Errorf("set io.weight: %w", err)
		}
	}

	for _, dev := range io.ThrottleReadBpsDevice {
		if err := c.writeIOMax(dev.Major, dev.Minor, "rbps", dev.Rate); err != nil {
			return err
		}
	}
	for _, dev := range io.ThrottleWriteBpsDevice {
		if err := c.writeIOMax(dev.Major, dev.Minor, "wbps", dev.Rate); err != nil {
			return err
		}
	}
	for _, dev := range io.ThrottleReadIOPSDevice {
		if err := c.writeIOMax(dev.Major, dev.Minor, "riops", dev.Rate); err != nil {
			return err
		}
	}
	for _, dev := range io.ThrottleWriteIOPSDevice {
		if err := c.writeIOMax(dev.Major, dev.Minor, "wiops", dev.Rate); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cgroup) writeIOMax(major, minor int64, key string, rate uint64) error {
	value := fmt.Sprintf("%d:%d %s=%d", major, minor, key, rate)
	path := filepath.Join(c.path, "io.max")
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("set io.max %s: %w", key, err)
	}
	return nil
}

// Destroy removes the cgroup. Cgroup v2 directories can remain briefly busy
// after the last process exits (the kernel tears down memory accounting
// asynchronously), so removal is retried with backoff before giving up.
func (c *Cgroup) Destroy() error {
	if c.version == cgroupV1 {
		return c.destroyV1()
	}

	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		err := os.Remove(c.path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "device or resource busy") {
			return err
		}
		time.Sleep(backoff)
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
	return fmt.Errorf("remove cgroup %s: %w", c.path, lastErr)
}

// GetMemoryCurrent returns current memory usage.
func (c *Cgroup) GetMemoryCurrent() (int64, error) {
	if c.version == cgroupV1 {
		return c.readV1Int("memory", "memory.usage_in_bytes")
	}
	return c.readInt("memory.current")
}

// GetMemoryPeak returns the highest memory usage observed over the
// cgroup's lifetime (memory.peak, kernel 5.19+). Not available on older
// kernels or cgroup v1; returns an error in that case.
func (c *Cgroup) GetMemoryPeak() (int64, error) {
	if c.version == cgroupV1 {
		return 0, fmt.Errorf("memory.peak not available on cgroup v1")
	}
	return c.readInt("memory.peak")
}

// GetMemorySwapCurrent returns current swap usage.
func (c *Cgroup) GetMemorySwapCurrent() (int64, error) {
	if c.version == cgroupV1 {
		return c.readV1Int("memory", "memory.memsw.usage_in_bytes")
	}
	return c.readInt("memory.swap.current")
}

// GetPidsCurrent returns current number of processes.
func (c *Cgroup) GetPidsCurrent() (int64, error) {
	if c.version == cgroupV1 {
		return c.readV1Int("pids", "pids.current")
	}
	return c.readInt("pids.current")
}

// CPUStat holds the fields of cpu.stat relevant to accounting.
type CPUStat struct {
	UsageUsec  int64
	UserUsec   int64
	SystemUsec int64
}

// GetCPUStat parses cpu.stat into usage/user/system microsecond counters.
// On v1 it reads cpuacct.stat instead, whose user/system values are clock
// ticks and are stored unconverted; UsageUsec stays zero there.
func (c *Cgroup) GetCPUStat() (CPUStat, error) {
	var data []byte
	var err error
	if c.version == cgroupV1 {
		data, err = os.ReadFile(filepath.Join(cgroupRoot, "cpuacct", c.path, "cpuacct.stat"))
	} else {
		data, err = os.ReadFile(filepath.Join(c.path, "cpu.stat"))
	}
	if err != nil {
		return CPUStat{}, err
	}

	var stat CPUStat
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		val, perr := strconv.ParseInt(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch fields[0] {
		case "usage_usec":
			stat.UsageUsec = val
		case "user_usec", "user":
			stat.UserUsec = val
		case "system_usec", "system":
			stat.SystemUsec = val
		}
	}
	return stat, nil
}

func (c *Cgroup) readInt(file string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, file))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// Freeze freezes all processes in the cgroup and waits (polling
// cgroup.events, per spec.md §4.7) until the kernel reports the freeze
// complete or a 5s deadline passes.
func (c *Cgroup) Freeze() error {
	if c.version == cgroupV1 {
		return c.freezeV1()
	}
	path := filepath.Join(c.path, "cgroup.freeze")
	if err := os.WriteFile(path, []byte("1"), 0644); err != nil {
		return err
	}
	return c.waitFrozenState(true, 5*time.Second)
}

// Thaw unfreezes all processes in the cgroup.
func (c *Cgroup) Thaw() error {
	if c.version == cgroupV1 {
		return c.thawV1()
	}
	path := filepath.Join(c.path, "cgroup.freeze")
	if err := os.WriteFile(path, []byte("0"), 0644); err != nil {
		return err
	}
	return c.waitFrozenState(false, 5*time.Second)
}

// waitFrozenState polls cgroup.events for the "frozen" key, backing off
// from 10ms up to the given timeout.
func (c *Cgroup) waitFrozenState(want bool, timeout time.Duration) error {
	wantVal := "0"
	if want {
		wantVal = "1"
	}

	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(filepath.Join(c.path, "cgroup.events"))
		if err != nil {
			return err
		}
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) == 2 && fields[0] == "frozen" && fields[1] == wantVal {
				return nil
			}
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
	return fmt.Errorf("timed out waiting for frozen=%s", wantVal)
}

// KillAll terminates every process in the cgroup. It prefers cgroup.kill
// (kernel 5.14+), a single atomic write that SIGKILLs the whole subtree,
// and falls back to iterating cgroup.procs and signaling each PID on older
// kernels or cgroup v1.
func (c *Cgroup) KillAll() error {
	if c.version == cgroupV2 {
		killPath := filepath.Join(c.path, "cgroup.kill")
		if err := os.WriteFile(killPath, []byte("1"), 0644); err == nil {
			return nil
		}
	}
	return c.killAllViaProcs()
}

func (c *Cgroup) killAllViaProcs() error {
	procsPath := filepath.Join(c.path, "cgroup.procs")
	if c.version == cgroupV1 {
		procsPath = filepath.Join(cgroupRoot, "pids", c.path, "cgroup.procs")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(procsPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		pids := strings.Fields(string(data))
		if len(pids) == 0 {
			return nil
		}
		for _, p := range pids {
			pid, err := strconv.Atoi(p)
			if err != nil {
				continue
			}
			_ = killPid(pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("timed out killing all processes in %s", c.path)
}

// killPid sends SIGKILL to a single pid, ignoring ESRCH (already exited).
func killPid(pid int) error {
	err := syscall.Kill(pid, syscall.SIGKILL)
	if err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// EnsureParentControllers enables controllers on parent cgroups.
func EnsureParentControllers(cgroupPath string) error {
	if detectCgroupVersion() == cgroupV1 {
		return nil
	}

	// Walk up from cgroupPath and enable controllers at each level
	parts := strings.Split(strings.Trim(cgroupPath, "/"), "/")
	current := cgroupRoot

	controllers := "+cpu +memory +pids +cpuset +io"

	for _, part := range parts[:len(parts)] {
		controlFile := filepath.Join(current, "cgroup.subtree_control")
		if err := os.WriteFile(controlFile, []byte(controllers), 0644); err != nil {
			// Best effort - some controllers might not be available
		}
		current = filepath.Join(current, part)
	}

	return nil
}

// GetCgroupPath returns the default cgroup path for a container.
func GetCgroupPath(containerID string, specPath string) string {
	if specPath != "" {
		return specPath
	}
	return filepath.Join("bock", containerID)
}

// validateCgroupKey validates a cgroup controller file key.
// This prevents path traversal attacks via crafted unified keys.
func validateCgroupKey(key string) error {
	// Empty key is invalid
	if key == "" {
		return fmt.Errorf("empty key not allowed")
	}

	// Must not contain path separators
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("key contains path separator")
	}

	// Must not be . or ..
	if key == "." || key == ".." {
		return fmt.Errorf("key is relative path component")
	}

	// Must not start with .
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("key starts with dot")
	}

	// Must match valid cgroup key pattern (e.g., cpu.max, memory.swap.max)
	if !validCgroupKey.MatchString(key) {
		return fmt.Errorf("key does not match valid cgroup key pattern")
	}

	return nil
}
