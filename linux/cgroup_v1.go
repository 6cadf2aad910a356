package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bock/spec"
)

// v1Controllers lists the per-controller hierarchies this runtime manages
// under cgroup v1. Each is mounted separately at /sys/fs/cgroup/<name>.
var v1Controllers = []string{"memory", "cpu", "cpuset", "pids", "freezer", "cpuacct", "blkio"}

// v1ControllerPath returns the full per-controller path for this cgroup's
// relative identity.
func (c *Cgroup) v1ControllerPath(controller string) string {
	return filepath.Join(cgroupRoot, controller, c.path)
}

// createV1 creates the cgroup directory under every controller this
// runtime manages. Controllers that aren't mounted on this host (e.g. a
// minimal container host without blkio) are skipped.
func (c *Cgroup) createV1() error {
	var firstErr error
	created := 0
	for _, controller := range v1Controllers {
		root := filepath.Join(cgroupRoot, controller)
		if _, err := os.Stat(root); err != nil {
			continue // controller not mounted on this host
		}
		path := c.v1ControllerPath(controller)
		if err := os.MkdirAll(path, 0755); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		created++
	}
	if created == 0 && firstErr != nil {
		return fmt.Errorf("create cgroup v1 directories: %w", firstErr)
	}
	return nil
}

func (c *Cgroup) addProcessV1(pid int) error {
	var lastErr error
	wrote := false
	for _, controller := range v1Controllers {
		path := filepath.Join(c.v1ControllerPath(controller), "cgroup.procs")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644); err != nil {
			lastErr = err
			continue
		}
		wrote = true
	}
	if !wrote && lastErr != nil {
		if c.rootless {
			return nil
		}
		return lastErr
	}
	return nil
}

func (c *Cgroup) applyResourcesV1(resources *spec.LinuxResources) error {
	if resources.Memory != nil {
		if resources.Memory.Limit != nil && *resources.Memory.Limit > 0 {
			if err := c.writeV1("memory", "memory.limit_in_bytes", strconv.FormatInt(*resources.Memory.Limit, 10)); err != nil {
				return c.degradeOrFail(err)
			}
		}
		if resources.Memory.Reservation != nil && *resources.Memory.Reservation > 0 {
			if err := c.writeV1("memory", "memory.soft_limit_in_bytes", strconv.FormatInt(*resources.Memory.Reservation, 10)); err != nil {
				return c.degradeOrFail(err)
			}
		}
	}

	if resources.CPU != nil {
		cpu := resources.CPU
		if cpu.Quota != nil && *cpu.Quota > 0 {
			if err := c.writeV1("cpu", "cpu.cfs_quota_us", strconv.FormatInt(*cpu.Quota, 10)); err != nil {
				return c.degradeOrFail(err)
			}
		}
		if cpu.Period != nil && *cpu.Period > 0 {
			if err := c.writeV1("cpu", "cpu.cfs_period_us", strconv.FormatUint(*cpu.Period, 10)); err != nil {
				return c.degradeOrFail(err)
			}
		}
		if cpu.Shares != nil && *cpu.Shares > 0 {
			if err := c.writeV1("cpu", "cpu.shares", strconv.FormatUint(*cpu.Shares, 10)); err != nil {
				return c.degradeOrFail(err)
			}
		}
		if cpu.Cpus != "" {
			if err := c.writeV1("cpuset", "cpuset.cpus", cpu.Cpus); err != nil {
				return c.degradeOrFail(err)
			}
		}
		if cpu.Mems != "" {
			if err := c.writeV1("cpuset", "cpuset.mems", cpu.Mems); err != nil {
				return c.degradeOrFail(err)
			}
		}
	}

	if resources.Pids != nil && resources.Pids.Limit > 0 {
		if err := c.writeV1("pids", "pids.max", strconv.FormatInt(resources.Pids.Limit, 10)); err != nil {
			return c.degradeOrFail(err)
		}
	}

	return nil
}

func (c *Cgroup) writeV1(controller, file, value string) error {
	path := filepath.Join(c.v1ControllerPath(controller), file)
	return os.WriteFile(path, []byte(value), 0644)
}

func (c *Cgroup) readV1Int(controller, file string) (int64, error) {
	path := filepath.Join(c.v1ControllerPath(controller), file)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// destroyV1 removes the cgroup directory from every controller it was
// created under, retrying on EBUSY with backoff the same way Destroy does
// for v2.
func (c *Cgroup) destroyV1() error {
	var lastErr error
	for _, controller := range v1Controllers {
		path := c.v1ControllerPath(controller)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		backoff := 10 * time.Millisecond
		deadline := time.Now().Add(2 * time.Second)
		for {
			err := os.Remove(path)
			if err == nil || os.IsNotExist(err) {
				break
			}
			if !strings.Contains(err.Error(), "device or resource busy") || !time.Now().Before(deadline) {
				lastErr = err
				break
			}
			time.Sleep(backoff)
			if backoff < 500*time.Millisecond {
				backoff *= 2
			}
		}
	}
	return lastErr
}

// freezeV1 uses the legacy freezer.state file; unlike v2's cgroup.events,
// v1 exposes freezer.state directly as FROZEN/THAWED/FREEZING so polling
// just re-reads that file.
func (c *Cgroup) freezeV1() error {
	if err := c.writeV1("freezer", "freezer.state", "FROZEN"); err != nil {
		return err
	}
	return c.pollV1FreezerState("FROZEN")
}

func (c *Cgroup) thawV1() error {
	if err := c.writeV1("freezer", "freezer.state", "THAWED"); err != nil {
		return err
	}
	return c.pollV1FreezerState("THAWED")
}

func (c *Cgroup) pollV1FreezerState(want string) error {
	path := filepath.Join(c.v1ControllerPath("freezer"), "freezer.state")
	for i := 0; i < 50; i++ {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(data)) == want {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for freezer.state=%s", want)
}
