// Package container implements the delete operation.
package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"bock/hooks"
	"bock/linux"
	"bock/logging"
	"bock/network"
	"bock/spec"
)

// DeleteOptions contains options for container deletion.
type DeleteOptions struct {
	// Force kills the container if it's running.
	Force bool
}

// Delete removes a container.
func Delete(ctx context.Context, id, stateRoot string, opts *DeleteOptions) error {
	if opts == nil {
		opts = &DeleteOptions{}
	}

	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // Already deleted
		}
		return fmt.Errorf("load container: %w", err)
	}

	lockHandle, err := acquireLock(ctx, c.StateDir)
	if err != nil {
		return err
	}
	defer releaseLockHandle(lockHandle)

	// Refresh status
	c.RefreshStatus()

	// Clean up cgroup
	cgroupPath := linux.GetCgroupPath(c.ID, "")
	if c.CgroupPath != "" {
		cgroupPath = c.CgroupPath
	}
	cgroup, cgroupErr := linux.NewCgroup(cgroupPath)

	// Check if running
	if c.IsRunning() {
		if !opts.Force {
			return fmt.Errorf("container is running, use --force to kill it")
		}

		// Force-delete goes through CgroupEngine.kill_all rather than
		// signaling the init process alone, so exec'd processes sharing the
		// cgroup die too; it waits with a 10s cap.
		if cgroupErr == nil {
			if err := cgroup.KillAll(); err != nil {
				return fmt.Errorf("kill container: %w", err)
			}
		} else if err := c.Signal(syscall.SIGKILL); err != nil {
			return fmt.Errorf("kill container: %w", err)
		}

		waitForExit(ctx, c.InitProcess, 10*time.Second)
	}

	if cgroupErr == nil {
		cgroup.Destroy()
	}

	// Remove exec FIFO if it exists
	os.Remove(c.ExecFifoPath())

	// NetworkPlumber cleanup: recompute the veth/NAT-chain names from the
	// container ID (delete runs in a fresh process with no live Attachment)
	// and tear down whatever Create attached, per spec.md §4.7 "Cleanup on
	// delete".
	if c.Spec != nil {
		if netCfg, err := network.ParseConfig(c.Spec.Annotations); err == nil {
			plumber := network.New(c.bockRoot())
			if err := plumber.Teardown(c.ID, netCfg); err != nil {
				logging.WarnContext(ctx, "network teardown failed", "container_id", c.ID, "error", err)
			}
		}
	}

	// poststop hooks run after reaping, once all resources are known gone;
	// failures are logged and never block cleanup.
	if c.Spec != nil && c.Spec.Hooks != nil {
		if err := hooks.RunWithState(c.Spec.Hooks, hooks.Poststop, c.ID, 0, c.Bundle, spec.StatusStopped); err != nil {
			logging.WarnContext(ctx, "poststop hook failed", "container_id", c.ID, "error", err)
		}
	}

	// releaseLock works on a separate handle and leaves the lock taken above
	// held until the deferred releaseLockHandle; the lock file itself is
	// removed with the rest of the state directory below.
	releaseLock(c.StateDir)

	// Remove state directory
	if err := os.RemoveAll(c.StateDir); err != nil {
		return fmt.Errorf("remove state dir: %w", err)
	}

	return nil
}

// waitForExit waits for a process to exit with a timeout.
func waitForExit(ctx context.Context, pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		err := syscall.Kill(pid, 0)
		if err != nil {
			return // Process exited
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Cleanup removes all state for containers that are no longer running.
func Cleanup(ctx context.Context, stateRoot string) error {
	if stateRoot == "" {
		stateRoot = DefaultStateDir
	}

	entries, err := os.ReadDir(stateRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !entry.IsDir() {
			continue
		}

		c, err := Load(ctx, entry.Name(), stateRoot)
		if err != nil {
			// Remove invalid state
			os.RemoveAll(filepath.Join(stateRoot, entry.Name()))
			continue
		}

		c.RefreshStatus()
		if c.State.Status == spec.StatusStopped {
			Delete(ctx, c.ID, stateRoot, &DeleteOptions{Force: true})
		}
	}

	return nil
}
