// Package container implements the pause/resume operations.
package container

import (
	"context"
	"fmt"

	cerrors "bock/errors"
	"bock/linux"
	"bock/spec"
)

// Pause freezes all processes in a running container via the cgroup
// freezer (cgroup.freeze on v2, freezer.state on v1), per spec.md §4.7.
// The container transitions running -> paused only once the kernel
// confirms the freeze completed.
func Pause(ctx context.Context, id, stateRoot string) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return cerrors.WrapWithContainer(err, cerrors.ErrNotFound, "pause", id)
	}

	lockHandle, err := acquireLock(ctx, c.StateDir)
	if err != nil {
		return err
	}
	defer releaseLockHandle(lockHandle)

	c.RefreshStatus()
	c.mu.RLock()
	status := c.State.Status
	c.mu.RUnlock()
	if status != spec.StatusRunning {
		return cerrors.WrapWithDetail(nil, cerrors.ErrInvalidTransition, "pause",
			fmt.Sprintf("container is not running (current: %s)", status))
	}

	cgroupPath := c.CgroupPath
	if cgroupPath == "" {
		cgroupPath = linux.GetCgroupPath(c.ID, "")
	}
	cgroup, err := linux.NewCgroup(cgroupPath)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrResource, "open cgroup")
	}

	if err := cgroup.Freeze(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrKernelUnsupported, "freeze cgroup")
	}

	return c.UpdateStatus(spec.StatusPaused)
}

// Resume thaws a paused container's processes.
func Resume(ctx context.Context, id, stateRoot string) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return cerrors.WrapWithContainer(err, cerrors.ErrNotFound, "resume", id)
	}

	lockHandle, err := acquireLock(ctx, c.StateDir)
	if err != nil {
		return err
	}
	defer releaseLockHandle(lockHandle)

	c.mu.RLock()
	status := c.State.Status
	c.mu.RUnlock()
	if status != spec.StatusPaused {
		return cerrors.WrapWithDetail(nil, cerrors.ErrInvalidTransition, "resume",
			fmt.Sprintf("container is not paused (current: %s)", status))
	}

	cgroupPath := c.CgroupPath
	if cgroupPath == "" {
		cgroupPath = linux.GetCgroupPath(c.ID, "")
	}
	cgroup, err := linux.NewCgroup(cgroupPath)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrResource, "open cgroup")
	}

	if err := cgroup.Thaw(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrKernelUnsupported, "thaw cgroup")
	}

	return c.UpdateStatus(spec.StatusRunning)
}
