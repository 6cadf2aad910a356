// Package container implements the create operation.
package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	cerrors "bock/errors"
	"bock/hooks"
	"bock/linux"
	"bock/network"
	"bock/spec"
	"bock/utils"
)

// CreateOptions contains options for container creation.
type CreateOptions struct {
	// ConsoleSocket is the path to a unix socket for the console.
	ConsoleSocket string

	// PidFile is the path to write the container PID.
	PidFile string

	// NoPivot carries --no-pivot. Create does not read it: the rootfs is
	// always entered with pivot_root, falling back to chroot only when
	// pivot_root fails.
	NoPivot bool

	// NoNewKeyring carries --no-new-keyring. Create does not read it.
	NoNewKeyring bool
}

// Create creates a container but doesn't start the user process.
// The container will be in "created" state, waiting for Start().
func (c *Container) Create(ctx context.Context, opts *CreateOptions) error {
	// Check context cancellation
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if opts == nil {
		opts = &CreateOptions{}
	}

	// Pre-fork spec validation: both checks are knowable before any resource
	// exists, and InitContainer (the forked child) has no channel back to
	// report a structured error to this caller, so they run here instead.
	if err := linux.ValidateUserNamespaceSpec(c.Spec); err != nil {
		return err
	}

	lockHandle, err := acquireLock(ctx, c.StateDir)
	if err != nil {
		return err
	}
	defer releaseLockHandle(lockHandle)

	// Create exec FIFO for synchronization
	if err := c.CreateExecFifo(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrResource, "create exec fifo")
	}

	// Cleanup function to call on error after FIFO is created
	var cgroup *linux.Cgroup
	var attachedNetwork *network.Config
	var overlayPlan *linux.OverlayPlan
	overlayRoot := filepath.Join(c.bockRoot(), "overlay", c.ID)
	cleanup := func() {
		// Remove FIFO
		os.Remove(c.ExecFifoPath())
		// Destroy cgroup if created
		if cgroup != nil {
			cgroup.Destroy()
		}
		// Tear down network resources attached before a later step failed.
		if attachedNetwork != nil {
			network.New(c.bockRoot()).Teardown(c.ID, attachedNetwork)
		}
		// Remove overlay scratch directories if composed.
		if overlayPlan != nil {
			os.RemoveAll(overlayRoot)
		}
	}

	// Setup cgroup
	cgroupPath := linux.GetCgroupPath(c.ID, "")
	if c.Spec.Linux != nil && c.Spec.Linux.CgroupsPath != "" {
		cgroupPath = c.Spec.Linux.CgroupsPath
	}
	c.CgroupPath = cgroupPath

	// Enable parent controllers
	linux.EnsureParentControllers(cgroupPath)

	// Create cgroup
	cgroup, err = linux.NewCgroup(cgroupPath)
	if err != nil {
		cleanup()
		return fmt.Errorf("create cgroup: %w", err)
	}

	// Apply resource limits
	if c.Spec.Linux != nil && c.Spec.Linux.Resources != nil {
		if err := cgroup.ApplyResources(c.Spec.Linux.Resources); err != nil {
			cleanup()
			return fmt.Errorf("apply resources: %w", err)
		}
	}

	// RootfsBuilder: when the image store handed over a layer list (via
	// annotation) rather than an already-assembled rootfs, compose the
	// overlay here, in the host namespace, before the init process forks -
	// the resulting merged view's path then travels to it by env var.
	overlayPlan, err = linux.BuildOverlayPlan(c.Spec, overlayRoot)
	if err != nil {
		cleanup()
		return fmt.Errorf("build overlay plan: %w", err)
	}

	// Get path to our own executable
	self, err := os.Executable()
	if err != nil {
		cleanup()
		return fmt.Errorf("get executable: %w", err)
	}

	// Build command for init process
	// We re-exec ourselves with "init" command
	cmd := exec.Command(self, "init")
	cmd.Dir = c.Bundle

	// Setup namespace flags
	sysProcAttr, err := linux.BuildSysProcAttr(c.Spec)
	if err != nil {
		cleanup()
		return fmt.Errorf("build sysprocattr: %w", err)
	}
	cmd.SysProcAttr = sysProcAttr

	// Setup environment for init
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("_RUNC_GO_INIT_BUNDLE=%s", c.Bundle),
		fmt.Sprintf("_RUNC_GO_INIT_FIFO=%s", c.ExecFifoPath()),
		fmt.Sprintf("_RUNC_GO_INIT_ID=%s", c.ID),
		fmt.Sprintf("_RUNC_GO_STATE_DIR=%s", c.StateDir),
	)
	if overlayPlan != nil {
		cmd.Env = append(cmd.Env,
			fmt.Sprintf("_RUNC_GO_INIT_OVERLAY_LOWER=%s", strings.Join(overlayPlan.Lower, ":")),
			fmt.Sprintf("_RUNC_GO_INIT_OVERLAY_UPPER=%s", overlayPlan.Upper),
			fmt.Sprintf("_RUNC_GO_INIT_OVERLAY_WORK=%s", overlayPlan.Work),
			fmt.Sprintf("_RUNC_GO_INIT_OVERLAY_MERGED=%s", overlayPlan.Merged),
		)
	}

	// Setup stdin/stdout/stderr
	var console *utils.Console
	var consoleSlave *os.File
	if c.Spec.Process != nil && c.Spec.Process.Terminal && opts.ConsoleSocket != "" {
		// Console socket mode: create PTY and send master to socket
		var err error
		console, err = utils.NewConsole()
		if err != nil {
			cleanup()
			return fmt.Errorf("create console: %w", err)
		}
		// Open slave PTY in parent and pass to child via inheritance
		consoleSlave, err = console.OpenSlave()
		if err != nil {
			console.Close()
			cleanup()
			return fmt.Errorf("open console slave: %w", err)
		}
		// Connect child's stdio to slave PTY
		cmd.Stdin = consoleSlave
		cmd.Stdout = consoleSlave
		cmd.Stderr = consoleSlave
		// Note: Don't set Setctty here - it interferes with namespace creation
		// The controlling terminal is set up in InitContainer instead
	} else if c.Spec.Process != nil && c.Spec.Process.Terminal {
		// Direct terminal mode: inherit from parent
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		// Non-terminal mode
		cmd.Stdin = nil
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	// Start the init process
	if err := cmd.Start(); err != nil {
		if console != nil {
			console.Close()
		}
		cleanup()
		return fmt.Errorf("start init: %w", err)
	}

	// Send PTY master to console socket (must be after cmd.Start)
	if console != nil {
		if err := utils.SendConsoleToSocket(opts.ConsoleSocket, console.Master()); err != nil {
			cmd.Process.Kill()
			console.Close()
			if consoleSlave != nil {
				consoleSlave.Close()
			}
			cleanup()
			return fmt.Errorf("send console to socket: %w", err)
		}
		console.Close() // Parent doesn't need master anymore
		if consoleSlave != nil {
			consoleSlave.Close() // Parent doesn't need slave anymore
		}
	}

	c.InitProcess = cmd.Process.Pid
	c.State.Pid = c.InitProcess

	// Add process to cgroup
	if err := cgroup.AddProcess(c.InitProcess); err != nil {
		cmd.Process.Kill()
		cleanup()
		return fmt.Errorf("add to cgroup: %w", err)
	}

	// NetworkPlumber: the helper already unshared CLONE_NEWNET (if
	// requested) as part of cmd.Start's SysProcAttr, so its netns exists
	// and can be attached to from here without entering it ourselves.
	netCfg, netErr := network.ParseConfig(c.Spec.Annotations)
	if netErr != nil {
		cmd.Process.Kill()
		cleanup()
		return fmt.Errorf("parse network config: %w", netErr)
	}
	if linux.HasNamespace(namespacesOf(c.Spec), spec.NetworkNamespace) && netCfg.Mode != network.ModeHost {
		plumber := network.New(c.bockRoot())
		if _, err := plumber.Attach(c.ID, c.InitProcess, netCfg); err != nil {
			cmd.Process.Kill()
			cleanup()
			return fmt.Errorf("attach network: %w", err)
		}
		attachedNetwork = netCfg
	}

	// Write PID file if requested
	if opts.PidFile != "" {
		if err := os.WriteFile(opts.PidFile, []byte(fmt.Sprintf("%d", c.InitProcess)), 0644); err != nil {
			cmd.Process.Kill()
			cleanup()
			return fmt.Errorf("write pid file: %w", err)
		}
	}

	// Update state to created
	c.State.Status = spec.StatusCreated
	if err := c.SaveState(); err != nil {
		cmd.Process.Kill()
		cleanup()
		return fmt.Errorf("save state: %w", err)
	}

	// Don't wait for cmd - the init process will block on the FIFO
	// waiting for Start() to be called

	return nil
}

// InitContainer is called inside the container namespace to complete setup.
// This is executed by the re-exec'd process.
func InitContainer() error {
	// Get init parameters from environment
	bundle := os.Getenv("_RUNC_GO_INIT_BUNDLE")
	fifoPath := os.Getenv("_RUNC_GO_INIT_FIFO")

	if bundle == "" || fifoPath == "" {
		return fmt.Errorf("missing init environment")
	}

	// Load spec
	specPath := filepath.Join(bundle, "config.json")
	s, err := spec.LoadSpec(specPath)
	if err != nil {
		return fmt.Errorf("load spec: %w", err)
	}

	// Join namespaces if paths specified
	if s.Linux != nil {
		if err := linux.SetNamespaces(s.Linux.Namespaces); err != nil {
			return fmt.Errorf("set namespaces: %w", err)
		}
	}

	// Set hostname
	if s.Hostname != "" {
		if err := linux.SetHostname(s.Hostname); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
	}

	// Set domainname
	if s.Domainname != "" {
		if err := linux.SetDomainname(s.Domainname); err != nil {
			return fmt.Errorf("set domainname: %w", err)
		}
	}

	// prestart hooks run between namespace setup and pivot_root, with the
	// init PID (ourselves, PID 1 of the new pid namespace) visible to them.
	// A non-zero exit here aborts create entirely.
	if s.Hooks != nil {
		if err := hooks.RunWithState(s.Hooks, hooks.Prestart, containerIDFromEnv(), os.Getpid(), bundle, spec.StatusCreating); err != nil {
			return cerrors.Wrap(err, cerrors.ErrHookFailed, "prestart hook")
		}
	}

	// IMPORTANT: Open FIFO BEFORE pivot_root, as it won't be accessible after
	fifo, err := os.OpenFile(fifoPath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open fifo: %w", err)
	}

	// Setup rootfs (overlay composition if a layer list was handed down,
	// pivot_root, mounts, etc.)
	if err := linux.SetupRootfs(s, bundle, overlayPlanFromEnv()); err != nil {
		fifo.Close()
		return fmt.Errorf("setup rootfs: %w", err)
	}

	// Setup devices
	if s.Linux != nil && len(s.Linux.Devices) > 0 {
		if err := linux.CreateDevices(s.Linux.Devices); err != nil {
			fmt.Printf("[init] warning: create devices: %v\n", err)
		}
	}

	// Setup default devices
	linux.SetupDefaultDevices()
	linux.SetupDevSymlinks()
	linux.SetupDevPts()

	// Change to working directory
	if s.Process != nil && s.Process.Cwd != "" {
		if err := os.Chdir(s.Process.Cwd); err != nil {
			fifo.Close()
			return fmt.Errorf("chdir %s: %w", s.Process.Cwd, err)
		}
	}

	// Create /dev/console if stdin is a PTY (character device). The
	// controlling terminal is set up by hand (setsid + TIOCSCTTY) before exec.
	var stat syscall.Stat_t
	if err := syscall.Fstat(0, &stat); err == nil {
		if stat.Mode&syscall.S_IFCHR != 0 {
			os.Remove("/dev/console")
			if err := syscall.Mknod("/dev/console", syscall.S_IFCHR|0600, int(stat.Rdev)); err != nil {
				fmt.Printf("[init] warning: failed to create /dev/console: %v\n", err)
			}
		}
	}

	// Setup environment
	if s.Process != nil {
		for _, env := range s.Process.Env {
			parts := splitEnv(env)
			if len(parts) == 2 {
				os.Setenv(parts[0], parts[1])
			}
		}
	}

	// SecurityGate runs after RootfsBuilder and before the process blocks
	// waiting for the exec signal: rlimits, user, LSM label, capabilities,
	// then no_new_privs + seccomp, in that exact order.
	if err := linux.ApplySecurityGate(s, setUser); err != nil {
		fifo.Close()
		return fmt.Errorf("security gate: %w", err)
	}

	// Now wait on FIFO - this blocks until Start() is called
	// Read from FIFO (blocks until writer connects)
	buf := make([]byte, 1)
	_, err = fifo.Read(buf)
	fifo.Close()

	if err != nil {
		return fmt.Errorf("read fifo: %w", err)
	}

	// Exec the user process
	if s.Process == nil || len(s.Process.Args) == 0 {
		return fmt.Errorf("no process args specified")
	}

	// If stdin is a TTY, ensure it's the controlling terminal
	// This is needed because Go's Setctty doesn't work reliably with Cloneflags
	if s.Process.Terminal {
		// Try to become session leader (may already be one, which is fine)
		syscall.Setsid()
		// Set stdin as controlling terminal
		utils.SetControllingTerminal(os.Stdin)
		// Enable signal generation and set foreground process group
		utils.SetupTerminalSignals(os.Stdin)
	}

	args := s.Process.Args
	path, err := exec.LookPath(args[0])
	if err != nil {
		return fmt.Errorf("lookup %s: %w", args[0], err)
	}

	// Instead of exec'ing directly (which would make user command PID 1),
	// fork/exec and forward signals. PID 1 in Linux ignores signals without handlers.
	cmd := exec.Command(path, args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	// Start the user process
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start user process: %w", err)
	}

	exitCode := reapAsInit(cmd.Process.Pid)
	os.Exit(exitCode)
	return nil // unreachable
}

// reapAsInit is PID 1's main loop: forward SIGTERM/SIGINT to the entrypoint
// process (escalating to SIGKILL after a 10s grace period), forward SIGHUP
// and SIGQUIT as-is, and reap every terminated child with a non-blocking
// waitpid(-1) loop on each SIGCHLD. Orphaned grandchildren reparented to
// PID 1 are reaped unconditionally and discarded; only entrypointPid's exit
// status is returned. cmd.Wait is never called here: a manual wait4 loop is
// the only way to also collect the zombies Go's os/exec doesn't know about.
func reapAsInit(entrypointPid int) int {
	sigChan := make(chan os.Signal, 32)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGCHLD)
	defer signal.Stop(sigChan)

	var killTimer *time.Timer
	var killCh <-chan time.Time

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGCHLD:
				if status, exited := reapChildren(entrypointPid); exited {
					if killTimer != nil {
						killTimer.Stop()
					}
					return status
				}
			case syscall.SIGTERM, syscall.SIGINT:
				syscall.Kill(entrypointPid, sig.(syscall.Signal))
				if killTimer == nil {
					killTimer = time.NewTimer(10 * time.Second)
					killCh = killTimer.C
				}
			default:
				syscall.Kill(entrypointPid, sig.(syscall.Signal))
			}
		case <-killCh:
			syscall.Kill(entrypointPid, syscall.SIGKILL)
			killCh = nil
		}
	}
}

// reapChildren drains every terminated child via a non-blocking waitpid(-1)
// loop. It returns the entrypoint's exit code and true once entrypointPid is
// among the reaped processes; every other reaped pid is an orphaned
// grandchild, reaped to prevent a permanent zombie and otherwise ignored.
func reapChildren(entrypointPid int) (int, bool) {
	exitCode := -1
	found := false
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			break
		}
		if pid == entrypointPid {
			found = true
			switch {
			case status.Exited():
				exitCode = status.ExitStatus()
			case status.Signaled():
				exitCode = 128 + int(status.Signal())
			default:
				exitCode = 1
			}
		}
	}
	return exitCode, found
}

// namespacesOf returns the configured namespace list, tolerating a nil
// Linux section or a nil spec entirely.
func namespacesOf(s *spec.Spec) []spec.LinuxNamespace {
	if s == nil || s.Linux == nil {
		return nil
	}
	return s.Linux.Namespaces
}

// containerIDFromEnv reads the container ID passed to the init process.
func containerIDFromEnv() string {
	return os.Getenv("_RUNC_GO_INIT_ID")
}

// overlayPlanFromEnv reconstructs the OverlayPlan the parent resolved and
// passed down, or nil if the container's rootfs needs no overlay composition.
func overlayPlanFromEnv() *linux.OverlayPlan {
	merged := os.Getenv("_RUNC_GO_INIT_OVERLAY_MERGED")
	if merged == "" {
		return nil
	}
	lower := os.Getenv("_RUNC_GO_INIT_OVERLAY_LOWER")
	return &linux.OverlayPlan{
		Lower:  strings.Split(lower, ":"),
		Upper:  os.Getenv("_RUNC_GO_INIT_OVERLAY_UPPER"),
		Work:   os.Getenv("_RUNC_GO_INIT_OVERLAY_WORK"),
		Merged: merged,
	}
}

// splitEnv splits an environment variable string into key and value.
func splitEnv(env string) []string {
	for i := 0; i < len(env); i++ {
		if env[i] == '=' {
			return []string{env[:i], env[i+1:]}
		}
	}
	return []string{env}
}

// setUser sets the user ID and group ID.
func setUser(user spec.User) error {
	// Set supplementary groups
	if len(user.AdditionalGids) > 0 {
		gids := make([]int, len(user.AdditionalGids))
		for i, g := range user.AdditionalGids {
			gids[i] = int(g)
		}
		// setgroups might fail in user namespaces, log warning but don't fail
		if err := setGroups(gids); err != nil {
			fmt.Printf("[init] warning: setgroups failed (expected in user namespaces): %v\n", err)
		}
	}

	// Set GID first (must be before UID)
	if user.GID != 0 {
		if err := setGid(int(user.GID)); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}

	// Set UID
	if user.UID != 0 {
		if err := setUid(int(user.UID)); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}

	// Set umask
	if user.Umask != nil {
		oldMask := setUmask(int(*user.Umask))
		_ = oldMask // Ignore old mask
	}

	return nil
}
