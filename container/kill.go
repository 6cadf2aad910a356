// Package container implements the kill operation.
package container

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	cerrors "bock/errors"
)

// SignalMap maps signal names to signal numbers.
var SignalMap = map[string]syscall.Signal{
	"SIGHUP":    syscall.SIGHUP,
	"SIGINT":    syscall.SIGINT,
	"SIGQUIT":   syscall.SIGQUIT,
	"SIGILL":    syscall.SIGILL,
	"SIGTRAP":   syscall.SIGTRAP,
	"SIGABRT":   syscall.SIGABRT,
	"SIGBUS":    syscall.SIGBUS,
	"SIGFPE":    syscall.SIGFPE,
	"SIGKILL":   syscall.SIGKILL,
	"SIGUSR1":   syscall.SIGUSR1,
	"SIGSEGV":   syscall.SIGSEGV,
	"SIGUSR2":   syscall.SIGUSR2,
	"SIGPIPE":   syscall.SIGPIPE,
	"SIGALRM":   syscall.SIGALRM,
	"SIGTERM":   syscall.SIGTERM,
	"SIGSTKFLT": syscall.Signal(16),
	"SIGCHLD":   syscall.SIGCHLD,
	"SIGCONT":   syscall.SIGCONT,
	"SIGSTOP":   syscall.SIGSTOP,
	"SIGTSTP":   syscall.SIGTSTP,
	"SIGTTIN":   syscall.SIGTTIN,
	"SIGTTOU":   syscall.SIGTTOU,
	"SIGURG":    syscall.SIGURG,
	"SIGXCPU":   syscall.SIGXCPU,
	"SIGXFSZ":   syscall.SIGXFSZ,
	"SIGVTALRM": syscall.SIGVTALRM,
	"SIGPROF":   syscall.SIGPROF,
	"SIGWINCH":  syscall.SIGWINCH,
	"SIGIO":     syscall.SIGIO,
	"SIGPWR":    syscall.Signal(30),
	"SIGSYS":    syscall.Signal(31),

	// Shorthand names
	"HUP":    syscall.SIGHUP,
	"INT":    syscall.SIGINT,
	"QUIT":   syscall.SIGQUIT,
	"ILL":    syscall.SIGILL,
	"TRAP":   syscall.SIGTRAP,
	"ABRT":   syscall.SIGABRT,
	"BUS":    syscall.SIGBUS,
	"FPE":    syscall.SIGFPE,
	"KILL":   syscall.SIGKILL,
	"USR1":   syscall.SIGUSR1,
	"SEGV":   syscall.SIGSEGV,
	"USR2":   syscall.SIGUSR2,
	"PIPE":   syscall.SIGPIPE,
	"ALRM":   syscall.SIGALRM,
	"TERM":   syscall.SIGTERM,
	"CHLD":   syscall.SIGCHLD,
	"CONT":   syscall.SIGCONT,
	"STOP":   syscall.SIGSTOP,
	"TSTP":   syscall.SIGTSTP,
	"TTIN":   syscall.SIGTTIN,
	"TTOU":   syscall.SIGTTOU,
	"URG":    syscall.SIGURG,
	"XCPU":   syscall.SIGXCPU,
	"XFSZ":   syscall.SIGXFSZ,
	"VTALRM": syscall.SIGVTALRM,
	"PROF":   syscall.SIGPROF,
	"WINCH":  syscall.SIGWINCH,
	"IO":     syscall.SIGIO,
	"SYS":    syscall.Signal(31),
}

// ParseSignal parses a signal name or number into a syscall.Signal.
func ParseSignal(s string) (syscall.Signal, error) {
	// Try as number first
	var sig int
	if _, err := fmt.Sscanf(s, "%d", &sig); err == nil {
		return syscall.Signal(sig), nil
	}

	// Try as name
	s = strings.ToUpper(s)
	if sig, ok := SignalMap[s]; ok {
		return sig, nil
	}

	return 0, fmt.Errorf("unknown signal: %s", s)
}

// Kill sends a signal to the container's init process.
//
// A SIGCONT delivered to a running (non-paused) container is a no-op at the
// lifecycle level: the signal still reaches the process, but status is left
// untouched since pause/resume is tracked through the cgroup freezer, not
// through signal delivery.
func Kill(ctx context.Context, id, stateRoot string, sig syscall.Signal, all bool) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return cerrors.WrapWithContainer(err, cerrors.ErrNotFound, "kill", id)
	}

	lockHandle, err := acquireLock(ctx, c.StateDir)
	if err != nil {
		return err
	}
	defer releaseLockHandle(lockHandle)

	// Verify container is running
	c.RefreshStatus()
	if !c.IsRunning() {
		return cerrors.WrapWithContainer(nil, cerrors.ErrInvalidTransition, "kill", id)
	}

	// Send signal
	if all {
		return c.SignalAll(sig)
	}
	return c.Signal(sig)
}
