// Package cmd implements the CLI commands for the bock container runtime.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"bock/logging"
)

// Version information set at build time
var (
	Version   = "0.1.0"
	SpecVer   = "1.0.2"
	BuildTime = "unknown"
)

// Global flags
var (
	globalRoot      string
	globalLog       string
	globalLogFormat string
	globalDebug     bool
)

// rootCmd is the base command for the bock runtime.
var rootCmd = &cobra.Command{
	Use:   "bock",
	Short: "OCI container runtime",
	Long: `bock is the core OCI-compliant container runtime of the Bock ecosystem.

This implementation follows the OCI Runtime Specification and can be used
as a drop-in replacement for runc with Docker or other container engines.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Setup logging
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// GetStateRoot returns $BOCK_ROOT: the --root flag, then BOCK_ROOT, then
// (when running unprivileged) $XDG_RUNTIME_DIR/bock, falling back to the
// default system-wide location. This is the root of the on-disk layout
// spec.md §6 describes ($ROOT/containers, $ROOT/network, $ROOT/overlay).
func GetStateRoot() string {
	if globalRoot != "" {
		return globalRoot
	}
	if root := os.Getenv("BOCK_ROOT"); root != "" {
		return root
	}
	if os.Geteuid() != 0 {
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			return xdg + "/bock"
		}
	}
	return "/var/lib/bock"
}

// GetContainersRoot returns $BOCK_ROOT/containers, the directory Lifecycle
// stores per-container state under.
func GetContainersRoot() string {
	return filepath.Join(GetStateRoot(), "containers")
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&globalRoot, "root", "", "root directory for storage of container state (default: $BOCK_ROOT, else /var/lib/bock, or $XDG_RUNTIME_DIR/bock when not root)")
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")

	// Compatibility flags (accepted but may be ignored)
	rootCmd.PersistentFlags().Bool("systemd-cgroup", false, "enable systemd cgroup support (compatibility flag)")
}

func setupLogging() {
	var logOutput = os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if level := os.Getenv("BOCK_LOG"); level != "" {
		logLevel = logging.ParseLevel(level)
	}
	if globalDebug {
		logLevel = slog.LevelDebug
	}

	logger := logging.NewLogger(logging.Config{
		Level:  logLevel,
		Format: globalLogFormat,
		Output: logOutput,
	})
	logging.SetDefault(logger)
}
