package cmd

import (
	"github.com/spf13/cobra"

	"bock/container"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <container-id>",
	Short: "Freeze a container's processes",
	Long:  `Suspend all processes in the container via the cgroup freezer.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <container-id>",
	Short: "Unfreeze a container's processes",
	Long:  `Resume all processes previously suspended by pause.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runPause(cmd *cobra.Command, args []string) error {
	return container.Pause(GetContext(), args[0], GetContainersRoot())
}

func runResume(cmd *cobra.Command, args []string) error {
	return container.Resume(GetContext(), args[0], GetContainersRoot())
}
