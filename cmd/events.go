package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"bock/container"
)

var eventsCmd = &cobra.Command{
	Use:   "events <container-id>",
	Short: "Stream container lifecycle events",
	Long:  `Output a line-delimited JSON event for every observed state change, until the container stops or this command is interrupted.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := GetContext()
	containerID := args[0]

	return container.StreamEvents(ctx, containerID, GetContainersRoot(), os.Stdout)
}
