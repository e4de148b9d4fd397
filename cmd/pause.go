package cmd

import (
	"github.com/spf13/cobra"

	"ocirun/container"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <container-id>",
	Short: "Pause a running container",
	Long:  `Suspend all processes in a container using the cgroup freezer.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <container-id>",
	Short: "Resume a paused container",
	Long:  `Resume all processes previously paused via the cgroup freezer.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runPause(cmd *cobra.Command, args []string) error {
	return container.Pause(GetContext(), args[0], GetStateRoot())
}

func runResume(cmd *cobra.Command, args []string) error {
	return container.Resume(GetContext(), args[0], GetStateRoot())
}
