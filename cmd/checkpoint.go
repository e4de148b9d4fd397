package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"ocirun/container"
)

var checkpointImageDir string

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <container-id>",
	Short: "Checkpoint a running container",
	Long:  `Forward a checkpoint request to an external criu invocation; this runtime does not implement checkpoint/restore itself.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpoint,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.Flags().StringVar(&checkpointImageDir, "image-path", "", "directory to store the checkpoint image")
}

// runCheckpoint forwards to criu(8) rather than reimplementing checkpoint
// internals (§1's Non-goals): it only resolves the container's init pid and
// the image directory, then exec's criu with those arguments.
func runCheckpoint(cmd *cobra.Command, args []string) error {
	ctx := GetContext()
	containerID := args[0]

	c, err := container.Load(ctx, containerID, GetStateRoot())
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}

	criuPath, err := exec.LookPath("criu")
	if err != nil {
		return fmt.Errorf("checkpoint requires the criu binary, not found in PATH: %w", err)
	}

	imageDir := checkpointImageDir
	if imageDir == "" {
		imageDir = c.StateDir + "/checkpoint"
	}
	if err := os.MkdirAll(imageDir, 0700); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}

	criuCmd := exec.Command(criuPath, "dump",
		"--tree", fmt.Sprintf("%d", c.InitProcess),
		"--images-dir", imageDir,
		"--shell-job",
	)
	criuCmd.Stdout = os.Stdout
	criuCmd.Stderr = os.Stderr
	return criuCmd.Run()
}
