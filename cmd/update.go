package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/spf13/cobra"

	"ocirun/container"
)

var (
	updateResourcesFile string
)

var updateCmd = &cobra.Command{
	Use:   "update <container-id>",
	Short: "Update container resource limits",
	Long:  `Apply new cgroup resource limits to a container without restarting it. Reads a LinuxResources JSON document from --resources or stdin.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().StringVarP(&updateResourcesFile, "resources", "r", "", "path to a JSON file with updated resources (default: stdin)")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if updateResourcesFile != "" {
		data, err = os.ReadFile(updateResourcesFile)
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read resources: %w", err)
	}

	var resources specs.LinuxResources
	if err := json.Unmarshal(data, &resources); err != nil {
		return fmt.Errorf("parse resources: %w", err)
	}

	return container.Update(GetContext(), args[0], GetStateRoot(), &resources)
}
