package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ocirun/container"
)

var (
	eventsStatsOnly bool
	eventsInterval  time.Duration
)

var eventsCmd = &cobra.Command{
	Use:   "events <container-id>",
	Short: "Display container resource usage statistics",
	Long:  `Poll the container's cgroup and print a JSON stats record, once with --stats or repeatedly at --interval.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().BoolVar(&eventsStatsOnly, "stats", false, "print a single stats snapshot and exit")
	eventsCmd.Flags().DurationVar(&eventsInterval, "interval", 5*time.Second, "polling interval when streaming events")
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := GetContext()
	containerID := args[0]

	emit := func() error {
		stats, err := container.Stats(ctx, containerID, GetStateRoot())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(struct {
			Type string      `json:"type"`
			ID   string      `json:"id"`
			Data interface{} `json:"data"`
		}{Type: "stats", ID: containerID, Data: stats})
	}

	if eventsStatsOnly {
		return emit()
	}

	ticker := time.NewTicker(eventsInterval)
	defer ticker.Stop()
	for {
		if err := emit(); err != nil {
			fmt.Fprintln(os.Stderr, "events:", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
