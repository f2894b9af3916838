package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/caselens/loom/pkg/results"
	"github.com/caselens/loom/pkg/status"
)

func newStatusCmd() *cobra.Command {
	var jobID string
	var timestamp string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show batch status and the latest run summary for a job",
		RunE: func(_ *cobra.Command, _ []string) error {
			layout := results.DefaultLayout(cfg.DataDir)
			reader := results.NewReader(layout)
			out := json.NewEncoder(os.Stdout)
			out.SetIndent("", "  ")

			tracker, err := status.NewTracker(filepath.Join(cfg.DataDir, "batch-status"), logger)
			if err != nil {
				return err
			}
			batchStatus, err := tracker.Load(jobID)
			if err != nil {
				return err
			}
			if batchStatus != nil {
				fmt.Println("Batch status:")
				if err := out.Encode(batchStatus); err != nil {
					return err
				}
			}

			ts := timestamp
			if ts == "" {
				ts, err = layout.LatestTimestamp(jobID)
				if err != nil {
					if batchStatus == nil {
						return fmt.Errorf("no runs or batch status found for job %s", jobID)
					}
					return nil
				}
			}

			summary, err := reader.LoadSummary(jobID, ts)
			if err != nil {
				return err
			}
			fmt.Printf("Run summary (%s):\n", ts)
			return out.Encode(summary)
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "job identifier (required)")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "run timestamp (default: latest)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
