package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caselens/loom/pkg/engine"
)

func newRunCmd() *cobra.Command {
	var flags jobFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a job synchronously through the rate-limited engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			job, err := buildJob(&flags, rt.registry, rt.transforms)
			if err != nil {
				return err
			}

			report, err := rt.engine.Run(ctx, job, engine.RunOptions{
				DependencyLoader: rt.reader,
			})
			if err != nil {
				rt.reporter.CaptureFatal(err, flags.jobID, "")
				return err
			}

			fmt.Printf("Run %s completed: %d/%d succeeded (%.1f%%), results in %s\n",
				report.Timestamp,
				report.Summary.SuccessfulRecords,
				report.Summary.TotalRecords,
				report.Summary.SuccessRate*100,
				report.RunDir)
			return nil
		},
	}

	flags.register(cmd, true)
	return cmd
}
