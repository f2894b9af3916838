package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caselens/loom/pkg/retry"
)

func newRetryCmd() *cobra.Command {
	var flags jobFlags
	var sourceTimestamp string

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-run the failed items of a previous run",
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

			manager, err := retry.NewManager(rt.layout, rt.engine, logger)
			if err != nil {
				return err
			}

			report, err := manager.Run(ctx, job, sourceTimestamp)
			if err != nil {
				rt.reporter.CaptureFatal(err, flags.jobID, sourceTimestamp)
				return err
			}
			if report == nil {
				fmt.Printf("Run %s has no retriable failures, nothing to do\n", sourceTimestamp)
				return nil
			}

			fmt.Printf("Retry %s completed: %d/%d succeeded, results in %s\n",
				report.Timestamp,
				report.Summary.SuccessfulRecords,
				report.Summary.TotalRecords,
				report.RunDir)
			return nil
		},
	}

	flags.register(cmd, false)
	cmd.Flags().StringVar(&sourceTimestamp, "timestamp", "", "timestamp of the run to retry (required)")
	_ = cmd.MarkFlagRequired("timestamp")
	return cmd
}
