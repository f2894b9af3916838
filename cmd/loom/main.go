// Command loom runs batch LLM extraction pipelines: synchronous rate-limited
// runs, asynchronous provider batches, retries of failed items and status
// inspection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caselens/loom/internal/config"
)

var (
	flagConfigPath string
	flagDataDir    string

	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Batch LLM extraction pipeline engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			logger, err = zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			cfg, err = config.Load(flagConfigPath)
			if err != nil {
				return err
			}
			if flagDataDir != "" {
				cfg.DataDir = flagDataDir
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "base directory for run data (overrides config)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newRetryCmd())
	root.AddCommand(newProcessBatchCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
