package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caselens/loom/pkg/batch"
	"github.com/caselens/loom/pkg/pipeline"
	"github.com/caselens/loom/pkg/status"
	"github.com/caselens/loom/pkg/storage"
)

func newProcessBatchCmd() *cobra.Command {
	var flags jobFlags

	cmd := &cobra.Command{
		Use:   "process-batch",
		Short: "Run a job through the provider's asynchronous batch API",
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

			promptTmpl, systemTmpl, err := loadTemplates(flags.promptPath, flags.systemPath)
			if err != nil {
				return err
			}

			client, err := batch.NewOpenAIClient(cfg.Batch.BaseURL, cfg.Batch.APIKey, logger)
			if err != nil {
				return err
			}

			tracker, err := status.NewTracker(filepath.Join(cfg.DataDir, "batch-status"), logger)
			if err != nil {
				return err
			}

			opts := []batch.Option{
				batch.WithPollInterval(cfg.Batch.PollInterval),
				batch.WithMaxWait(cfg.Batch.MaxWait),
				batch.WithRunCache(rt.runCache),
			}
			if cfg.Storage.ConnectionString != "" {
				store, storeErr := storage.NewBlobStore(cfg.Storage.ConnectionString, cfg.Storage.Container, logger)
				if storeErr != nil {
					logger.Warn("Blob archive unavailable, continuing without it", zap.Error(storeErr))
				} else {
					opts = append(opts, batch.WithArchive(store))
				}
			}

			processor, err := batch.NewProcessor(client, tracker, rt.registry, rt.writer, logger, opts...)
			if err != nil {
				return err
			}

			build := func(_ context.Context, item *pipeline.WorkItem) (batch.RequestBody, error) {
				prompt, err := renderTemplate(promptTmpl, item.Row)
				if err != nil {
					return batch.RequestBody{}, err
				}
				body := batch.RequestBody{
					MaxTokens:      flags.maxTokens,
					Temperature:    flags.temperature,
					ResponseFormat: map[string]string{"type": "json_object"},
				}
				if systemTmpl != nil {
					system, err := renderTemplate(systemTmpl, item.Row)
					if err != nil {
						return batch.RequestBody{}, err
					}
					body.Messages = append(body.Messages, batch.Message{Role: "system", Content: system})
				}
				body.Messages = append(body.Messages, batch.Message{Role: "user", Content: prompt})
				return body, nil
			}

			runDir, err := processor.Process(ctx, job, build)
			if err != nil {
				rt.reporter.CaptureFatal(err, flags.jobID, "")
				return err
			}

			fmt.Printf("Batch run completed, results in %s\n", runDir)
			return nil
		},
	}

	flags.register(cmd, true)
	return cmd
}
