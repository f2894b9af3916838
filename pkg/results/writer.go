package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/caselens/loom/pkg/pipeline"
)

// SuccessEntry is one row of the successful-results artifact: the item key
// plus the validated data, nothing else.
type SuccessEntry struct {
	ItemKey string `json:"itemKey"`
	Data    any    `json:"data"`
}

// FailureEntry is one row of the failures artifact. The raw candidate and
// source row are preserved so debugging and retries never lose information.
type FailureEntry struct {
	ItemKey   string             `json:"itemKey"`
	ErrorCode pipeline.ErrorCode `json:"errorCode"`
	Error     string             `json:"error"`
	RawData   any                `json:"rawData,omitempty"`
	Row       pipeline.Record    `json:"row,omitempty"`
}

// Writer persists a run's execution results in either persistence mode.
type Writer struct {
	layout Layout
	logger *zap.Logger
}

// NewWriter creates a result writer over the given layout.
func NewWriter(layout Layout, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{layout: layout, logger: logger}
}

// Write persists the run's results and summary. fullData selects one file
// per item under jsons/; both modes always write the failures and summary
// artifacts, so nothing fails silently.
func (w *Writer) Write(jobID, timestamp string, fullData bool, results []pipeline.ExecutionResult, summary pipeline.RunSummary) (string, error) {
	runDir := w.layout.RunDir(jobID, timestamp, fullData)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory %s: %w", runDir, err)
	}

	if fullData {
		if err := w.writePerItem(runDir, results); err != nil {
			return "", err
		}
	} else {
		if err := w.writeAggregate(runDir, results); err != nil {
			return "", err
		}
	}

	failures := CollectFailures(results)
	if err := writeJSON(filepath.Join(runDir, FailuresFile), failures); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, SummaryFile), summary); err != nil {
		return "", err
	}

	w.logger.Info("Persisted run results",
		zap.String("job_id", jobID),
		zap.String("timestamp", timestamp),
		zap.Bool("full_data", fullData),
		zap.Int("results", len(results)),
		zap.Int("failures", len(failures)),
		zap.String("run_dir", runDir))

	return runDir, nil
}

// writeAggregate writes the four aggregate array artifacts.
func (w *Writer) writeAggregate(runDir string, results []pipeline.ExecutionResult) error {
	successes := make([]SuccessEntry, 0, len(results))
	extracted := make([]any, 0, len(results))
	for _, r := range results {
		if !r.Success {
			continue
		}
		successes = append(successes, SuccessEntry{ItemKey: r.ItemKey, Data: r.Data})
		extracted = append(extracted, r.Data)
	}

	if err := writeJSON(filepath.Join(runDir, AllResultsFile), results); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(runDir, SuccessfulResultsFile), successes); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, ExtractedDataFile), extracted)
}

// writePerItem writes one file per item under jsons/. Each file holds the
// full execution result, so per-item runs remain auditable without the
// aggregate artifacts.
func (w *Writer) writePerItem(runDir string, results []pipeline.ExecutionResult) error {
	jsonsDir := filepath.Join(runDir, JSONsDirName)
	if err := os.MkdirAll(jsonsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create jsons directory: %w", err)
	}

	for i := range results {
		r := &results[i]
		name := itemFileName(r.ItemKey)
		if name == "" {
			name = fmt.Sprintf("item-%d", i)
		}
		if err := writeJSON(filepath.Join(jsonsDir, name+".json"), r); err != nil {
			return err
		}
	}
	return nil
}

// CollectFailures extracts the failure entries from a result set.
func CollectFailures(results []pipeline.ExecutionResult) []FailureEntry {
	failures := make([]FailureEntry, 0)
	for _, r := range results {
		if r.Success {
			continue
		}
		failures = append(failures, FailureEntry{
			ItemKey:   r.ItemKey,
			ErrorCode: r.ErrorCode,
			Error:     r.Error,
			RawData:   r.RawData,
			Row:       r.Row,
		})
	}
	return failures
}

// ComputeSummary builds a run summary from a result set with incremental
// semantics identical to the engine's live counters.
func ComputeSummary(jobID, timestamp, model string, results []pipeline.ExecutionResult, durationMs int64) pipeline.RunSummary {
	summary := pipeline.RunSummary{
		JobID:        jobID,
		Timestamp:    timestamp,
		Model:        model,
		TotalRecords: len(results),
		DurationMs:   durationMs,
	}
	var step pipeline.StepState
	for _, r := range results {
		if r.Success {
			summary.SuccessfulRecords++
			step.Record(pipeline.ItemCompleted)
		} else if r.ErrorCode == pipeline.ErrorCodeRowSkipped {
			summary.SkippedRecords++
			summary.FailedRecords++
			step.Record(pipeline.ItemSkipped)
		} else {
			summary.FailedRecords++
			step.Record(pipeline.ItemFailed)
		}
		summary.TotalTokens += r.Usage.TotalTokens
	}
	summary.State = step.Status()
	if summary.TotalRecords > 0 {
		summary.SuccessRate = float64(summary.SuccessfulRecords) / float64(summary.TotalRecords)
		summary.AverageTokensPerRecord = float64(summary.TotalTokens) / float64(summary.TotalRecords)
	}
	return summary
}

// itemFileName sanitizes a composite key into a portable file name.
func itemFileName(key string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return replacer.Replace(key)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
