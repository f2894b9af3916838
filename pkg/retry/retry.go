// Package retry re-runs the failed items of a previous run. A retry is an
// ordinary engine run over the failure subset, persisted under a derived
// timestamp next to the source run so lineage stays visible on disk.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caselens/loom/pkg/engine"
	loomerrors "github.com/caselens/loom/pkg/errors"
	"github.com/caselens/loom/pkg/pipeline"
	"github.com/caselens/loom/pkg/results"
)

// RetryMetadataFile holds the retry manifest inside a retry run directory.
const RetryMetadataFile = "retry-metadata.json"

// retrySuffix matches "<timestamp>-retry-<N>" run directory names.
var retrySuffix = regexp.MustCompile(`^(.+)-retry-(\d+)$`)

// Manifest records what a retry run re-processed and where it came from.
type Manifest struct {
	JobID           string `json:"jobId"`
	SourceTimestamp string `json:"sourceTimestamp"`
	OriginTimestamp string `json:"originTimestamp"`
	RetryTimestamp  string `json:"retryTimestamp"`
	RetryNumber     int    `json:"retryNumber"`

	SourceFailures   int      `json:"sourceFailures"`
	RetriedItems     int      `json:"retriedItems"`
	SkippedItems     int      `json:"skippedItems"`
	ItemKeys         []string `json:"itemKeys"`
	SkippedKeys      []string `json:"skippedKeys,omitempty"`

	JobConfig JobConfigSnapshot `json:"jobConfig"`
	CreatedAt string            `json:"createdAt"`
}

// JobConfigSnapshot freezes the job settings a retry ran under, so later
// audits see the configuration as it was, not as it is.
type JobConfigSnapshot struct {
	SchemaName          string  `json:"schemaName,omitempty"`
	Model               string  `json:"model,omitempty"`
	ConcurrencyLimit    int     `json:"concurrencyLimit,omitempty"`
	RequestsPerSecond   float64 `json:"requestsPerSecond,omitempty"`
	MaxAttempts         int     `json:"maxAttempts,omitempty"`
	UseFullDataPipeline bool    `json:"useFullDataPipeline"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetriableCodes replaces the default set of error codes a retry
// re-processes.
func WithRetriableCodes(codes ...pipeline.ErrorCode) Option {
	return func(m *Manager) {
		m.retriable = make(map[pipeline.ErrorCode]bool, len(codes))
		for _, c := range codes {
			m.retriable[c] = true
		}
	}
}

// Manager selects and re-runs prior failures.
type Manager struct {
	layout    results.Layout
	reader    *results.Reader
	engine    *engine.Engine
	logger    *zap.Logger
	retriable map[pipeline.ErrorCode]bool
}

// NewManager creates a retry manager. Rows skipped for missing required
// dependencies are excluded by default: re-running them without fresh
// upstream output would fail identically.
func NewManager(layout results.Layout, eng *engine.Engine, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		layout: layout,
		reader: results.NewReader(layout),
		engine: eng,
		logger: logger,
		retriable: map[pipeline.ErrorCode]bool{
			pipeline.ErrorCodeProviderTransient: true,
			pipeline.ErrorCodeProviderTruncated: true,
			pipeline.ErrorCodeValidationFailed:  true,
			pipeline.ErrorCodeValidationTimeout: true,
			pipeline.ErrorCodeProcessFailed:     true,
			pipeline.ErrorCodePreprocessFailed:  true,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OriginTimestamp strips any retry suffix, returning the timestamp of the
// original run a chain of retries descends from.
func OriginTimestamp(timestamp string) string {
	if match := retrySuffix.FindStringSubmatch(timestamp); match != nil {
		return match[1]
	}
	return timestamp
}

// NextRetryTimestamp computes the directory name for the next retry of the
// given run. Numbering is per origin timestamp: retrying a retry of run T
// still yields "T-retry-<N>" with N one past the highest existing retry of T.
func (m *Manager) NextRetryTimestamp(jobID, sourceTimestamp string) (string, int) {
	origin := OriginTimestamp(sourceTimestamp)
	highest := 0
	prefix := origin + "-retry-"

	for _, root := range []string{m.layout.FullDataRoot, m.layout.ResultsRoot} {
		entries, err := os.ReadDir(filepath.Join(root, jobID))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
				continue
			}
			n, convErr := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
			if convErr != nil {
				continue
			}
			if n > highest {
				highest = n
			}
		}
	}

	next := highest + 1
	return fmt.Sprintf("%s%d", prefix, next), next
}

// Run re-processes the retriable failures of the source run. A missing source
// run fails immediately; a source run with no retriable failures is a no-op
// and returns a nil report.
func (m *Manager) Run(ctx context.Context, job *pipeline.JobDefinition, sourceTimestamp string) (*engine.RunReport, error) {
	if _, _, err := m.layout.FindRun(job.ID, sourceTimestamp); err != nil {
		return nil, loomerrors.NewError("SOURCE_RUN_NOT_FOUND",
			fmt.Sprintf("no run found for job %s at %s", job.ID, sourceTimestamp),
			loomerrors.ErrSourceRunNotFound)
	}

	failures, err := m.reader.LoadFailures(job.ID, sourceTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to load failures of run %s: %w", sourceTimestamp, err)
	}

	items, skipped := m.selectItems(failures)
	if len(items) == 0 {
		m.logger.Info("No retriable failures, nothing to do",
			zap.String("job_id", job.ID),
			zap.String("source_timestamp", sourceTimestamp),
			zap.Int("failures", len(failures)),
			zap.Int("excluded", len(skipped)))
		return nil, nil
	}

	retryTimestamp, retryNumber := m.NextRetryTimestamp(job.ID, sourceTimestamp)

	m.logger.Info("Starting retry run",
		zap.String("job_id", job.ID),
		zap.String("source_timestamp", sourceTimestamp),
		zap.String("retry_timestamp", retryTimestamp),
		zap.Int("retry_number", retryNumber),
		zap.Int("items", len(items)),
		zap.Int("excluded", len(skipped)))

	report, err := m.engine.Run(ctx, job, engine.RunOptions{
		Timestamp: retryTimestamp,
		Items:     items,
	})
	if err != nil {
		return nil, err
	}

	manifest := Manifest{
		JobID:           job.ID,
		SourceTimestamp: sourceTimestamp,
		OriginTimestamp: OriginTimestamp(sourceTimestamp),
		RetryTimestamp:  retryTimestamp,
		RetryNumber:     retryNumber,
		SourceFailures:  len(failures),
		RetriedItems:    len(items),
		SkippedItems:    len(skipped),
		ItemKeys:        keysOf(items),
		SkippedKeys:     skipped,
		JobConfig: JobConfigSnapshot{
			SchemaName:          job.SchemaName,
			Model:               job.Model,
			ConcurrencyLimit:    job.ConcurrencyLimit,
			RequestsPerSecond:   job.RequestsPerSecond,
			MaxAttempts:         job.MaxAttempts,
			UseFullDataPipeline: job.UseFullDataPipeline,
		},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeManifest(filepath.Join(report.RunDir, RetryMetadataFile), manifest); err != nil {
		return report, err
	}
	return report, nil
}

// selectItems turns retriable failure entries back into work items. Entries
// without a persisted source row cannot be reconstructed and are reported as
// skipped rather than silently dropped.
func (m *Manager) selectItems(failures []results.FailureEntry) ([]pipeline.WorkItem, []string) {
	items := make([]pipeline.WorkItem, 0, len(failures))
	var skipped []string

	for i, f := range failures {
		if !m.retriable[f.ErrorCode] {
			skipped = append(skipped, f.ItemKey)
			continue
		}
		if f.Row == nil {
			m.logger.Warn("Failure has no persisted source row, cannot retry",
				zap.String("item_key", f.ItemKey),
				zap.String("error_code", string(f.ErrorCode)))
			skipped = append(skipped, f.ItemKey)
			continue
		}
		items = append(items, pipeline.WorkItem{
			Key: f.ItemKey,
			Seq: i,
			Row: f.Row,
		})
	}
	return items, skipped
}

func keysOf(items []pipeline.WorkItem) []string {
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.Key
	}
	return keys
}

func writeManifest(path string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal retry manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write retry manifest %s: %w", path, err)
	}
	return nil
}
