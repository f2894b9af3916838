package pipeline

import (
	"context"
	"errors"
)

// RowSource supplies the rows a job processes.
type RowSource interface {
	Rows(ctx context.Context) ([]Record, error)
}

// StaticSource is a RowSource over an in-memory slice, used by evaluation
// runs and tests.
type StaticSource []Record

// Rows returns the static rows.
func (s StaticSource) Rows(_ context.Context) ([]Record, error) {
	return []Record(s), nil
}

// PreProcessFunc optionally reshapes a row before dispatch. Returning a nil
// record (with a nil error) skips the row.
type PreProcessFunc func(ctx context.Context, row Record) (Record, error)

// ProcessFunc produces the raw extraction result for one enriched work item.
// Implementations typically render a prompt from the row and call the
// completion provider.
type ProcessFunc func(ctx context.Context, item *WorkItem) (any, *TokenUsage, error)

// PostProcessFunc optionally reshapes a raw result before validation.
type PostProcessFunc func(ctx context.Context, item *WorkItem, result any) (any, error)

// JobDefinition is the static configuration for one pipeline stage. It is
// created once at process start and never mutated during a run.
type JobDefinition struct {
	// ID identifies the job; persisted output lives under this id.
	ID string

	// KeyFields are the composite-key fields, in declared order, that
	// identify one item of this job's output.
	KeyFields []string

	// FieldAliases maps a logical field name to the ordered candidate field
	// names it may be stored under. Resolved once here, at definition time,
	// rather than re-derived ad hoc by helpers.
	FieldAliases map[string][]string

	Source      RowSource
	PreProcess  PreProcessFunc
	Process     ProcessFunc
	PostProcess PostProcessFunc

	// SchemaName selects the compiled output schema; empty disables
	// validation for the job.
	SchemaName string

	Dependencies []DependencyLink

	ConcurrencyLimit  int
	RequestsPerSecond float64

	// MaxAttempts bounds per-item attempts for transient provider errors.
	MaxAttempts int

	// UseFullDataPipeline selects one-file-per-item persistence instead of
	// aggregate array files.
	UseFullDataPipeline bool

	// Model is recorded in manifests for audit; the engine itself never
	// interprets it.
	Model string
}

// Validate checks the definition for configuration errors that must abort a
// run before any item is dispatched.
func (j *JobDefinition) Validate() error {
	if j.ID == "" {
		return errors.New("job id cannot be empty")
	}
	if j.Source == nil {
		return errors.New("job row source cannot be nil")
	}
	if j.Process == nil {
		return errors.New("job processing function cannot be nil")
	}
	if len(j.KeyFields) == 0 {
		return errors.New("job must declare at least one key field")
	}
	for _, dep := range j.Dependencies {
		if err := dep.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Aliases returns the candidate field names for a logical field, defaulting
// to the field name itself when no alias chain is declared.
func (j *JobDefinition) Aliases(field string) []string {
	if names, ok := j.FieldAliases[field]; ok && len(names) > 0 {
		return names
	}
	return []string{field}
}

// FieldPair joins a row-side field to a dependency-side field. The names may
// differ between the two stages.
type FieldPair struct {
	RowField string `json:"rowField"`
	DepField string `json:"depField"`
}

// DependencyLink declares that this job consumes another job's persisted
// output, joined on the given field pairs in declared order.
type DependencyLink struct {
	// Alias is the row field the upstream record is attached under.
	Alias string `json:"alias"`

	// JobID is the upstream job whose persisted output is loaded.
	JobID string `json:"jobId"`

	JoinFields []FieldPair `json:"joinFields"`

	// Required dependencies abort the run when their output is entirely
	// absent; per-row misses skip only the row.
	Required bool `json:"required"`

	// Transform names the strategy applied to the upstream record before
	// attachment, so replay tooling can serialize which transform ran.
	Transform string `json:"transform,omitempty"`
}

// Validate checks the link's declaration.
func (d *DependencyLink) Validate() error {
	if d.Alias == "" {
		return errors.New("dependency alias cannot be empty")
	}
	if d.JobID == "" {
		return errors.New("dependency job id cannot be empty")
	}
	if len(d.JoinFields) == 0 {
		return errors.New("dependency must declare at least one join field pair")
	}
	return nil
}

// WorkItem is one unit dispatched to the execution core: a source row plus
// accumulated enrichment. Immutable once dispatched to the provider call.
type WorkItem struct {
	// Key is the joined composite key identifying this item.
	Key string

	// Seq is the item's position in the source ordering. It exists for
	// bookkeeping only; generated identifiers never depend on it.
	Seq int

	Row Record
}

// TokenUsage accounts for provider token consumption of one call.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates usage across attempts.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ErrorCode classifies why an item failed.
type ErrorCode string

const (
	ErrorCodeNone              ErrorCode = ""
	ErrorCodeProviderTransient ErrorCode = "provider_transient"
	ErrorCodeProviderTruncated ErrorCode = "provider_truncated"
	ErrorCodeValidationFailed  ErrorCode = "validation_failed"
	ErrorCodeValidationTimeout ErrorCode = "validation_timeout"
	ErrorCodeDependencyMissing ErrorCode = "dependency_missing"
	ErrorCodePreprocessFailed  ErrorCode = "preprocess_failed"
	ErrorCodeProcessFailed     ErrorCode = "process_failed"
	ErrorCodeRowSkipped        ErrorCode = "row_skipped"
)

// ExecutionResult is the outcome of processing one work item.
type ExecutionResult struct {
	ItemKey string `json:"itemKey"`
	Success bool   `json:"success"`

	// Data is the validated result on success.
	Data any `json:"data,omitempty"`

	// RawData preserves the unvalidated candidate on failure so debugging
	// never loses information.
	RawData any `json:"rawData,omitempty"`

	ErrorCode ErrorCode `json:"errorCode,omitempty"`
	Error     string    `json:"error,omitempty"`

	Attempts   int        `json:"attempts"`
	Usage      TokenUsage `json:"usage"`
	DurationMs int64      `json:"durationMs"`

	// MissingDependencies carries the row's enrichment diagnostics into the
	// persisted record for later auditing.
	MissingDependencies []MissingDependency `json:"missingDependencies,omitempty"`

	// Row is the source row, persisted for failures so a retry can reload
	// the item without re-querying the store. Omitted on success.
	Row Record `json:"row,omitempty"`
}

// RunSummary aggregates a run's outcome counts.
type RunSummary struct {
	JobID                  string  `json:"jobId"`
	Timestamp              string  `json:"timestamp"`
	Model                  string  `json:"model,omitempty"`
	TotalRecords           int     `json:"totalRecords"`
	SuccessfulRecords      int     `json:"successfulRecords"`
	FailedRecords          int     `json:"failedRecords"`
	SkippedRecords         int     `json:"skippedRecords"`
	SuccessRate            float64 `json:"successRate"`
	TotalTokens            int     `json:"totalTokens"`
	AverageTokensPerRecord float64 `json:"averageTokensPerRecord"`
	DurationMs             int64   `json:"durationMs"`

	// State is the overall pipeline state derived from the per-item
	// outcomes: completed, partial or failed for a finished run.
	State PipelineState `json:"state"`
}
