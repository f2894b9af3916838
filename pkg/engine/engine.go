// Package engine implements the rate-limited concurrent execution core. It
// runs a job's work items through a fixed worker pool under two independent
// caps: a concurrency limit on items in flight and a request-per-second cap
// on provider calls. Item failures are isolated, transient provider errors
// are retried with backoff, and progress counters are maintained
// incrementally so tens of thousands of results never need a post-hoc scan.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/caselens/loom/pkg/cache"
	"github.com/caselens/loom/pkg/concurrency"
	loomerrors "github.com/caselens/loom/pkg/errors"
	"github.com/caselens/loom/pkg/pipeline"
	"github.com/caselens/loom/pkg/provider"
	"github.com/caselens/loom/pkg/resolver"
	"github.com/caselens/loom/pkg/results"
	"github.com/caselens/loom/pkg/schema"
	"github.com/caselens/loom/pkg/transform"
)

// Events receives run lifecycle notifications. Implementations must be safe
// for concurrent use; a nil Events is ignored.
type Events interface {
	RunStarted(ctx context.Context, jobID, timestamp string, totalItems int)
	Progress(ctx context.Context, jobID, timestamp string, processed, success, failure int64)
	RunCompleted(ctx context.Context, jobID, timestamp string, summary pipeline.RunSummary)
}

// Progress is the engine's incremental counter set.
type Progress struct {
	Processed int64
	Success   int64
	Failure   int64
}

// RunReport is the outcome of one engine run.
type RunReport struct {
	JobID     string
	Timestamp string
	RunDir    string
	Summary   pipeline.RunSummary
	Results   []pipeline.ExecutionResult
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents attaches a lifecycle publisher.
func WithEvents(ev Events) Option {
	return func(e *Engine) { e.events = ev }
}

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *concurrency.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// WithRetryBaseDelay overrides the initial backoff delay for transient
// provider errors.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(e *Engine) { e.retryBaseDelay = d }
}

// WithTransforms attaches the registry of named dependency transforms. Jobs
// whose dependency links name a transform need the registry to resolve it;
// without one, only the identity transform is available.
func WithTransforms(reg *transform.Registry) Option {
	return func(e *Engine) { e.transforms = reg }
}

// WithRunCache attaches a cache that is placed on the run context, so pre-,
// post- and processing functions can memoize work across items via
// cache.FromContext. A run-scoped cache is reset at the start of every run.
func WithRunCache(c *cache.Cache) Option {
	return func(e *Engine) { e.runCache = c }
}

// Engine executes jobs. It is safe to share one engine across jobs; all
// per-run state lives on the stack of Run.
type Engine struct {
	schemas    *schema.Registry
	writer     *results.Writer
	logger     *zap.Logger
	tracer     trace.Tracer
	events     Events
	breaker    *concurrency.CircuitBreaker
	transforms *transform.Registry
	runCache   *cache.Cache

	retryBaseDelay time.Duration
	maxRetryDelay  time.Duration
}

// New creates an engine. The schema registry and result writer are required;
// the logger may be nil for tests.
func New(schemas *schema.Registry, writer *results.Writer, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if schemas == nil {
		return nil, fmt.Errorf("schema registry cannot be nil")
	}
	if writer == nil {
		return nil, fmt.Errorf("result writer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		schemas:        schemas,
		writer:         writer,
		logger:         logger,
		tracer:         otel.Tracer("loom/engine"),
		breaker:        concurrency.NewCircuitBreaker(100, 30*time.Second),
		retryBaseDelay: time.Second,
		maxRetryDelay:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunOptions tunes one run.
type RunOptions struct {
	// Timestamp names the run directory; empty generates one from the
	// clock. Retries pass their computed retry directory name here.
	Timestamp string

	// Items, when non-nil, bypasses the job's row source and dependency
	// enrichment and processes exactly this subset. The retry path uses
	// this to re-run only prior failures.
	Items []pipeline.WorkItem

	// DependencyLoader supplies upstream output for enrichment. Required
	// when the job declares dependencies and Items is nil.
	DependencyLoader resolver.Loader
}

// Run executes the job end to end: load rows, enrich, dispatch, validate,
// persist. Configuration errors abort before any item is dispatched.
func (e *Engine) Run(ctx context.Context, job *pipeline.JobDefinition, opts RunOptions) (*RunReport, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job definition: %w", err)
	}
	if job.SchemaName != "" && !e.schemas.Has(job.SchemaName) {
		return nil, loomerrors.NewError("SCHEMA_MISSING",
			fmt.Sprintf("job %s declares schema %q but none is registered", job.ID, job.SchemaName),
			loomerrors.ErrMissingSchema)
	}

	timestamp := opts.Timestamp
	if timestamp == "" {
		timestamp = results.NewTimestamp(time.Now())
	}

	if e.runCache != nil {
		if e.runCache.Scope() == cache.ScopeRun {
			e.runCache.Reset()
		}
		ctx = cache.NewContext(ctx, e.runCache)
	}

	ctx, span := e.tracer.Start(ctx, "engine.Run",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("run.timestamp", timestamp),
		))
	defer span.End()

	items, prepared, err := e.prepare(ctx, job, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.logger.Info("Starting run",
		zap.String("job_id", job.ID),
		zap.String("timestamp", timestamp),
		zap.Int("items", len(items)),
		zap.Int("pre_skipped", len(prepared)),
		zap.Int("concurrency_limit", e.concurrencyLimit(job)),
		zap.Float64("requests_per_second", e.requestsPerSecond(job)))

	if e.events != nil {
		e.events.RunStarted(ctx, job.ID, timestamp, len(items)+len(prepared))
	}

	start := time.Now()
	runResults := e.execute(ctx, job, timestamp, items)
	runResults = append(runResults, prepared...)

	summary := results.ComputeSummary(job.ID, timestamp, job.Model, runResults, time.Since(start).Milliseconds())

	runDir, err := e.writer.Write(job.ID, timestamp, job.UseFullDataPipeline, runResults, summary)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to persist run results: %w", err)
	}

	span.SetAttributes(
		attribute.Int("run.total", summary.TotalRecords),
		attribute.Int("run.success", summary.SuccessfulRecords),
		attribute.Int("run.failure", summary.FailedRecords),
	)
	span.SetStatus(codes.Ok, "run completed")

	if e.events != nil {
		e.events.RunCompleted(ctx, job.ID, timestamp, summary)
	}

	e.logger.Info("Run completed",
		zap.String("job_id", job.ID),
		zap.String("timestamp", timestamp),
		zap.Int("total", summary.TotalRecords),
		zap.Int("success", summary.SuccessfulRecords),
		zap.Int("failure", summary.FailedRecords),
		zap.Int("tokens", summary.TotalTokens),
		zap.Duration("duration", time.Since(start)))

	return &RunReport{
		JobID:     job.ID,
		Timestamp: timestamp,
		RunDir:    runDir,
		Summary:   summary,
		Results:   runResults,
	}, nil
}

// prepare loads rows, runs preprocessing and dependency enrichment, and
// builds the dispatchable work items. Rows skipped before dispatch come back
// as ready-made results so they always appear in the failures artifact.
func (e *Engine) prepare(ctx context.Context, job *pipeline.JobDefinition, opts RunOptions) ([]pipeline.WorkItem, []pipeline.ExecutionResult, error) {
	if opts.Items != nil {
		return opts.Items, nil, nil
	}

	rows, err := job.Source.Rows(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load rows for job %s: %w", job.ID, err)
	}

	var res *resolver.Resolver
	if len(job.Dependencies) > 0 {
		if opts.DependencyLoader == nil {
			return nil, nil, fmt.Errorf("job %s declares dependencies but no dependency loader was provided", job.ID)
		}
		res = resolver.New(job, opts.DependencyLoader, e.transforms, e.logger)
		if err := res.Preload(ctx); err != nil {
			return nil, nil, err
		}
	}

	items := make([]pipeline.WorkItem, 0, len(rows))
	skipped := make([]pipeline.ExecutionResult, 0)

	for seq, row := range rows {
		if job.PreProcess != nil {
			processed, preErr := job.PreProcess(ctx, row)
			if preErr != nil {
				skipped = append(skipped, pipeline.ExecutionResult{
					ItemKey:   pipeline.ItemKey(job, row, seq),
					ErrorCode: pipeline.ErrorCodePreprocessFailed,
					Error:     preErr.Error(),
					Row:       row,
				})
				continue
			}
			if processed == nil {
				// Preprocessing declined the row; this is intentional
				// filtering, not a failure, so it is not recorded.
				continue
			}
			row = processed
		}

		if res != nil {
			enriched, enrichErr := res.Enrich(row)
			if enrichErr != nil {
				return nil, nil, enrichErr
			}
			row = enriched

			if miss := res.MissingRequired(row); miss != nil {
				skipped = append(skipped, pipeline.ExecutionResult{
					ItemKey:   pipeline.ItemKey(job, row, seq),
					ErrorCode: pipeline.ErrorCodeRowSkipped,
					Error: fmt.Sprintf("required dependency %q missing for row: %s",
						miss.Alias, miss.Reason),
					MissingDependencies: row.MissingDependencies(),
					Row:                 row,
				})
				continue
			}
		}

		items = append(items, pipeline.WorkItem{
			Key: pipeline.ItemKey(job, row, seq),
			Seq: seq,
			Row: row,
		})
	}

	return items, skipped, nil
}

// execute runs the worker pool over the prepared items.
func (e *Engine) execute(ctx context.Context, job *pipeline.JobDefinition, timestamp string, items []pipeline.WorkItem) []pipeline.ExecutionResult {
	total := len(items)
	if total == 0 {
		return nil
	}

	limiter := concurrency.NewLimiter(e.concurrencyLimit(job))
	rateLimiter := rate.NewLimiter(rate.Limit(e.requestsPerSecond(job)), 1)

	var progress Progress
	progressEvery := int64(total / 10)
	if progressEvery < 1 {
		progressEvery = 1
	}

	itemCh := make(chan pipeline.WorkItem)
	resultCh := make(chan pipeline.ExecutionResult, total)

	var wg sync.WaitGroup
	workers := e.concurrencyLimit(job)
	if workers > total {
		workers = total
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range itemCh {
				if err := limiter.Acquire(ctx); err != nil {
					resultCh <- e.cancelledResult(item, err)
					e.count(ctx, &progress, job.ID, timestamp, false, progressEvery, int64(total))
					continue
				}
				result := e.processItem(ctx, job, rateLimiter, item)
				limiter.Release()
				resultCh <- result
				e.count(ctx, &progress, job.ID, timestamp, result.Success, progressEvery, int64(total))
			}
		}()
	}

	go func() {
		defer close(itemCh)
		for _, item := range items {
			select {
			case itemCh <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	collected := make([]pipeline.ExecutionResult, 0, total)
	for result := range resultCh {
		collected = append(collected, result)
	}
	return collected
}

// count updates the incremental counters and emits progress roughly every
// 10% of total items, without scanning the result set.
func (e *Engine) count(ctx context.Context, p *Progress, jobID, timestamp string, success bool, every, total int64) {
	if success {
		atomic.AddInt64(&p.Success, 1)
	} else {
		atomic.AddInt64(&p.Failure, 1)
	}
	processed := atomic.AddInt64(&p.Processed, 1)
	if processed%every == 0 || processed == total {
		succ := atomic.LoadInt64(&p.Success)
		fail := atomic.LoadInt64(&p.Failure)
		e.logger.Info("Progress",
			zap.String("job_id", jobID),
			zap.Int64("processed", processed),
			zap.Int64("total", total),
			zap.Int64("success", succ),
			zap.Int64("failure", fail))
		if e.events != nil {
			e.events.Progress(ctx, jobID, timestamp, processed, succ, fail)
		}
	}
}

// processItem runs one item through provider call, post-processing and
// validation, retrying transient provider errors with exponential backoff.
// Every return path produces a result; sibling items are never affected.
func (e *Engine) processItem(ctx context.Context, job *pipeline.JobDefinition, rateLimiter *rate.Limiter, item pipeline.WorkItem) pipeline.ExecutionResult {
	ctx, span := e.tracer.Start(ctx, "engine.processItem",
		trace.WithAttributes(attribute.String("item.key", item.Key)))
	defer span.End()

	start := time.Now()
	result := pipeline.ExecutionResult{
		ItemKey:             item.Key,
		MissingDependencies: item.Row.MissingDependencies(),
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var raw any
	var usage pipeline.TokenUsage
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if e.breaker.IsOpen() {
			lastErr = fmt.Errorf("circuit breaker open, provider dispatch suspended")
			break
		}

		if err := rateLimiter.Wait(ctx); err != nil {
			return e.finishFailure(span, &result, item, pipeline.ErrorCodeProviderTransient, err, usage, start)
		}

		attemptRaw, attemptUsage, err := job.Process(ctx, &item)
		if attemptUsage != nil {
			usage.Add(*attemptUsage)
		}
		if err == nil {
			e.breaker.RecordSuccess()
			raw = attemptRaw
			lastErr = nil
			break
		}

		e.breaker.RecordFailure()
		lastErr = err

		if loomerrors.IsTruncated(err) {
			// The provider hit its own output-length limit; retrying
			// cannot fix the content shape.
			return e.finishFailure(span, &result, item, pipeline.ErrorCodeProviderTruncated, err, usage, start)
		}
		if !provider.IsTransient(err) {
			return e.finishFailure(span, &result, item, pipeline.ErrorCodeProcessFailed, err, usage, start)
		}
		if attempt < maxAttempts {
			if waitErr := e.backoff(ctx, attempt); waitErr != nil {
				return e.finishFailure(span, &result, item, pipeline.ErrorCodeProviderTransient, waitErr, usage, start)
			}
		}
	}

	if lastErr != nil {
		return e.finishFailure(span, &result, item, pipeline.ErrorCodeProviderTransient, lastErr, usage, start)
	}

	if job.PostProcess != nil {
		processed, err := job.PostProcess(ctx, &item, raw)
		if err != nil {
			result.RawData = raw
			return e.finishFailure(span, &result, item, pipeline.ErrorCodeProcessFailed, err, usage, start)
		}
		raw = processed
	}

	if job.SchemaName != "" {
		validation, err := e.schemas.Validate(ctx, job.SchemaName, raw)
		if err != nil {
			code := pipeline.ErrorCodeValidationFailed
			if errors.Is(err, loomerrors.ErrValidationTimeout) {
				code = pipeline.ErrorCodeValidationTimeout
			}
			result.RawData = raw
			return e.finishFailure(span, &result, item, code, err, usage, start)
		}
		if !validation.Valid {
			result.RawData = raw
			return e.finishFailure(span, &result, item, pipeline.ErrorCodeValidationFailed,
				fmt.Errorf("schema validation failed: %s", formatValidationErrors(validation)), usage, start)
		}
	}

	result.Success = true
	result.Data = raw
	result.Usage = usage
	result.DurationMs = time.Since(start).Milliseconds()
	span.SetStatus(codes.Ok, "item processed")
	return result
}

// finishFailure stamps the common failure fields onto a result.
func (e *Engine) finishFailure(span trace.Span, result *pipeline.ExecutionResult, item pipeline.WorkItem, code pipeline.ErrorCode, err error, usage pipeline.TokenUsage, start time.Time) pipeline.ExecutionResult {
	result.Success = false
	result.ErrorCode = code
	result.Error = err.Error()
	result.Usage = usage
	result.DurationMs = time.Since(start).Milliseconds()
	result.Row = item.Row

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	e.logger.Warn("Item failed",
		zap.String("item_key", item.Key),
		zap.String("error_code", string(code)),
		zap.Int("attempts", result.Attempts),
		zap.Error(err))
	return *result
}

func (e *Engine) cancelledResult(item pipeline.WorkItem, err error) pipeline.ExecutionResult {
	return pipeline.ExecutionResult{
		ItemKey:   item.Key,
		ErrorCode: pipeline.ErrorCodeProviderTransient,
		Error:     fmt.Sprintf("run cancelled before dispatch: %v", err),
		Row:       item.Row,
	}
}

// backoff sleeps for the attempt's exponential delay, honoring cancellation.
func (e *Engine) backoff(ctx context.Context, attempt int) error {
	delay := e.retryBaseDelay << (attempt - 1)
	if delay > e.maxRetryDelay {
		delay = e.maxRetryDelay
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) concurrencyLimit(job *pipeline.JobDefinition) int {
	if job.ConcurrencyLimit > 0 {
		return job.ConcurrencyLimit
	}
	return concurrency.LoadConfig().MaxConcurrent
}

func (e *Engine) requestsPerSecond(job *pipeline.JobDefinition) float64 {
	if job.RequestsPerSecond > 0 {
		return job.RequestsPerSecond
	}
	return concurrency.LoadConfig().RequestsPerSecond
}

func formatValidationErrors(result *schema.ValidationResult) string {
	msgs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return strings.Join(msgs, "; ")
}
