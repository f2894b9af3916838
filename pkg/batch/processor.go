package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caselens/loom/pkg/cache"
	loomerrors "github.com/caselens/loom/pkg/errors"
	"github.com/caselens/loom/pkg/pipeline"
	"github.com/caselens/loom/pkg/results"
	"github.com/caselens/loom/pkg/schema"
	"github.com/caselens/loom/pkg/status"
	"github.com/caselens/loom/pkg/storage"
)

const (
	// DefaultPollInterval is how often the processor asks the provider for
	// batch status.
	DefaultPollInterval = 30 * time.Second

	// DefaultMaxWait bounds the whole batch lifecycle. A batch still not
	// terminal after this long is treated as a fatal timeout.
	DefaultMaxWait = 24 * time.Hour
)

// Option configures a Processor.
type Option func(*Processor)

// WithPollInterval overrides the status poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) { p.pollInterval = d }
}

// WithMaxWait overrides the batch lifecycle deadline.
func WithMaxWait(d time.Duration) Option {
	return func(p *Processor) { p.maxWait = d }
}

// WithArchive attaches a file store; input and output files are archived
// there alongside the provider round-trip.
func WithArchive(store storage.FileStore) Option {
	return func(p *Processor) { p.archive = store }
}

// WithRunCache attaches a cache placed on the run context, mirroring the
// synchronous engine, so pre- and post-processing functions can memoize work
// across items. A run-scoped cache is reset at the start of every run.
func WithRunCache(c *cache.Cache) Option {
	return func(p *Processor) { p.runCache = c }
}

// Processor drives a job through the asynchronous batch path: build input,
// submit, poll to terminal state, persist output. Status survives restarts
// through the tracker, and the tracker's active-run check keeps two
// submissions for the same job from racing.
type Processor struct {
	client   Client
	tracker  *status.Tracker
	schemas  *schema.Registry
	writer   *results.Writer
	archive  storage.FileStore
	runCache *cache.Cache
	logger   *zap.Logger

	pollInterval time.Duration
	maxWait      time.Duration
}

// NewProcessor creates a batch processor.
func NewProcessor(client Client, tracker *status.Tracker, schemas *schema.Registry, writer *results.Writer, logger *zap.Logger, opts ...Option) (*Processor, error) {
	if client == nil {
		return nil, fmt.Errorf("batch client cannot be nil")
	}
	if tracker == nil {
		return nil, fmt.Errorf("status tracker cannot be nil")
	}
	if schemas == nil {
		return nil, fmt.Errorf("schema registry cannot be nil")
	}
	if writer == nil {
		return nil, fmt.Errorf("result writer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		client:       client,
		tracker:      tracker,
		schemas:      schemas,
		writer:       writer,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		maxWait:      DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process runs the job's rows through the batch API end to end and returns
// the run directory on success. Only a completed batch flows into download,
// validation and persistence; every other terminal state is an error.
func (p *Processor) Process(ctx context.Context, job *pipeline.JobDefinition, build RequestBuilderFunc) (string, error) {
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("invalid job definition: %w", err)
	}
	if build == nil {
		return "", fmt.Errorf("request builder cannot be nil")
	}
	if job.SchemaName != "" && !p.schemas.Has(job.SchemaName) {
		return "", loomerrors.NewError("SCHEMA_MISSING",
			fmt.Sprintf("job %s declares schema %q but none is registered", job.ID, job.SchemaName),
			loomerrors.ErrMissingSchema)
	}

	timestamp := results.NewTimestamp(time.Now())
	st, err := p.tracker.Begin(job.ID, timestamp)
	if err != nil {
		return "", err
	}

	if p.runCache != nil {
		if p.runCache.Scope() == cache.ScopeRun {
			p.runCache.Reset()
		}
		ctx = cache.NewContext(ctx, p.runCache)
	}

	items, err := p.loadItems(ctx, job)
	if err != nil {
		return "", p.fail(st, err)
	}
	if len(items) == 0 {
		return "", p.fail(st, fmt.Errorf("job %s produced no dispatchable items", job.ID))
	}

	input, err := p.buildInput(ctx, job, items, build)
	if err != nil {
		return "", p.fail(st, err)
	}

	submissionID := uuid.New().String()
	inputName := fmt.Sprintf("%s-%s-%s.jsonl", job.ID, timestamp, submissionID[:8])

	if p.archive != nil {
		archivePath := fmt.Sprintf("batch-inputs/%s/%s", job.ID, inputName)
		if _, archiveErr := p.archive.Upload(ctx, archivePath, input, map[string]string{
			"job_id":    job.ID,
			"timestamp": timestamp,
		}); archiveErr != nil {
			p.logger.Warn("Failed to archive batch input, continuing",
				zap.String("job_id", job.ID), zap.Error(archiveErr))
		}
	}

	fileID, err := p.client.UploadFile(ctx, inputName, input)
	if err != nil {
		return "", p.fail(st, err)
	}
	st.InputFileID = fileID
	if err := p.tracker.Save(st); err != nil {
		return "", err
	}

	batch, err := p.client.CreateBatch(ctx, fileID)
	if err != nil {
		return "", p.fail(st, err)
	}
	st.BatchID = batch.ID
	st.RequestCounts = batch.RequestCounts
	if err := p.tracker.Update(st, batch.State); err != nil {
		return "", err
	}

	final, err := p.poll(ctx, st)
	if err != nil {
		return "", err
	}

	return p.persist(ctx, job, timestamp, items, final)
}

// poll watches the batch until it reaches a terminal state or the lifecycle
// deadline expires. Deadline expiry attempts a cancel before failing.
func (p *Processor) poll(ctx context.Context, st *status.BatchStatus) (*Batch, error) {
	deadline := time.Now().Add(p.maxWait)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		// The deadline is checked before the fetch so a provider whose
		// status endpoint is down cannot keep the loop alive forever.
		if time.Now().After(deadline) {
			if cancelErr := p.client.CancelBatch(ctx, st.BatchID); cancelErr != nil {
				p.logger.Warn("Failed to cancel timed-out batch",
					zap.String("batch_id", st.BatchID), zap.Error(cancelErr))
			} else {
				_ = p.tracker.Update(st, status.StateCancelling)
			}
			return nil, loomerrors.NewError("BATCH_TIMEOUT",
				fmt.Sprintf("batch %s for job %s not terminal after %s", st.BatchID, st.JobID, p.maxWait),
				loomerrors.ErrBatchTimeout)
		}

		batch, err := p.client.GetStatus(ctx, st.BatchID)
		if err != nil {
			// Transient status fetch failures are absorbed; the next tick
			// retries.
			p.logger.Warn("Batch status fetch failed, will retry",
				zap.String("batch_id", st.BatchID), zap.Error(err))
			continue
		}

		st.RequestCounts = batch.RequestCounts
		st.OutputFileID = batch.OutputFileID
		st.ErrorFileID = batch.ErrorFileID
		if err := p.tracker.Update(st, batch.State); err != nil {
			return nil, err
		}

		if batch.State.IsTerminal() {
			if batch.State != status.StateCompleted {
				return nil, loomerrors.NewError("BATCH_TERMINAL",
					fmt.Sprintf("batch %s for job %s ended in state %s", st.BatchID, st.JobID, batch.State),
					loomerrors.ErrBatchTerminal)
			}
			return batch, nil
		}
	}
}

// persist downloads the completed batch's output, validates each result and
// writes the run through the shared result writer.
func (p *Processor) persist(ctx context.Context, job *pipeline.JobDefinition, timestamp string, items []pipeline.WorkItem, batch *Batch) (string, error) {
	if batch.OutputFileID == "" {
		return "", fmt.Errorf("completed batch %s has no output file", batch.ID)
	}

	output, err := p.client.DownloadFile(ctx, batch.OutputFileID)
	if err != nil {
		return "", fmt.Errorf("failed to download batch output: %w", err)
	}

	if p.archive != nil {
		archivePath := fmt.Sprintf("batch-outputs/%s/%s-%s.jsonl", job.ID, timestamp, batch.ID)
		if _, archiveErr := p.archive.Upload(ctx, archivePath, output, map[string]string{
			"job_id":   job.ID,
			"batch_id": batch.ID,
		}); archiveErr != nil {
			p.logger.Warn("Failed to archive batch output, continuing",
				zap.String("job_id", job.ID), zap.Error(archiveErr))
		}
	}

	start := time.Now()
	runResults := p.parseOutput(ctx, job, items, output)
	summary := results.ComputeSummary(job.ID, timestamp, job.Model, runResults, time.Since(start).Milliseconds())

	runDir, err := p.writer.Write(job.ID, timestamp, job.UseFullDataPipeline, runResults, summary)
	if err != nil {
		return "", fmt.Errorf("failed to persist batch results: %w", err)
	}

	p.logger.Info("Batch run persisted",
		zap.String("job_id", job.ID),
		zap.String("batch_id", batch.ID),
		zap.String("timestamp", timestamp),
		zap.Int("total", summary.TotalRecords),
		zap.Int("success", summary.SuccessfulRecords),
		zap.Int("failure", summary.FailedRecords))
	return runDir, nil
}

// parseOutput turns output JSONL lines back into execution results, matched
// to items by custom id. Items the output never mentions fail explicitly
// rather than disappearing.
func (p *Processor) parseOutput(ctx context.Context, job *pipeline.JobDefinition, items []pipeline.WorkItem, output []byte) []pipeline.ExecutionResult {
	byKey := make(map[string]pipeline.WorkItem, len(items))
	for _, item := range items {
		byKey[item.Key] = item
	}

	runResults := make([]pipeline.ExecutionResult, 0, len(items))
	seen := make(map[string]bool, len(items))

	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed resultLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			p.logger.Warn("Skipping unparseable batch output line", zap.Error(err))
			continue
		}
		item, ok := byKey[parsed.CustomID]
		if !ok {
			p.logger.Warn("Batch output references unknown item",
				zap.String("custom_id", parsed.CustomID))
			continue
		}
		seen[parsed.CustomID] = true
		runResults = append(runResults, p.toResult(ctx, job, item, &parsed))
	}

	for _, item := range items {
		if !seen[item.Key] {
			runResults = append(runResults, pipeline.ExecutionResult{
				ItemKey:   item.Key,
				ErrorCode: pipeline.ErrorCodeProcessFailed,
				Error:     "batch output contains no line for this item",
				Attempts:  1,
				Row:       item.Row,
			})
		}
	}
	return runResults
}

// toResult converts one output line, running the same post-processing and
// validation the synchronous engine applies.
func (p *Processor) toResult(ctx context.Context, job *pipeline.JobDefinition, item pipeline.WorkItem, line *resultLine) pipeline.ExecutionResult {
	result := pipeline.ExecutionResult{
		ItemKey:  item.Key,
		Attempts: 1,
	}

	if line.Error != nil {
		result.ErrorCode = pipeline.ErrorCodeProcessFailed
		result.Error = fmt.Sprintf("%s: %s", line.Error.Code, line.Error.Message)
		result.Row = item.Row
		return result
	}
	if line.Response == nil || line.Response.StatusCode < 200 || line.Response.StatusCode >= 300 {
		code := 0
		if line.Response != nil {
			code = line.Response.StatusCode
		}
		result.ErrorCode = pipeline.ErrorCodeProcessFailed
		result.Error = fmt.Sprintf("batch request failed with status code: %d", code)
		result.Row = item.Row
		return result
	}

	var body completionBody
	if err := json.Unmarshal(line.Response.Body, &body); err != nil {
		result.ErrorCode = pipeline.ErrorCodeProcessFailed
		result.Error = fmt.Sprintf("failed to parse completion body: %v", err)
		result.Row = item.Row
		return result
	}
	if len(body.Choices) == 0 {
		result.ErrorCode = pipeline.ErrorCodeProcessFailed
		result.Error = "completion returned no choices"
		result.Row = item.Row
		return result
	}

	result.Usage = pipeline.TokenUsage{
		PromptTokens:     body.Usage.PromptTokens,
		CompletionTokens: body.Usage.CompletionTokens,
		TotalTokens:      body.Usage.TotalTokens,
	}

	choice := body.Choices[0]
	if choice.FinishReason == "length" {
		result.ErrorCode = pipeline.ErrorCodeProviderTruncated
		result.Error = "provider stopped at its output length limit"
		result.RawData = choice.Message.Content
		result.Row = item.Row
		return result
	}

	var raw any
	if err := json.Unmarshal([]byte(choice.Message.Content), &raw); err != nil {
		result.ErrorCode = pipeline.ErrorCodeValidationFailed
		result.Error = fmt.Sprintf("completion content is not valid JSON: %v", err)
		result.RawData = choice.Message.Content
		result.Row = item.Row
		return result
	}

	if job.PostProcess != nil {
		processed, err := job.PostProcess(ctx, &item, raw)
		if err != nil {
			result.ErrorCode = pipeline.ErrorCodeProcessFailed
			result.Error = err.Error()
			result.RawData = raw
			result.Row = item.Row
			return result
		}
		raw = processed
	}

	if job.SchemaName != "" {
		validation, err := p.schemas.Validate(ctx, job.SchemaName, raw)
		if err != nil {
			result.ErrorCode = pipeline.ErrorCodeValidationFailed
			if errors.Is(err, loomerrors.ErrValidationTimeout) {
				result.ErrorCode = pipeline.ErrorCodeValidationTimeout
			}
			result.Error = err.Error()
			result.RawData = raw
			result.Row = item.Row
			return result
		}
		if !validation.Valid {
			msgs := make([]string, 0, len(validation.Errors))
			for _, ve := range validation.Errors {
				msgs = append(msgs, fmt.Sprintf("%s: %s", ve.Path, ve.Message))
			}
			result.ErrorCode = pipeline.ErrorCodeValidationFailed
			result.Error = "schema validation failed: " + strings.Join(msgs, "; ")
			result.RawData = raw
			result.Row = item.Row
			return result
		}
	}

	result.Success = true
	result.Data = raw
	return result
}

// loadItems loads and preprocesses the job's rows into work items.
func (p *Processor) loadItems(ctx context.Context, job *pipeline.JobDefinition) ([]pipeline.WorkItem, error) {
	rows, err := job.Source.Rows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rows for job %s: %w", job.ID, err)
	}

	items := make([]pipeline.WorkItem, 0, len(rows))
	for seq, row := range rows {
		if job.PreProcess != nil {
			processed, preErr := job.PreProcess(ctx, row)
			if preErr != nil {
				return nil, fmt.Errorf("preprocessing failed for row %d: %w", seq, preErr)
			}
			if processed == nil {
				continue
			}
			row = processed
		}
		items = append(items, pipeline.WorkItem{
			Key: pipeline.ItemKey(job, row, seq),
			Seq: seq,
			Row: row,
		})
	}
	return items, nil
}

// buildInput renders the items into the JSONL request file.
func (p *Processor) buildInput(ctx context.Context, job *pipeline.JobDefinition, items []pipeline.WorkItem, build RequestBuilderFunc) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range items {
		item := &items[i]
		body, err := build(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("failed to build request for item %s: %w", item.Key, err)
		}
		if body.Model == "" {
			body.Model = job.Model
		}
		if err := enc.Encode(Request{
			CustomID: item.Key,
			Method:   "POST",
			URL:      chatCompletionsPath,
			Body:     body,
		}); err != nil {
			return nil, fmt.Errorf("failed to encode request for item %s: %w", item.Key, err)
		}
	}
	return buf.Bytes(), nil
}

// fail marks the tracked status failed and returns the original error.
func (p *Processor) fail(st *status.BatchStatus, err error) error {
	st.Error = err.Error()
	if updateErr := p.tracker.Update(st, status.StateFailed); updateErr != nil {
		p.logger.Error("Failed to persist failed batch status",
			zap.String("job_id", st.JobID), zap.Error(updateErr))
	}
	return err
}
