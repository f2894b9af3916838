package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/caselens/loom/pkg/cache"
	loomerrors "github.com/caselens/loom/pkg/errors"
	"github.com/caselens/loom/pkg/pipeline"
	"github.com/caselens/loom/pkg/results"
	"github.com/caselens/loom/pkg/schema"
	"github.com/caselens/loom/pkg/status"
)

// fakeClient scripts the provider side of the batch lifecycle. GetStatus
// walks the configured state sequence and stays on the last entry.
type fakeClient struct {
	mu        sync.Mutex
	states    []status.BatchState
	statusIdx int
	output    []byte
	uploaded  []byte
	cancelled bool
	uploadErr error

	// statusErr fails the next GetStatus once; statusDown fails every call.
	statusErr  error
	statusDown error
}

func (f *fakeClient) UploadFile(_ context.Context, _ string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploaded = data
	return "file_in", nil
}

func (f *fakeClient) CreateBatch(_ context.Context, inputFileID string) (*Batch, error) {
	return &Batch{ID: "batch_1", State: status.StateValidating, InputFileID: inputFileID}, nil
}

func (f *fakeClient) GetStatus(_ context.Context, batchID string) (*Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusDown != nil {
		return nil, f.statusDown
	}
	if f.statusErr != nil {
		err := f.statusErr
		f.statusErr = nil
		return nil, err
	}
	st := f.states[f.statusIdx]
	if f.statusIdx < len(f.states)-1 {
		f.statusIdx++
	}
	b := &Batch{ID: batchID, State: st}
	if st == status.StateCompleted {
		b.OutputFileID = "file_out"
	}
	return b, nil
}

func (f *fakeClient) DownloadFile(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output, nil
}

func (f *fakeClient) CancelBatch(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func newTestProcessor(t *testing.T, client Client, opts ...Option) (*Processor, *status.Tracker, results.Layout) {
	t.Helper()
	layout := results.DefaultLayout(t.TempDir())
	tracker, err := status.NewTracker(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("tracker construction failed: %v", err)
	}
	opts = append([]Option{WithPollInterval(time.Millisecond), WithMaxWait(time.Second)}, opts...)
	p, err := NewProcessor(client, tracker, schema.NewRegistry(0), results.NewWriter(layout, nil), nil, opts...)
	if err != nil {
		t.Fatalf("processor construction failed: %v", err)
	}
	return p, tracker, layout
}

func batchJob(rows []pipeline.Record) *pipeline.JobDefinition {
	return &pipeline.JobDefinition{
		ID:        "summaries",
		KeyFields: []string{"decision_id", "language"},
		Model:     "gpt-4o",
		Source:    pipeline.StaticSource(rows),
		Process: func(_ context.Context, _ *pipeline.WorkItem) (any, *pipeline.TokenUsage, error) {
			return nil, nil, nil
		},
	}
}

func buildRequest(_ context.Context, _ *pipeline.WorkItem) (RequestBody, error) {
	return RequestBody{
		Messages:       []Message{{Role: "user", Content: "extract"}},
		ResponseFormat: map[string]string{"type": "json_object"},
	}, nil
}

// outputLine renders one completed output line for the given custom id.
func outputLine(t *testing.T, customID, content, finishReason string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"finish_reason": finishReason, "message": map[string]any{"content": content}},
		},
		"usage": map[string]any{"prompt_tokens": 50, "completion_tokens": 20, "total_tokens": 70},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	line, err := json.Marshal(map[string]any{
		"custom_id": customID,
		"response":  map[string]any{"status_code": 200, "body": json.RawMessage(body)},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return append(line, '\n')
}

func TestProcessCompletedBatch(t *testing.T) {
	rows := []pipeline.Record{
		{"decision_id": "d-0", "language": "fr"},
		{"decision_id": "d-1", "language": "nl"},
	}
	output := append(
		outputLine(t, "d-0__fr", `{"decision_id":"d-0"}`, "stop"),
		outputLine(t, "d-1__nl", `{"decision_id":"d-1"}`, "stop")...)

	client := &fakeClient{
		states: []status.BatchState{status.StateInProgress, status.StateFinalizing, status.StateCompleted},
		output: output,
	}
	p, tracker, layout := newTestProcessor(t, client)

	runDir, err := p.Process(context.Background(), batchJob(rows), buildRequest)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if runDir == "" {
		t.Fatalf("expected a run directory")
	}

	st, err := tracker.Load("summaries")
	if err != nil || st == nil || st.State != status.StateCompleted {
		t.Fatalf("unexpected tracked status: %+v (%v)", st, err)
	}
	if st.BatchID != "batch_1" || st.InputFileID != "file_in" {
		t.Fatalf("provider identifiers not recorded: %+v", st)
	}

	reader := results.NewReader(layout)
	summary, err := reader.LoadSummary("summaries", st.Timestamp)
	if err != nil {
		t.Fatalf("summary unreadable: %v", err)
	}
	if summary.TotalRecords != 2 || summary.SuccessfulRecords != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.TotalTokens != 140 {
		t.Fatalf("tokens = %d, want 140", summary.TotalTokens)
	}
}

func TestProcessInputFileCarriesItemKeys(t *testing.T) {
	rows := []pipeline.Record{{"decision_id": "d-0", "language": "fr"}}
	client := &fakeClient{
		states: []status.BatchState{status.StateCompleted},
		output: outputLine(t, "d-0__fr", `{}`, "stop"),
	}
	p, _, _ := newTestProcessor(t, client)

	if _, err := p.Process(context.Background(), batchJob(rows), buildRequest); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	var req Request
	if err := json.Unmarshal(client.uploaded, &req); err != nil {
		t.Fatalf("uploaded input is not JSONL: %v", err)
	}
	if req.CustomID != "d-0__fr" || req.Method != "POST" {
		t.Fatalf("unexpected request line: %+v", req)
	}
	if req.Body.Model != "gpt-4o" {
		t.Fatalf("job model not applied: %+v", req.Body)
	}
}

func TestProcessMissingOutputLineFailsItem(t *testing.T) {
	rows := []pipeline.Record{
		{"decision_id": "d-0", "language": "fr"},
		{"decision_id": "d-1", "language": "nl"},
	}
	client := &fakeClient{
		states: []status.BatchState{status.StateCompleted},
		output: outputLine(t, "d-0__fr", `{}`, "stop"),
	}
	p, tracker, layout := newTestProcessor(t, client)

	if _, err := p.Process(context.Background(), batchJob(rows), buildRequest); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	st, _ := tracker.Load("summaries")
	failures, err := results.NewReader(layout).LoadFailures("summaries", st.Timestamp)
	if err != nil {
		t.Fatalf("failures unreadable: %v", err)
	}
	if len(failures) != 1 || failures[0].ItemKey != "d-1__nl" {
		t.Fatalf("missing output line must fail its item: %+v", failures)
	}
	if failures[0].ErrorCode != pipeline.ErrorCodeProcessFailed {
		t.Fatalf("unexpected error code: %s", failures[0].ErrorCode)
	}
	if failures[0].Row == nil {
		t.Fatalf("failed item must keep its source row for retries")
	}
}

func TestProcessTruncatedChoiceFails(t *testing.T) {
	rows := []pipeline.Record{{"decision_id": "d-0", "language": "fr"}}
	client := &fakeClient{
		states: []status.BatchState{status.StateCompleted},
		output: outputLine(t, "d-0__fr", `{"partial":`, "length"),
	}
	p, tracker, layout := newTestProcessor(t, client)

	if _, err := p.Process(context.Background(), batchJob(rows), buildRequest); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	st, _ := tracker.Load("summaries")
	failures, err := results.NewReader(layout).LoadFailures("summaries", st.Timestamp)
	if err != nil {
		t.Fatalf("failures unreadable: %v", err)
	}
	if len(failures) != 1 || failures[0].ErrorCode != pipeline.ErrorCodeProviderTruncated {
		t.Fatalf("length finish reason must map to truncation: %+v", failures)
	}
}

func TestProcessFailedTerminalState(t *testing.T) {
	rows := []pipeline.Record{{"decision_id": "d-0", "language": "fr"}}
	client := &fakeClient{
		states: []status.BatchState{status.StateInProgress, status.StateFailed},
	}
	p, tracker, _ := newTestProcessor(t, client)

	_, err := p.Process(context.Background(), batchJob(rows), buildRequest)
	if !errors.Is(err, loomerrors.ErrBatchTerminal) {
		t.Fatalf("err = %v, want batch terminal", err)
	}

	st, _ := tracker.Load("summaries")
	if st.State != status.StateFailed {
		t.Fatalf("tracked state = %s, want failed", st.State)
	}
}

func TestProcessTimeoutCancelsBatch(t *testing.T) {
	rows := []pipeline.Record{{"decision_id": "d-0", "language": "fr"}}
	client := &fakeClient{
		states: []status.BatchState{status.StateInProgress},
	}
	p, tracker, _ := newTestProcessor(t, client, WithMaxWait(5*time.Millisecond))

	_, err := p.Process(context.Background(), batchJob(rows), buildRequest)
	if !errors.Is(err, loomerrors.ErrBatchTimeout) {
		t.Fatalf("err = %v, want batch timeout", err)
	}
	if !client.cancelled {
		t.Fatalf("timed-out batch must be cancelled")
	}

	st, _ := tracker.Load("summaries")
	if st.State != status.StateCancelling {
		t.Fatalf("tracked state = %s, want cancelling", st.State)
	}
}

func TestProcessAbsorbsTransientStatusErrors(t *testing.T) {
	rows := []pipeline.Record{{"decision_id": "d-0", "language": "fr"}}
	client := &fakeClient{
		states:    []status.BatchState{status.StateCompleted},
		statusErr: fmt.Errorf("status code: 503"),
		output:    outputLine(t, "d-0__fr", `{}`, "stop"),
	}
	p, _, _ := newTestProcessor(t, client)

	if _, err := p.Process(context.Background(), batchJob(rows), buildRequest); err != nil {
		t.Fatalf("one failed status poll must not abort the batch: %v", err)
	}
}

func TestProcessTimesOutWhenStatusUnavailable(t *testing.T) {
	rows := []pipeline.Record{{"decision_id": "d-0", "language": "fr"}}
	client := &fakeClient{
		states:     []status.BatchState{status.StateInProgress},
		statusDown: fmt.Errorf("status code: 503"),
	}
	p, _, _ := newTestProcessor(t, client, WithMaxWait(5*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := p.Process(context.Background(), batchJob(rows), buildRequest)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, loomerrors.ErrBatchTimeout) {
			t.Fatalf("err = %v, want batch timeout", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("deadline must fire even when every status fetch fails")
	}
	if !client.cancelled {
		t.Fatalf("timed-out batch must be cancelled")
	}
}

func TestProcessPlacesRunCacheOnContext(t *testing.T) {
	rows := []pipeline.Record{{"decision_id": "d-0", "language": "fr"}}
	client := &fakeClient{
		states: []status.BatchState{status.StateCompleted},
		output: outputLine(t, "d-0__fr", `{}`, "stop"),
	}
	runCache := cache.New(cache.ScopeRun)
	runCache.Set("stale", "from-previous-run")
	p, _, _ := newTestProcessor(t, client, WithRunCache(runCache))

	job := batchJob(rows)
	var sawCache bool
	job.PostProcess = func(ctx context.Context, _ *pipeline.WorkItem, raw any) (any, error) {
		if c := cache.FromContext(ctx); c != nil {
			sawCache = true
			c.Set("court:Cass.", "Court of Cassation")
		}
		return raw, nil
	}

	if _, err := p.Process(context.Background(), job, buildRequest); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !sawCache {
		t.Fatalf("post-processing must see the run cache on the context")
	}
	if _, ok := runCache.Get("stale"); ok {
		t.Fatalf("run-scoped cache must be reset at run start")
	}
	if _, ok := runCache.Get("court:Cass."); !ok {
		t.Fatalf("values stored during the run must be visible on the injected cache")
	}
}

func TestProcessRefusesConcurrentRun(t *testing.T) {
	rows := []pipeline.Record{{"decision_id": "d-0", "language": "fr"}}
	client := &fakeClient{states: []status.BatchState{status.StateCompleted}}
	p, tracker, _ := newTestProcessor(t, client)

	if _, err := tracker.Begin("summaries", "2024-03-15T10-00-00"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	_, err := p.Process(context.Background(), batchJob(rows), buildRequest)
	if !errors.Is(err, loomerrors.ErrRunAlreadyActive) {
		t.Fatalf("err = %v, want run already active", err)
	}
}
