// Package status tracks asynchronous batch runs on disk. One status file per
// job survives process restarts, so a new invocation can refuse to start
// while an earlier batch for the same job is still in flight, and can resume
// polling a batch it did not submit.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	loomerrors "github.com/caselens/loom/pkg/errors"
)

// BatchState is one state of the provider-side batch lifecycle.
type BatchState string

const (
	StateValidating BatchState = "validating"
	StateInProgress BatchState = "in_progress"
	StateFinalizing BatchState = "finalizing"
	StateCompleted  BatchState = "completed"
	StateFailed     BatchState = "failed"
	StateExpired    BatchState = "expired"
	StateCancelling BatchState = "cancelling"
	StateCancelled  BatchState = "cancelled"
)

// validTransitions encodes the provider's batch lifecycle as observed by a
// poller. Forward jumps are allowed because a poll interval can miss
// intermediate states entirely; terminal states have no outgoing edges.
var validTransitions = map[BatchState][]BatchState{
	StateValidating: {StateInProgress, StateFinalizing, StateCompleted, StateFailed, StateExpired, StateCancelling, StateCancelled},
	StateInProgress: {StateFinalizing, StateCompleted, StateFailed, StateExpired, StateCancelling, StateCancelled},
	StateFinalizing: {StateCompleted, StateFailed, StateExpired, StateCancelling, StateCancelled},
	StateCancelling: {StateCancelled, StateCompleted, StateFailed},
}

// IsTerminal reports whether the state has no successor.
func (s BatchState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving to next.
func (s BatchState) CanTransition(next BatchState) bool {
	if s == next {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RequestCounts mirrors the provider's per-batch progress counters.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchStatus is the persisted record of one batch run.
type BatchStatus struct {
	JobID     string     `json:"jobId"`
	Timestamp string     `json:"timestamp"`
	State     BatchState `json:"state"`

	// Provider-side identifiers, recorded so a later process can resume
	// polling or download output without re-submitting.
	InputFileID  string `json:"inputFileId,omitempty"`
	BatchID      string `json:"batchId,omitempty"`
	OutputFileID string `json:"outputFileId,omitempty"`
	ErrorFileID  string `json:"errorFileId,omitempty"`

	RequestCounts RequestCounts `json:"requestCounts"`

	SubmittedAt string `json:"submittedAt"`
	UpdatedAt   string `json:"updatedAt"`
	Error       string `json:"error,omitempty"`
}

// Tracker persists batch status files under one directory, one file per job.
// Writes go through a temp file and rename, so a crash never leaves a
// half-written status behind.
type Tracker struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewTracker creates a tracker rooted at dir.
func NewTracker(dir string, logger *zap.Logger) (*Tracker, error) {
	if dir == "" {
		return nil, fmt.Errorf("status directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create status directory %s: %w", dir, err)
	}
	return &Tracker{dir: dir, logger: logger}, nil
}

func (t *Tracker) path(jobID string) string {
	return filepath.Join(t.dir, jobID+".json")
}

// Load returns the persisted status for a job, or nil when none exists.
func (t *Tracker) Load(jobID string) (*BatchStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(jobID)
}

func (t *Tracker) load(jobID string) (*BatchStatus, error) {
	data, err := os.ReadFile(t.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read status for job %s: %w", jobID, err)
	}
	var st BatchStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse status for job %s: %w", jobID, err)
	}
	return &st, nil
}

// Begin records a new batch run for the job. It fails with ErrRunAlreadyActive
// when a persisted status exists in a non-terminal state, which is the
// cross-process mutual exclusion for batch submission.
func (t *Tracker) Begin(jobID, timestamp string) (*BatchStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.load(jobID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.State.IsTerminal() {
		return nil, loomerrors.NewError("RUN_ALREADY_ACTIVE",
			fmt.Sprintf("job %s already has an active batch %s in state %s",
				jobID, existing.BatchID, existing.State),
			loomerrors.ErrRunAlreadyActive)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	st := &BatchStatus{
		JobID:       jobID,
		Timestamp:   timestamp,
		State:       StateValidating,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := t.write(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Update validates the state transition and persists the new status.
func (t *Tracker) Update(st *BatchStatus, next BatchState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !st.State.CanTransition(next) {
		return fmt.Errorf("invalid batch state transition %s -> %s for job %s",
			st.State, next, st.JobID)
	}
	if st.State != next {
		t.logger.Info("Batch state changed",
			zap.String("job_id", st.JobID),
			zap.String("batch_id", st.BatchID),
			zap.String("from", string(st.State)),
			zap.String("to", string(next)))
	}
	st.State = next
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return t.write(st)
}

// Save persists the status without a state change, for identifier and
// counter updates.
func (t *Tracker) Save(st *BatchStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return t.write(st)
}

// write persists atomically via temp file and rename.
func (t *Tracker) write(st *BatchStatus) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status for job %s: %w", st.JobID, err)
	}

	final := t.path(st.JobID)
	tmp, err := os.CreateTemp(t.dir, st.JobID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp status file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp status file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace status file %s: %w", final, err)
	}
	return nil
}
