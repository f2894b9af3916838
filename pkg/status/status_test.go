package status

import (
	"errors"
	"testing"

	loomerrors "github.com/caselens/loom/pkg/errors"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	dir := t.TempDir()
	tracker, err := NewTracker(dir, nil)
	if err != nil {
		t.Fatalf("tracker construction failed: %v", err)
	}
	return tracker, dir
}

func TestBeginCreatesValidatingStatus(t *testing.T) {
	tracker, _ := newTestTracker(t)

	st, err := tracker.Begin("summaries", "2024-03-15T10-00-00")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if st.State != StateValidating {
		t.Fatalf("state = %s, want validating", st.State)
	}
	if st.SubmittedAt == "" || st.UpdatedAt == "" {
		t.Fatalf("timestamps not stamped: %+v", st)
	}
}

func TestBeginRefusesActiveRun(t *testing.T) {
	tracker, _ := newTestTracker(t)

	if _, err := tracker.Begin("summaries", "2024-03-15T10-00-00"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	_, err := tracker.Begin("summaries", "2024-03-15T11-00-00")
	if !errors.Is(err, loomerrors.ErrRunAlreadyActive) {
		t.Fatalf("err = %v, want run already active", err)
	}
}

func TestBeginAllowedAfterTerminalState(t *testing.T) {
	tracker, _ := newTestTracker(t)

	st, err := tracker.Begin("summaries", "2024-03-15T10-00-00")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := tracker.Update(st, StateFailed); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if _, err := tracker.Begin("summaries", "2024-03-15T11-00-00"); err != nil {
		t.Fatalf("terminal state must release the job: %v", err)
	}
}

func TestUpdateRejectsInvalidTransition(t *testing.T) {
	tracker, _ := newTestTracker(t)

	st, err := tracker.Begin("summaries", "2024-03-15T10-00-00")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := tracker.Update(st, StateCompleted); err != nil {
		t.Fatalf("polling may skip intermediate states: %v", err)
	}

	// Terminal states have no outgoing edges.
	if err := tracker.Update(st, StateInProgress); err == nil {
		t.Fatalf("transition out of a terminal state must be rejected")
	}
	if st.State != StateCompleted {
		t.Fatalf("rejected transition must not mutate state, got %s", st.State)
	}
}

func TestUpdateWalksLifecycle(t *testing.T) {
	tracker, _ := newTestTracker(t)

	st, err := tracker.Begin("summaries", "2024-03-15T10-00-00")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	for _, next := range []BatchState{StateInProgress, StateFinalizing, StateCompleted} {
		if err := tracker.Update(st, next); err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
	}
	if !st.State.IsTerminal() {
		t.Fatalf("completed must be terminal")
	}
}

func TestSelfTransitionIsAllowed(t *testing.T) {
	tracker, _ := newTestTracker(t)

	st, err := tracker.Begin("summaries", "2024-03-15T10-00-00")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := tracker.Update(st, StateInProgress); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	// Polling re-observes the same provider state repeatedly.
	if err := tracker.Update(st, StateInProgress); err != nil {
		t.Fatalf("self transition must be allowed: %v", err)
	}
}

func TestStatusSurvivesProcessRestart(t *testing.T) {
	tracker, dir := newTestTracker(t)

	st, err := tracker.Begin("summaries", "2024-03-15T10-00-00")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	st.BatchID = "batch_abc"
	st.InputFileID = "file_in"
	st.RequestCounts = RequestCounts{Total: 10, Completed: 4}
	if err := tracker.Save(st); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reloaded, err := NewTracker(dir, nil)
	if err != nil {
		t.Fatalf("tracker construction failed: %v", err)
	}
	loaded, err := reloaded.Load("summaries")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil || loaded.BatchID != "batch_abc" || loaded.RequestCounts.Completed != 4 {
		t.Fatalf("persisted status lost fields: %+v", loaded)
	}
}

func TestLoadUnknownJobIsNil(t *testing.T) {
	tracker, _ := newTestTracker(t)
	st, err := tracker.Load("never-submitted")
	if err != nil || st != nil {
		t.Fatalf("unknown job must load as nil, got %+v (%v)", st, err)
	}
}

func TestCancellingCanStillComplete(t *testing.T) {
	// A cancel request can race batch completion on the provider side.
	if !StateCancelling.CanTransition(StateCompleted) {
		t.Fatalf("cancelling -> completed must be permitted")
	}
	if StateCancelled.CanTransition(StateInProgress) {
		t.Fatalf("terminal states must have no outgoing edges")
	}
}
