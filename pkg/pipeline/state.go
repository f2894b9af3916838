package pipeline

// ItemState is the per-item state machine value for multi-step pipelines
// where one decision fans out into many sub-items.
type ItemState string

const (
	ItemPending   ItemState = "pending"
	ItemRunning   ItemState = "running"
	ItemCompleted ItemState = "completed"
	ItemSkipped   ItemState = "skipped"
	ItemFailed    ItemState = "failed"
)

// StepState aggregates item states for one pipeline step.
type StepState struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Record counts one item state into the step.
func (s *StepState) Record(state ItemState) {
	switch state {
	case ItemPending:
		s.Pending++
	case ItemRunning:
		s.Running++
	case ItemCompleted:
		s.Completed++
	case ItemSkipped:
		s.Skipped++
	case ItemFailed:
		s.Failed++
	}
}

// Total returns the number of items counted into the step.
func (s *StepState) Total() int {
	return s.Pending + s.Running + s.Completed + s.Skipped + s.Failed
}

// PipelineState is the overall status derived from a step's counts.
type PipelineState string

const (
	PipelinePending   PipelineState = "pending"
	PipelineRunning   PipelineState = "running"
	PipelineCompleted PipelineState = "completed"
	PipelinePartial   PipelineState = "partial"
	PipelineFailed    PipelineState = "failed"
)

// Status derives the overall pipeline state for a decision from its step
// counts: running while anything is in flight, failed when nothing
// succeeded, partial when successes and failures coexist.
func (s *StepState) Status() PipelineState {
	total := s.Total()
	if total == 0 || total == s.Pending {
		return PipelinePending
	}
	if s.Running > 0 || s.Pending > 0 {
		return PipelineRunning
	}
	if s.Failed == 0 {
		return PipelineCompleted
	}
	if s.Completed == 0 && s.Skipped == 0 {
		return PipelineFailed
	}
	return PipelinePartial
}
