package schema

import (
	"context"
	"fmt"
	"sync"
	"time"

	loomerrors "github.com/caselens/loom/pkg/errors"
)

// DefaultValidationTimeout is the wall-clock budget for validating a single
// candidate object.
const DefaultValidationTimeout = 30 * time.Second

// Registry holds one compiled schema per job id. Compilation happens once at
// registration and is reused across every item of the job.
type Registry struct {
	mu       sync.RWMutex
	compiled map[string]*Compiled
	timeout  time.Duration
}

// NewRegistry creates an empty registry with the given per-item validation
// timeout; zero selects DefaultValidationTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	return &Registry{
		compiled: make(map[string]*Compiled),
		timeout:  timeout,
	}
}

// Register compiles the schema and stores it under the job id.
func (r *Registry) Register(jobID string, s *Schema) error {
	if jobID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	compiled, err := Compile(s)
	if err != nil {
		return fmt.Errorf("failed to compile schema for job %s: %w", jobID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiled[jobID] = compiled
	return nil
}

// Has reports whether a schema is registered for the job id.
func (r *Registry) Has(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.compiled[jobID]
	return ok
}

// Validate validates a candidate object against the job's compiled schema
// under the registry's timeout. A missing schema returns ErrMissingSchema;
// exceeding the deadline returns ErrValidationTimeout so the item can be
// failed with a distinct classification instead of blocking a worker.
func (r *Registry) Validate(ctx context.Context, jobID string, candidate any) (*ValidationResult, error) {
	r.mu.RLock()
	compiled, ok := r.compiled[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil, loomerrors.NewError("SCHEMA_MISSING",
			fmt.Sprintf("no schema registered for job %s", jobID), loomerrors.ErrMissingSchema)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := compiled.Validate(deadlineCtx, candidate)
	if err != nil {
		if deadlineCtx.Err() != nil {
			return nil, loomerrors.NewError("VALIDATION_TIMEOUT",
				fmt.Sprintf("validating item for job %s exceeded %s", jobID, r.timeout),
				loomerrors.ErrValidationTimeout)
		}
		return nil, err
	}
	return result, nil
}
