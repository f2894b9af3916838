package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingSchema indicates that a job declared schema validation but no schema was registered
	ErrMissingSchema = errors.New("schema not registered for job")

	// ErrDependencyUnavailable indicates that a required dependency has no persisted output at all
	ErrDependencyUnavailable = errors.New("required dependency output unavailable")

	// ErrSourceRunNotFound indicates that a retry referenced a run directory that does not exist
	ErrSourceRunNotFound = errors.New("source run directory not found")

	// ErrRunAlreadyActive indicates that a batch run is already active for the job id
	ErrRunAlreadyActive = errors.New("a run is already active for this job")

	// ErrBatchTimeout indicates that a batch job did not reach a terminal state within the maximum wait
	ErrBatchTimeout = errors.New("batch polling exceeded maximum wait")

	// ErrBatchTerminal indicates that a batch job ended in a non-completed terminal state
	ErrBatchTerminal = errors.New("batch job ended in a failed terminal state")

	// ErrValidationTimeout indicates that schema validation exceeded its wall-clock budget
	ErrValidationTimeout = errors.New("schema validation timed out")

	// ErrTruncatedOutput indicates that the provider cut its output at its own length limit
	ErrTruncatedOutput = errors.New("provider output truncated at length limit")
)

// Error represents a structured pipeline error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsConfiguration reports whether the error is a configuration error that
// must abort a run before any item is dispatched.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrMissingSchema) || errors.Is(err, ErrDependencyUnavailable)
}

// IsTruncated reports whether the error is a provider length-limit truncation,
// which retrying cannot fix.
func IsTruncated(err error) bool {
	return errors.Is(err, ErrTruncatedOutput)
}
