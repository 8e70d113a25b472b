package carbon

import (
	"errors"
	"fmt"
)

// ErrorKind is the failure taxonomy surfaced to polling clients.
type ErrorKind string

// Error kinds a job can terminate with.
const (
	ErrKindCaptureTimeout      ErrorKind = "CaptureTimeout"
	ErrKindCaptureNetwork      ErrorKind = "CaptureNetworkError"
	ErrKindAnalysis            ErrorKind = "AnalysisError"
	ErrKindOptimizationItem    ErrorKind = "OptimizationItemFailure"
	ErrKindDependencyNotReady  ErrorKind = "DependencyNotReady"
	ErrKindStorage             ErrorKind = "StorageError"
	ErrKindCancelled           ErrorKind = "Cancelled"
)

// Error is the structured cause persisted when a job fails. Page is set
// only for report jobs that failed rendering a specific page.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Page    string    `json:"page,omitempty"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a structured job error.
func NewError(kind ErrorKind, stage, message string) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message}
}

// AsError extracts a structured job error from an error chain, wrapping
// unclassified errors under the given fallback kind.
func AsError(err error, fallback ErrorKind, stage string) *Error {
	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr
	}
	return NewError(fallback, stage, err.Error())
}

// Sentinel errors returned by stores and the orchestrator.
var (
	// ErrNotFound indicates an unknown job, report, or cache key.
	ErrNotFound = errors.New("not found")
	// ErrNotReady indicates a result was requested before the job
	// reached Succeeded.
	ErrNotReady = errors.New("job not ready")
	// ErrTerminal indicates an attempted transition out of a terminal
	// state.
	ErrTerminal = errors.New("job already in terminal state")
	// ErrDuplicateFingerprint indicates an insert raced a concurrent
	// submission that already holds an active job for the fingerprint.
	ErrDuplicateFingerprint = errors.New("active job with same fingerprint exists")
	// ErrCancelled is returned by workers when the cooperative
	// cancellation flag was observed at a checkpoint.
	ErrCancelled = errors.New("job cancelled")
)
