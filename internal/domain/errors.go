package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy (sentinels)
var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrServiceState      = errors.New("invalid service state")
	ErrTimeout           = errors.New("operation timed out")
	ErrDeadlineExceeded  = errors.New("global deadline exceeded")
	ErrAuthentication    = errors.New("authentication failed")
	ErrNotFound          = errors.New("not found")
	ErrBrokerConnection  = errors.New("broker connection error")
	ErrBrokerChannel     = errors.New("broker channel error")
	ErrInstrumentation   = errors.New("instrumentation error")
	ErrShutdown          = errors.New("manager shut down")
)

// ValidationError aggregates validator messages. It is surfaced to the
// caller and never retried automatically.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages, "; ")
}

// NewValidationError builds a ValidationError from aggregated messages.
// Returns nil when the list is empty.
func NewValidationError(messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	return &ValidationError{Messages: messages}
}

// ResourceError wraps a failure that occurred inside a resource-gated
// execution, preserving the cause.
type ResourceError struct {
	Op    string
	Cause error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource error in %s: %v", e.Op, e.Cause)
}

func (e *ResourceError) Unwrap() error { return e.Cause }

// ServiceInitializationError wraps the underlying cause of a failed
// service initialization. Fatal for the instance until cleanup.
type ServiceInitializationError struct {
	Cause error
}

func (e *ServiceInitializationError) Error() string {
	return fmt.Sprintf("service initialization failed: %v", e.Cause)
}

func (e *ServiceInitializationError) Unwrap() error { return e.Cause }

// ProcessingError wraps a per-item processing failure with the chunk id
// and, for batch processing, the index within the batch (-1 otherwise).
// Retryable at the orchestrator level.
type ProcessingError struct {
	ChunkID    string
	BatchIndex int
	Cause      error
}

func (e *ProcessingError) Error() string {
	if e.BatchIndex >= 0 {
		return fmt.Sprintf("processing chunk %s (batch index %d): %v", e.ChunkID, e.BatchIndex, e.Cause)
	}
	return fmt.Sprintf("processing chunk %s: %v", e.ChunkID, e.Cause)
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

// BatchError marks a whole-batch failure; every item in the batch
// inherits it.
type BatchError struct {
	Op    string
	Cause error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %s failed: %v", e.Op, e.Cause)
}

func (e *BatchError) Unwrap() error { return e.Cause }

// ErrorKind classifies an error into the taxonomy name used for
// metrics labels and retry decisions.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrServiceState):
		return "service_state"
	case errors.Is(err, ErrBrokerConnection):
		return "broker_connection"
	case errors.Is(err, ErrBrokerChannel):
		return "broker_channel"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		var ve *ValidationError
		var pe *ProcessingError
		var be *BatchError
		var re *ResourceError
		var ie *ServiceInitializationError
		switch {
		case errors.As(err, &ve):
			return "validation"
		case errors.As(err, &pe):
			return "processing"
		case errors.As(err, &be):
			return "batch"
		case errors.As(err, &re):
			return "resource"
		case errors.As(err, &ie):
			return "initialization"
		}
		return "unknown"
	}
}

// IsRetryable reports whether the retry orchestrator may attempt the
// operation again. Validation, authentication, and state violations are
// terminal; transport and per-item processing failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch ErrorKind(err) {
	case "validation", "authentication", "service_state", "initialization":
		return false
	}
	return true
}
