// Package domain defines the core entities, error taxonomy, and
// collaborator ports of the indexing pipeline.
package domain

import (
	"time"
)

// Chunk is a unit of text plus metadata passed through processing
// and embedding.
// Invariants: ID unique and non-empty after id assignment; Metadata
// values are strings, numbers, booleans, or nil.
type Chunk struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// NaturalKey returns the caller-provided identifier used to derive a
// deterministic id, if present. File paths are the common case.
func (c Chunk) NaturalKey() (string, bool) {
	v, ok := c.Metadata["file_path"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// BatchItem wraps a payload moving through the retry orchestrator.
// Invariant: Attempt <= the policy's MaxRetries while pending.
type BatchItem[T any] struct {
	Payload     T
	Attempt     int
	LastError   error
	NextRetryAt time.Time
}

// ItemStatus is the per-item outcome of a batch operation.
type ItemStatus string

// Per-item batch outcomes.
const (
	ItemStatusSuccess ItemStatus = "success"
	ItemStatusError   ItemStatus = "error"
)

// ItemResult is the outcome reported by the vector store for one item.
type ItemResult struct {
	ID     string
	Status ItemStatus
	Err    string
}

// ItemFailure names a failed item inside a BatchResult.
type ItemFailure struct {
	ID  string
	Err string
}

// BatchResult is the structured outcome of a batch dispatch. Batch APIs
// return it instead of raising on partial failure.
type BatchResult struct {
	Success         bool
	Processed       int
	Errors          int
	SuccessfulItems []string
	FailedItems     []ItemFailure
}

// OperationMetric is one measured sample of a named operation.
// Resource fields are nil when the underlying counters are unavailable.
type OperationMetric struct {
	Name       string
	Duration   time.Duration
	MemoryMB   float64
	BatchSize  int
	Success    bool
	Metadata   map[string]any
	RecordedAt time.Time
}

// BatchPerformanceSample feeds the adaptive batch sizer.
type BatchPerformanceSample struct {
	BatchSize     int
	Duration      time.Duration
	ObjectsPerSec float64
	ErrorRate     float64
	MemoryMB      *float64
	RecordedAt    time.Time
}

// ServiceState is the lifecycle state of a stateful service
// (ML service, broker manager).
type ServiceState int

// Lifecycle states. Transitions: Uninitialized -> Initializing ->
// Running -> Stopped; any -> Error; Error -> Stopped; Running -> Running
// for refreshes. No skips.
const (
	StateUninitialized ServiceState = iota
	StateInitializing
	StateRunning
	StateError
	StateStopped
)

func (s ServiceState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle transition.
func (s ServiceState) CanTransition(next ServiceState) bool {
	if next == StateError {
		return true
	}
	switch s {
	case StateUninitialized:
		return next == StateInitializing || next == StateStopped
	case StateInitializing:
		return next == StateRunning || next == StateStopped
	case StateRunning:
		return next == StateRunning || next == StateStopped
	case StateError:
		return next == StateStopped
	case StateStopped:
		return next == StateStopped || next == StateInitializing
	default:
		return false
	}
}

// Annotation is the output of a text-processing model pass.
type Annotation struct {
	Tokens   []string
	Lemmas   []string
	POS      []string
	Entities []string
}

// ProcessedChunk is the result of running a chunk through a processor.
// Exactly one of Annotation or Vector is populated, depending on the
// processor kind.
type ProcessedChunk struct {
	ChunkID    string
	Annotation *Annotation
	Vector     []float32
}
