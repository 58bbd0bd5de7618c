package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_NaturalKey(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]any
		wantKey  string
		wantOK   bool
	}{
		{name: "file path present", metadata: map[string]any{"file_path": "/docs/report.pdf"}, wantKey: "/docs/report.pdf", wantOK: true},
		{name: "missing", metadata: map[string]any{}, wantOK: false},
		{name: "nil metadata", metadata: nil, wantOK: false},
		{name: "empty string", metadata: map[string]any{"file_path": ""}, wantOK: false},
		{name: "non-string", metadata: map[string]any{"file_path": 42}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Chunk{Content: "body", Metadata: tt.metadata}
			key, ok := c.NaturalKey()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestServiceState_CanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    ServiceState
		to      ServiceState
		allowed bool
	}{
		{"uninitialized to initializing", StateUninitialized, StateInitializing, true},
		{"initializing to running", StateInitializing, StateRunning, true},
		{"running to stopped", StateRunning, StateStopped, true},
		{"running refresh", StateRunning, StateRunning, true},
		{"any to error", StateRunning, StateError, true},
		{"error to stopped", StateError, StateStopped, true},
		{"error to running rejected", StateError, StateRunning, false},
		{"uninitialized skips to running", StateUninitialized, StateRunning, false},
		{"stopped to initializing (reset)", StateStopped, StateInitializing, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestServiceState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", ServiceState(99).String())
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"nil", nil, ""},
		{"auth sentinel", ErrAuthentication, "authentication"},
		{"wrapped timeout", errors.Join(errors.New("ctx"), ErrTimeout), "timeout"},
		{"deadline", ErrDeadlineExceeded, "deadline"},
		{"validation", &ValidationError{Messages: []string{"too short"}}, "validation"},
		{"processing", &ProcessingError{ChunkID: "c1", BatchIndex: 2, Cause: errors.New("boom")}, "processing"},
		{"batch", &BatchError{Op: "insert", Cause: errors.New("down")}, "batch"},
		{"resource", &ResourceError{Op: "flush", Cause: errors.New("oom")}, "resource"},
		{"initialization", &ServiceInitializationError{Cause: errors.New("no model")}, "initialization"},
		{"unknown", errors.New("mystery"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, ErrorKind(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(&ValidationError{Messages: []string{"bad"}}))
	assert.False(t, IsRetryable(ErrAuthentication))
	assert.False(t, IsRetryable(ErrServiceState))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrBrokerConnection))
	assert.True(t, IsRetryable(&ProcessingError{ChunkID: "c1", BatchIndex: -1, Cause: errors.New("transient")}))
	assert.True(t, IsRetryable(errors.New("mystery")))
}

func TestProcessingError_Error(t *testing.T) {
	batchErr := &ProcessingError{ChunkID: "c9", BatchIndex: 3, Cause: errors.New("encode failed")}
	assert.Contains(t, batchErr.Error(), "c9")
	assert.Contains(t, batchErr.Error(), "batch index 3")

	single := &ProcessingError{ChunkID: "c9", BatchIndex: -1, Cause: errors.New("encode failed")}
	assert.NotContains(t, single.Error(), "batch index")
	require.ErrorIs(t, single, single)
	assert.Equal(t, "encode failed", errors.Unwrap(single).Error())
}

func TestNewValidationError(t *testing.T) {
	assert.NoError(t, NewValidationError(nil))
	assert.NoError(t, NewValidationError([]string{}))

	err := NewValidationError([]string{"a", "b"})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Messages, 2)
	assert.Contains(t, err.Error(), "a; b")
}
