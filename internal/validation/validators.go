// Package validation provides composable validators for chunks,
// batches, metadata, and resource-aware preconditions.
//
// Validators return aggregated error strings rather than raising;
// callers escalate via domain.NewValidationError when the list is
// non-empty.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// ContentParams bounds acceptable chunk content.
type ContentParams struct {
	MinLen   int
	MaxLen   int
	MinWords int
}

// ContentValidator checks chunk text against length and word bounds.
type ContentValidator struct {
	Params ContentParams
}

// Validate returns one message per violated bound. Content exactly at
// MinLen or MaxLen passes.
func (v ContentValidator) Validate(content string) []string {
	var msgs []string
	if content == "" {
		return []string{"content is empty"}
	}
	length := utf8.RuneCountInString(content)
	if length < v.Params.MinLen {
		msgs = append(msgs, fmt.Sprintf("content length %d below minimum %d", length, v.Params.MinLen))
	}
	if v.Params.MaxLen > 0 && length > v.Params.MaxLen {
		msgs = append(msgs, fmt.Sprintf("content length %d above maximum %d", length, v.Params.MaxLen))
	}
	if words := len(strings.Fields(content)); words < v.Params.MinWords {
		msgs = append(msgs, fmt.Sprintf("word count %d below minimum %d", words, v.Params.MinWords))
	}
	return msgs
}

// BatchValidator checks batch shape.
type BatchValidator struct {
	MaxBatchSize int
}

// Validate returns messages for an empty or oversized batch.
func (v BatchValidator) Validate(size int) []string {
	var msgs []string
	if size == 0 {
		msgs = append(msgs, "batch is empty")
	}
	if v.MaxBatchSize > 0 && size > v.MaxBatchSize {
		msgs = append(msgs, fmt.Sprintf("batch size %d exceeds maximum %d", size, v.MaxBatchSize))
	}
	return msgs
}

// MetadataValidator checks metadata keys and value kinds.
type MetadataValidator struct {
	Required   []string
	Disallowed []string
}

// Validate checks that required keys are present, disallowed keys are
// absent, and values are primitives (string, number, boolean, nil).
func (v MetadataValidator) Validate(md map[string]any) []string {
	var msgs []string
	for _, key := range v.Required {
		if _, ok := md[key]; !ok {
			msgs = append(msgs, fmt.Sprintf("required metadata field %q missing", key))
		}
	}
	for _, key := range v.Disallowed {
		if _, ok := md[key]; ok {
			msgs = append(msgs, fmt.Sprintf("disallowed metadata field %q present", key))
		}
	}
	for key, value := range md {
		if !isPrimitive(value) {
			msgs = append(msgs, fmt.Sprintf("metadata field %q has non-primitive value", key))
		}
	}
	return msgs
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// ChunkValidator composes content and metadata validation.
type ChunkValidator struct {
	Content  ContentValidator
	Metadata MetadataValidator
}

// Validate aggregates content and metadata messages for one chunk.
func (v ChunkValidator) Validate(c domain.Chunk) []string {
	msgs := v.Content.Validate(c.Content)
	return append(msgs, v.Metadata.Validate(c.Metadata)...)
}

// ValidateAll validates every chunk and returns the first offender's
// messages along with its id, or ok when the whole batch passes.
func (v ChunkValidator) ValidateAll(chunks []domain.Chunk) (id string, msgs []string) {
	for _, c := range chunks {
		if m := v.Validate(c); len(m) > 0 {
			return c.ID, m
		}
	}
	return "", nil
}
