package mlservice

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

func TestTextProcessor_ProcessBatchAttributesFailure(t *testing.T) {
	model := &failAfterModel{failAt: 1}
	p := NewTextProcessor(model)

	chunks := []domain.Chunk{
		{ID: "a", Content: "first"},
		{ID: "b", Content: "second"},
		{ID: "c", Content: "third"},
	}
	_, err := p.ProcessBatch(context.Background(), chunks)
	var procErr *domain.ProcessingError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "b", procErr.ChunkID)
	assert.Equal(t, 1, procErr.BatchIndex)
}

func TestTextProcessor_ProcessBatchPreservesOrder(t *testing.T) {
	p := NewTextProcessor(&stubTextModel{})

	chunks := []domain.Chunk{
		{ID: "x", Content: "one"},
		{ID: "y", Content: "two"},
	}
	out, err := p.ProcessBatch(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "x", out[0].ChunkID)
	assert.Equal(t, "y", out[1].ChunkID)
	assert.Equal(t, []string{"two"}, out[1].Annotation.Tokens)
}

func TestEmbeddingProcessor_SingleModelCallPerBatch(t *testing.T) {
	model := &stubEmbeddingModel{dim: 3}
	p := NewEmbeddingProcessor(model, false)

	chunks := []domain.Chunk{
		{ID: "a", Content: "aa"},
		{ID: "b", Content: "bb"},
		{ID: "c", Content: "cc"},
	}
	out, err := p.ProcessBatch(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 1, model.calls)
	for i, pc := range out {
		assert.Equal(t, chunks[i].ID, pc.ChunkID)
		assert.Len(t, pc.Vector, 3)
	}
}

func TestEmbeddingProcessor_CountMismatch(t *testing.T) {
	model := &countMismatchModel{}
	p := NewEmbeddingProcessor(model, false)

	_, err := p.ProcessBatch(context.Background(), []domain.Chunk{
		{ID: "a", Content: "aa"},
		{ID: "b", Content: "bb"},
	})
	var procErr *domain.ProcessingError
	require.ErrorAs(t, err, &procErr)
	assert.Contains(t, procErr.Error(), "vectors")

	_, err = p.Process(context.Background(), domain.Chunk{ID: "a", Content: "aa"})
	require.ErrorAs(t, err, &procErr)
}

func TestEmbeddingProcessor_EmptyBatch(t *testing.T) {
	model := &stubEmbeddingModel{dim: 3}
	p := NewEmbeddingProcessor(model, false)

	out, err := p.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, model.calls)
}

func TestEmbeddingProcessor_Normalizes(t *testing.T) {
	p := NewEmbeddingProcessor(&fixedVectorModel{vec: []float32{3, 4}}, true)

	out, err := p.Process(context.Background(), domain.Chunk{ID: "a", Content: "aa"})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, float64(out.Vector[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(out.Vector[1]), 1e-6)
}

func TestNormalizeVector(t *testing.T) {
	out := NormalizeVector([]float32{1, 2, 2})
	var sum float64
	for _, v := range out {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)

	zero := []float32{0, 0, 0}
	assert.Equal(t, zero, NormalizeVector(zero))
}

type failAfterModel struct {
	failAt int
	calls  int
}

func (m *failAfterModel) Annotate(_ context.Context, text string) (domain.Annotation, error) {
	i := m.calls
	m.calls++
	if i == m.failAt {
		return domain.Annotation{}, errors.New("inference failed")
	}
	return domain.Annotation{Tokens: []string{text}}, nil
}

type countMismatchModel struct{}

func (countMismatchModel) Embed(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)+1), nil
}

type fixedVectorModel struct{ vec []float32 }

func (m *fixedVectorModel) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = m.vec
	}
	return out, nil
}
