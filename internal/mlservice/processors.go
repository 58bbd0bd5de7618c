package mlservice

import (
	"context"
	"fmt"
	"math"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Processor turns validated chunks into processed output. Batch form
// preserves input order.
type Processor interface {
	Process(ctx context.Context, chunk domain.Chunk) (domain.ProcessedChunk, error)
	ProcessBatch(ctx context.Context, chunks []domain.Chunk) ([]domain.ProcessedChunk, error)
}

// TextProcessor runs the annotation pipeline producing tokens, lemmas,
// POS tags, and named entities.
type TextProcessor struct {
	model domain.TextModel
}

// NewTextProcessor wraps a text model.
func NewTextProcessor(model domain.TextModel) *TextProcessor {
	return &TextProcessor{model: model}
}

// Process annotates one chunk.
func (p *TextProcessor) Process(ctx context.Context, chunk domain.Chunk) (domain.ProcessedChunk, error) {
	ann, err := p.model.Annotate(ctx, chunk.Content)
	if err != nil {
		return domain.ProcessedChunk{}, &domain.ProcessingError{ChunkID: chunk.ID, BatchIndex: -1, Cause: err}
	}
	return domain.ProcessedChunk{ChunkID: chunk.ID, Annotation: &ann}, nil
}

// ProcessBatch annotates chunks in order, attributing failures to the
// offending batch index.
func (p *TextProcessor) ProcessBatch(ctx context.Context, chunks []domain.Chunk) ([]domain.ProcessedChunk, error) {
	out := make([]domain.ProcessedChunk, 0, len(chunks))
	for i, chunk := range chunks {
		ann, err := p.model.Annotate(ctx, chunk.Content)
		if err != nil {
			return nil, &domain.ProcessingError{ChunkID: chunk.ID, BatchIndex: i, Cause: err}
		}
		out = append(out, domain.ProcessedChunk{ChunkID: chunk.ID, Annotation: &ann})
	}
	return out, nil
}

// EmbeddingProcessor produces a fixed-dimension vector per chunk. Batch
// form issues a single model invocation for all texts. Normalization,
// when requested, applies uniformly to single and batch processing.
type EmbeddingProcessor struct {
	model     domain.EmbeddingModel
	normalize bool
}

// NewEmbeddingProcessor wraps an embedding model.
func NewEmbeddingProcessor(model domain.EmbeddingModel, normalize bool) *EmbeddingProcessor {
	return &EmbeddingProcessor{model: model, normalize: normalize}
}

// Process embeds one chunk.
func (p *EmbeddingProcessor) Process(ctx context.Context, chunk domain.Chunk) (domain.ProcessedChunk, error) {
	vecs, err := p.model.Embed(ctx, []string{chunk.Content})
	if err != nil {
		return domain.ProcessedChunk{}, &domain.ProcessingError{ChunkID: chunk.ID, BatchIndex: -1, Cause: err}
	}
	if len(vecs) != 1 {
		return domain.ProcessedChunk{}, &domain.ProcessingError{
			ChunkID: chunk.ID, BatchIndex: -1,
			Cause: fmt.Errorf("model returned %d vectors for 1 text", len(vecs)),
		}
	}
	return domain.ProcessedChunk{ChunkID: chunk.ID, Vector: p.maybeNormalize(vecs[0])}, nil
}

// ProcessBatch embeds all chunks with one model call.
func (p *EmbeddingProcessor) ProcessBatch(ctx context.Context, chunks []domain.Chunk) ([]domain.ProcessedChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := p.model.Embed(ctx, texts)
	if err != nil {
		return nil, &domain.ProcessingError{ChunkID: chunks[0].ID, BatchIndex: 0, Cause: err}
	}
	if len(vecs) != len(chunks) {
		return nil, &domain.ProcessingError{
			ChunkID: chunks[0].ID, BatchIndex: 0,
			Cause: fmt.Errorf("model returned %d vectors for %d texts", len(vecs), len(chunks)),
		}
	}
	out := make([]domain.ProcessedChunk, len(chunks))
	for i, c := range chunks {
		out[i] = domain.ProcessedChunk{ChunkID: c.ID, Vector: p.maybeNormalize(vecs[i])}
	}
	return out, nil
}

func (p *EmbeddingProcessor) maybeNormalize(vec []float32) []float32 {
	if !p.normalize {
		return vec
	}
	return NormalizeVector(vec)
}

// NormalizeVector scales a vector to unit L2 norm. Zero vectors are
// returned unchanged.
func NormalizeVector(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
