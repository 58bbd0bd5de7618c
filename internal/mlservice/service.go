package mlservice

import (
	"context"
	"fmt"
	"sync"

	"log/slog"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/internal/validation"
)

// ModelKind selects the processor strategy built at initialization.
type ModelKind string

// Supported model kinds.
const (
	KindText      ModelKind = "text"
	KindEmbedding ModelKind = "embedding"
)

// Params is the parameter snapshot a service loads at initialization.
type Params struct {
	ModelName           string
	Kind                ModelKind
	BatchSize           int
	MinTextLength       int
	MaxTextLength       int
	MinWords            int
	RequiredMetadata    []string
	DisallowedMetadata  []string
	MaxMemoryMB         float64
	ModelMemoryMB       float64
	NormalizeEmbeddings bool
}

// ModelFactory constructs models matching a parameter kind.
type ModelFactory interface {
	TextModel(ctx context.Context, name string) (domain.TextModel, error)
	EmbeddingModel(ctx context.Context, name string) (domain.EmbeddingModel, error)
}

// ParamsLoader yields the current parameter snapshot, typically from
// process configuration.
type ParamsLoader func() (Params, error)

// Service wraps a text-processing or embedding model with lifecycle
// management, validation, and resource-aware execution. State
// transitions are single-writer; concurrent initializers observe one
// winner.
type Service struct {
	mu          sync.Mutex
	state       domain.ServiceState
	stateReason string

	loadParams ParamsLoader
	factory    ModelFactory
	cache      *ModelCache
	resources  MemoryChecker

	params    Params
	validator validation.ChunkValidator
	processor Processor
	model     any
}

// NewService wires a service. cache and resources may be nil.
func NewService(loader ParamsLoader, factory ModelFactory, cache *ModelCache, resources MemoryChecker) *Service {
	return &Service{
		state:      domain.StateUninitialized,
		loadParams: loader,
		factory:    factory,
		cache:      cache,
		resources:  resources,
	}
}

// State returns the current lifecycle state.
func (s *Service) State() domain.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Params returns the parameter snapshot loaded at initialization.
func (s *Service) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Initialize loads parameters, constructs the model (consulting the
// cache first), builds the validator from parameter bounds, and selects
// the processor strategy. Valid from Uninitialized or Stopped.
// Re-initializing a Running service is a warned no-op; initializing
// from Error is rejected until Cleanup.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.StateRunning:
		slog.Warn("service already running, ignoring initialize")
		return nil
	case domain.StateError:
		return fmt.Errorf("initialize from error state (%s): %w", s.stateReason, domain.ErrServiceState)
	case domain.StateInitializing:
		return fmt.Errorf("initialize while initializing: %w", domain.ErrServiceState)
	}

	s.state = domain.StateInitializing
	if err := s.initLocked(ctx); err != nil {
		s.state = domain.StateError
		s.stateReason = err.Error()
		return &domain.ServiceInitializationError{Cause: err}
	}
	s.state = domain.StateRunning
	slog.Info("ml service running",
		slog.String("model", s.params.ModelName),
		slog.String("kind", string(s.params.Kind)))
	return nil
}

func (s *Service) initLocked(ctx context.Context) error {
	params, err := s.loadParams()
	if err != nil {
		return fmt.Errorf("load parameters: %w", err)
	}

	if s.resources != nil && params.ModelMemoryMB > 0 && !s.resources.CheckMemory(params.ModelMemoryMB) {
		return fmt.Errorf("model requires %.1f MB: %w", params.ModelMemoryMB, domain.ErrResourceExhausted)
	}

	model, processor, err := s.buildProcessor(ctx, params)
	if err != nil {
		return err
	}

	s.params = params
	s.model = model
	s.processor = processor
	s.validator = validation.ChunkValidator{
		Content: validation.ContentValidator{Params: validation.ContentParams{
			MinLen:   params.MinTextLength,
			MaxLen:   params.MaxTextLength,
			MinWords: params.MinWords,
		}},
		Metadata: validation.MetadataValidator{
			Required:   params.RequiredMetadata,
			Disallowed: params.DisallowedMetadata,
		},
	}
	return nil
}

func (s *Service) buildProcessor(ctx context.Context, params Params) (any, Processor, error) {
	cacheKey := string(params.Kind) + ":" + params.ModelName

	if s.cache != nil {
		if cached, ok := s.cache.Get(cacheKey); ok {
			if proc, err := s.processorFor(params, cached); err == nil {
				return cached, proc, nil
			}
			// Cached model of the wrong kind; rebuild below.
		}
	}

	var model any
	switch params.Kind {
	case KindText:
		m, err := s.factory.TextModel(ctx, params.ModelName)
		if err != nil {
			return nil, nil, fmt.Errorf("construct text model %q: %w", params.ModelName, err)
		}
		model = m
	case KindEmbedding:
		m, err := s.factory.EmbeddingModel(ctx, params.ModelName)
		if err != nil {
			return nil, nil, fmt.Errorf("construct embedding model %q: %w", params.ModelName, err)
		}
		model = m
	default:
		return nil, nil, fmt.Errorf("unknown model kind %q", params.Kind)
	}

	if s.cache != nil {
		if _, err := s.cache.Put(cacheKey, model, params.ModelMemoryMB); err != nil {
			slog.Warn("model cache admission failed", slog.Any("error", err))
		}
	}
	proc, err := s.processorFor(params, model)
	if err != nil {
		return nil, nil, err
	}
	return model, proc, nil
}

func (s *Service) processorFor(params Params, model any) (Processor, error) {
	switch params.Kind {
	case KindText:
		m, ok := model.(domain.TextModel)
		if !ok {
			return nil, fmt.Errorf("model %q is not a text model", params.ModelName)
		}
		return NewTextProcessor(m), nil
	case KindEmbedding:
		m, ok := model.(domain.EmbeddingModel)
		if !ok {
			return nil, fmt.Errorf("model %q is not an embedding model", params.ModelName)
		}
		return NewEmbeddingProcessor(m, params.NormalizeEmbeddings), nil
	default:
		return nil, fmt.Errorf("unknown model kind %q", params.Kind)
	}
}

// Cleanup releases the model and validator and moves the service to
// Stopped. Valid from any state; from Uninitialized it is a no-op.
// Idempotent.
func (s *Service) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateUninitialized {
		return
	}
	s.model = nil
	s.processor = nil
	s.validator = validation.ChunkValidator{}
	s.stateReason = ""
	s.state = domain.StateStopped
	slog.Info("ml service stopped")
}

// ProcessChunk validates and processes one chunk. Requires Running.
// Extra metadata is merged into the chunk's metadata for validation.
func (s *Service) ProcessChunk(ctx context.Context, chunk domain.Chunk, metadata map[string]any) (domain.ProcessedChunk, error) {
	processor, validator, err := s.running()
	if err != nil {
		return domain.ProcessedChunk{}, err
	}

	chunk = mergeMetadata(chunk, metadata)
	if msgs := validator.Validate(chunk); len(msgs) > 0 {
		return domain.ProcessedChunk{}, domain.NewValidationError(msgs)
	}

	out, err := processor.Process(ctx, chunk)
	if err != nil {
		var pe *domain.ProcessingError
		if ok := asProcessingError(err, &pe); ok {
			return domain.ProcessedChunk{}, err
		}
		return domain.ProcessedChunk{}, &domain.ProcessingError{ChunkID: chunk.ID, BatchIndex: -1, Cause: err}
	}
	return out, nil
}

// ProcessChunks validates the batch then each chunk, short-circuiting
// with a ValidationError naming the offending chunk id, and processes
// the batch. Requires Running.
func (s *Service) ProcessChunks(ctx context.Context, chunks []domain.Chunk, metadata map[string]any) ([]domain.ProcessedChunk, error) {
	processor, validator, err := s.running()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	batchValidator := validation.BatchValidator{MaxBatchSize: s.params.BatchSize}
	s.mu.Unlock()
	if msgs := batchValidator.Validate(len(chunks)); len(msgs) > 0 {
		return nil, domain.NewValidationError(msgs)
	}

	merged := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		merged[i] = mergeMetadata(c, metadata)
	}
	if id, msgs := validator.ValidateAll(merged); len(msgs) > 0 {
		withID := make([]string, 0, len(msgs)+1)
		withID = append(withID, fmt.Sprintf("chunk %s invalid", id))
		withID = append(withID, msgs...)
		return nil, domain.NewValidationError(withID)
	}

	return processor.ProcessBatch(ctx, merged)
}

// ProcessBatch is ProcessChunks without extra metadata. It satisfies
// the batch engine's vector provider.
func (s *Service) ProcessBatch(ctx context.Context, chunks []domain.Chunk) ([]domain.ProcessedChunk, error) {
	return s.ProcessChunks(ctx, chunks, nil)
}

// HealthCheck reports true iff the service is Running with a model
// present. Never raises.
func (s *Service) HealthCheck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == domain.StateRunning && s.model != nil
}

// running snapshots the processor and validator under the lock.
func (s *Service) running() (Processor, validation.ChunkValidator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateRunning {
		return nil, validation.ChunkValidator{}, fmt.Errorf("process in state %s: %w", s.state, domain.ErrServiceState)
	}
	return s.processor, s.validator, nil
}

func mergeMetadata(chunk domain.Chunk, extra map[string]any) domain.Chunk {
	if len(extra) == 0 {
		return chunk
	}
	merged := make(map[string]any, len(chunk.Metadata)+len(extra))
	for k, v := range chunk.Metadata {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	chunk.Metadata = merged
	return chunk
}

func asProcessingError(err error, target **domain.ProcessingError) bool {
	pe, ok := err.(*domain.ProcessingError)
	if ok {
		*target = pe
	}
	return ok
}
