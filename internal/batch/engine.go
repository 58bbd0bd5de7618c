package batch

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/internal/metrics"
	"github.com/fairyhunter13/doc-indexer/internal/retry"
)

// VectorProvider turns a batch of chunks into vectors with a single
// model invocation. The mlservice embedding processor satisfies it.
type VectorProvider interface {
	ProcessBatch(ctx context.Context, chunks []domain.Chunk) ([]domain.ProcessedChunk, error)
}

// EngineConfig bounds a batch engine. ProviderBatchSize caps embedding
// sub-batches at the vector provider's own batch limit; zero leaves
// them bounded only by the adaptive sizer.
type EngineConfig struct {
	Collection        string
	MinBatchSize      int
	MaxBatchSize      int
	ProviderBatchSize int
	WindowSize        int
	TimeoutRetries    int
	MaxMemoryMB       float64
}

// Engine assembles chunks into batches and drives the vector store.
// Per-item outcomes are reported in input order; a whole-batch
// rejection fails every item in that batch and, when a retry
// orchestrator is wired, feeds those items back through it.
type Engine struct {
	cfg       EngineConfig
	store     domain.VectorStore
	vectors   VectorProvider
	sizer     *AdaptiveSizer
	collector *metrics.Collector
	retrier   *retry.Orchestrator[domain.Chunk]
}

// NewEngine wires an engine. vectors, collector, and retrier may be nil.
func NewEngine(cfg EngineConfig, store domain.VectorStore, vectors VectorProvider, collector *metrics.Collector, retrier *retry.Orchestrator[domain.Chunk]) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		vectors: vectors,
		sizer: NewAdaptiveSizer(SizerConfig{
			MinBatchSize: cfg.MinBatchSize,
			MaxBatchSize: cfg.MaxBatchSize,
			WindowSize:   cfg.WindowSize,
		}),
		collector: collector,
		retrier:   retrier,
	}
}

// Sizer exposes the shared adaptive sizer.
func (e *Engine) Sizer() *AdaptiveSizer { return e.sizer }

// Index embeds and writes chunks. Ids are assigned deterministically
// from the natural key when present, randomly otherwise; supplied ids
// must be valid UUIDs.
func (e *Engine) Index(ctx context.Context, chunks []domain.Chunk) (domain.BatchResult, error) {
	if len(chunks) == 0 {
		return domain.BatchResult{Success: true}, nil
	}
	assigned, err := assignIDs(chunks)
	if err != nil {
		return domain.BatchResult{}, err
	}

	result := domain.BatchResult{Success: true}
	for _, sub := range e.split(assigned) {
		e.dispatchInsert(ctx, sub, &result)
	}
	result.Processed = len(result.SuccessfulItems) + len(result.FailedItems)
	result.Errors = len(result.FailedItems)
	result.Success = result.Errors == 0
	return result, nil
}

// Update embeds chunks and rewrites existing points. Not-found is an
// error status for that item.
func (e *Engine) Update(ctx context.Context, chunks []domain.Chunk) (domain.BatchResult, error) {
	if len(chunks) == 0 {
		return domain.BatchResult{Success: true}, nil
	}
	assigned, err := assignIDs(chunks)
	if err != nil {
		return domain.BatchResult{}, err
	}

	result := domain.BatchResult{Success: true}
	for _, sub := range e.split(assigned) {
		e.dispatchUpdate(ctx, sub, &result)
	}
	result.Processed = len(result.SuccessfulItems) + len(result.FailedItems)
	result.Errors = len(result.FailedItems)
	result.Success = result.Errors == 0
	return result, nil
}

// Delete removes points by id in adaptive-sized sub-batches.
func (e *Engine) Delete(ctx context.Context, ids []string) (domain.BatchResult, error) {
	if len(ids) == 0 {
		return domain.BatchResult{Success: true}, nil
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return domain.BatchResult{}, domain.NewValidationError([]string{fmt.Sprintf("id %q is not a valid UUID", id)})
		}
	}

	result := domain.BatchResult{Success: true}
	size := e.sizer.OptimalBatchSize()
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		e.dispatchDelete(ctx, ids[start:end], &result)
	}
	result.Processed = len(result.SuccessfulItems) + len(result.FailedItems)
	result.Errors = len(result.FailedItems)
	result.Success = result.Errors == 0
	return result, nil
}

// Search runs a similarity query. Pagination is cursor-only; the filter
// is an opaque predicate passed through to the store adapter.
func (e *Engine) Search(ctx context.Context, q domain.Query) (domain.SearchResult, error) {
	scope := e.track("batch_search", q.Limit, nil)
	res, err := e.store.Search(ctx, e.cfg.Collection, q)
	scope.End(err)
	if err != nil {
		return domain.SearchResult{}, &domain.BatchError{Op: "search", Cause: err}
	}
	return res, nil
}

// dispatchInsert embeds one sub-batch with a single model call and
// writes it. A whole-batch rejection fails every item and hands them to
// the retry orchestrator.
func (e *Engine) dispatchInsert(ctx context.Context, chunks []domain.Chunk, result *domain.BatchResult) {
	started := time.Now()
	scope := e.track("batch_insert", len(chunks), nil)

	objects, embedErr := e.buildObjects(ctx, chunks)
	if embedErr != nil {
		scope.End(embedErr)
		e.failBatch(ctx, chunks, embedErr, result, started, nil)
		return
	}

	size := e.sizer.OptimalBatchSize()
	items, err := e.insertWithTimeoutRetries(ctx, objects, size)
	scope.End(err)
	if err != nil {
		e.failBatch(ctx, chunks, err, result, started, e.retryInsert)
		return
	}
	e.recordOutcome("batch_insert", chunks, items, result, started)
}

func (e *Engine) dispatchUpdate(ctx context.Context, chunks []domain.Chunk, result *domain.BatchResult) {
	started := time.Now()
	scope := e.track("batch_update", len(chunks), nil)

	objects, embedErr := e.buildObjects(ctx, chunks)
	if embedErr != nil {
		scope.End(embedErr)
		e.failBatch(ctx, chunks, embedErr, result, started, nil)
		return
	}

	items := make([]domain.ItemResult, len(objects))
	var firstErr error
	for i, obj := range objects {
		found, err := e.store.Update(ctx, e.cfg.Collection, obj.ID, obj.Payload)
		switch {
		case err != nil:
			items[i] = domain.ItemResult{ID: obj.ID, Status: domain.ItemStatusError, Err: err.Error()}
			if firstErr == nil {
				firstErr = err
			}
		case !found:
			items[i] = domain.ItemResult{ID: obj.ID, Status: domain.ItemStatusError, Err: domain.ErrNotFound.Error()}
		default:
			items[i] = domain.ItemResult{ID: obj.ID, Status: domain.ItemStatusSuccess}
		}
	}
	scope.End(firstErr)
	e.recordOutcome("batch_update", chunks, items, result, started)
}

func (e *Engine) dispatchDelete(ctx context.Context, ids []string, result *domain.BatchResult) {
	started := time.Now()
	scope := e.track("batch_delete", len(ids), nil)

	items, err := e.store.BatchDelete(ctx, e.cfg.Collection, ids, len(ids))
	scope.End(err)
	if err != nil {
		for _, id := range ids {
			result.FailedItems = append(result.FailedItems, domain.ItemFailure{ID: id, Err: err.Error()})
		}
		e.observe(len(ids), len(ids), started)
		e.logBatch("batch_delete", len(ids), 0, map[string]int{domain.ErrorKind(err): len(ids)}, started)
		return
	}

	chunks := make([]domain.Chunk, len(ids))
	for i, id := range ids {
		chunks[i] = domain.Chunk{ID: id}
	}
	e.recordOutcome("batch_delete", chunks, items, result, started)
}

// buildObjects attaches vectors (one model call for the whole batch)
// and payloads to the chunks.
func (e *Engine) buildObjects(ctx context.Context, chunks []domain.Chunk) ([]domain.VectorObject, error) {
	var processed []domain.ProcessedChunk
	if e.vectors != nil {
		var err error
		processed, err = e.vectors.ProcessBatch(ctx, chunks)
		if err != nil {
			return nil, err
		}
		if len(processed) != len(chunks) {
			return nil, &domain.BatchError{Op: "embed", Cause: fmt.Errorf("%d vectors for %d chunks", len(processed), len(chunks))}
		}
	}

	objects := make([]domain.VectorObject, len(chunks))
	for i, c := range chunks {
		payload := make(map[string]any, len(c.Metadata)+1)
		for k, v := range c.Metadata {
			payload[k] = v
		}
		payload["content"] = c.Content
		obj := domain.VectorObject{ID: c.ID, Payload: payload}
		if processed != nil {
			obj.Vector = processed[i].Vector
		}
		objects[i] = obj
	}
	return objects, nil
}

// insertWithTimeoutRetries retries a whole-batch write on timeout up to
// the configured bound. Other errors surface immediately.
func (e *Engine) insertWithTimeoutRetries(ctx context.Context, objects []domain.VectorObject, size int) ([]domain.ItemResult, error) {
	var lastErr error
	attempts := e.cfg.TimeoutRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		items, err := e.store.BatchInsert(ctx, e.cfg.Collection, objects, size, true)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if !isTimeout(err) {
			break
		}
		slog.Warn("batch insert timed out, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("batch_size", len(objects)))
	}
	return nil, lastErr
}

func isTimeout(err error) bool {
	kind := domain.ErrorKind(err)
	return kind == "timeout" || kind == "deadline"
}

// failBatch marks every chunk failed and, when a recovery op is given
// and the error is retryable, runs the chunks through the retry
// orchestrator before settling.
func (e *Engine) failBatch(ctx context.Context, chunks []domain.Chunk, cause error, result *domain.BatchResult, started time.Time, recoverOp func(context.Context, domain.Chunk) error) {
	if e.retrier != nil && recoverOp != nil && domain.IsRetryable(cause) {
		results, summary := e.retrier.Run(ctx, chunks, recoverOp)
		for _, r := range results {
			if r.Err == nil {
				result.SuccessfulItems = append(result.SuccessfulItems, r.Payload.ID)
			} else {
				result.FailedItems = append(result.FailedItems, domain.ItemFailure{ID: r.Payload.ID, Err: r.Err.Error()})
			}
		}
		slog.Warn("batch rejected, items retried individually",
			slog.Int("batch_size", len(chunks)),
			slog.Int("recovered", summary.SuccessfulRetries),
			slog.String("error_kind", domain.ErrorKind(cause)))
		e.observe(len(chunks), len(chunks)-summary.SuccessfulRetries, started)
		return
	}

	for _, c := range chunks {
		result.FailedItems = append(result.FailedItems, domain.ItemFailure{ID: c.ID, Err: cause.Error()})
	}
	e.observe(len(chunks), len(chunks), started)
	e.logBatch("batch_insert", len(chunks), 0, map[string]int{domain.ErrorKind(cause): len(chunks)}, started)
}

// retryInsert writes a single chunk, used by the orchestrator after a
// whole-batch rejection.
func (e *Engine) retryInsert(ctx context.Context, chunk domain.Chunk) error {
	objects, err := e.buildObjects(ctx, []domain.Chunk{chunk})
	if err != nil {
		return err
	}
	items, err := e.store.BatchInsert(ctx, e.cfg.Collection, objects, 1, false)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Status == domain.ItemStatusError {
			return &domain.BatchError{Op: "insert", Cause: fmt.Errorf("item %s: %s", it.ID, it.Err)}
		}
	}
	return nil
}

// recordOutcome folds per-item results into the aggregate, observes the
// performance sample, and emits the per-batch metric.
func (e *Engine) recordOutcome(op string, chunks []domain.Chunk, items []domain.ItemResult, result *domain.BatchResult, started time.Time) {
	byID := make(map[string]domain.ItemResult, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	errorTypes := make(map[string]int)
	successes := 0
	for _, c := range chunks {
		it, ok := byID[c.ID]
		if !ok {
			// Missing from the store's report counts as never written.
			result.FailedItems = append(result.FailedItems, domain.ItemFailure{ID: c.ID, Err: domain.ErrNotFound.Error()})
			errorTypes["not_found"]++
			continue
		}
		if it.Status == domain.ItemStatusSuccess {
			result.SuccessfulItems = append(result.SuccessfulItems, c.ID)
			successes++
		} else {
			result.FailedItems = append(result.FailedItems, domain.ItemFailure{ID: c.ID, Err: it.Err})
			errorTypes["store_error"]++
		}
	}

	e.observe(len(chunks), len(chunks)-successes, started)
	e.logBatch(op, len(chunks), successes, errorTypes, started)
}

// observe feeds the adaptive sizer with this batch's sample.
func (e *Engine) observe(total, errors int, started time.Time) {
	elapsed := time.Since(started)
	sample := domain.BatchPerformanceSample{
		BatchSize:  total,
		Duration:   elapsed,
		ErrorRate:  float64(errors) / float64(total),
		RecordedAt: time.Now(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		sample.ObjectsPerSec = float64(total) / secs
	}
	e.sizer.Observe(sample)
}

func (e *Engine) logBatch(op string, total, successes int, errorTypes map[string]int, started time.Time) {
	elapsed := time.Since(started)
	throughput := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(total) / secs
	}
	slog.Info("batch dispatched",
		slog.String("op", op),
		slog.Int("total", total),
		slog.Int("success", successes),
		slog.Int("errors", total-successes),
		slog.Float64("success_rate", float64(successes)/float64(total)),
		slog.Float64("throughput", throughput),
		slog.Any("error_types", errorTypes))
}

func (e *Engine) track(name string, batchSize int, metadata map[string]any) *metrics.Scope {
	if e.collector == nil {
		return nil
	}
	return e.collector.TrackOperation(name, batchSize, metadata)
}

// dispatchSize is the adaptive batch size capped at what the vector
// provider accepts in one call.
func (e *Engine) dispatchSize() int {
	size := e.sizer.OptimalBatchSize()
	if e.cfg.ProviderBatchSize > 0 && size > e.cfg.ProviderBatchSize {
		size = e.cfg.ProviderBatchSize
	}
	return size
}

// split partitions the input so every sub-batch fits the dispatch size
// and the memory estimate.
func (e *Engine) split(chunks []domain.Chunk) [][]domain.Chunk {
	size := e.dispatchSize()
	var out [][]domain.Chunk
	for start := 0; start < len(chunks); start += size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}
		out = append(out, e.splitForMemory(chunks[start:end])...)
	}
	return out
}

// splitForMemory halves a batch recursively until its estimated memory
// footprint fits the configured ceiling. Batches at or below the
// minimum size are never split further.
func (e *Engine) splitForMemory(chunks []domain.Chunk) [][]domain.Chunk {
	if e.cfg.MaxMemoryMB <= 0 || len(chunks) <= e.cfg.MinBatchSize {
		return [][]domain.Chunk{chunks}
	}
	if EstimateMemoryMB(chunks) <= e.cfg.MaxMemoryMB {
		return [][]domain.Chunk{chunks}
	}
	mid := len(chunks) / 2
	if mid == 0 {
		return [][]domain.Chunk{chunks}
	}
	out := e.splitForMemory(chunks[:mid])
	return append(out, e.splitForMemory(chunks[mid:])...)
}

// EstimateMemoryMB estimates the working-set footprint of a batch from
// its size and average text length.
func EstimateMemoryMB(chunks []domain.Chunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	var totalLen int
	for _, c := range chunks {
		totalLen += len(c.Content)
	}
	n := float64(len(chunks))
	avgLen := float64(totalLen) / n
	return (2*avgLen*n)/(1<<20) + 0.5*n
}

// assignIDs gives every chunk a stable id: the supplied one when it is
// a valid UUID, a deterministic UUIDv5 of the natural key when present,
// a random UUIDv4 otherwise.
func assignIDs(chunks []domain.Chunk) ([]domain.Chunk, error) {
	out := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		if c.ID != "" {
			if _, err := uuid.Parse(c.ID); err != nil {
				return nil, domain.NewValidationError([]string{fmt.Sprintf("chunk id %q is not a valid UUID", c.ID)})
			}
			out[i] = c
			continue
		}
		if key, ok := c.NaturalKey(); ok {
			c.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
		} else {
			c.ID = uuid.NewString()
		}
		out[i] = c
	}
	return out, nil
}
