package metrics

import (
	"time"

	"log/slog"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Scope is a scoped timer returned by TrackOperation. End must be
// called exactly once; later calls are no-ops.
type Scope struct {
	collector *Collector
	name      string
	batchSize int
	metadata  map[string]any
	start     time.Time
	rss       func() (float64, bool)
	ended     bool
}

// TrackOperation starts a scoped timer for a named operation.
// batchSize <= 0 means the operation is not batch-shaped.
func (c *Collector) TrackOperation(name string, batchSize int, metadata map[string]any) *Scope {
	return &Scope{
		collector: c,
		name:      name,
		batchSize: batchSize,
		metadata:  metadata,
		start:     time.Now(),
		rss:       processRSSMB,
	}
}

// End closes the scope. A nil err appends a success sample; a non-nil
// err appends a failure sample carrying the error kind in metadata.
// Duration is measured either way. Safe on a nil scope.
func (s *Scope) End(err error) {
	if s == nil || s.ended {
		return
	}
	s.ended = true

	meta := s.metadata
	if err != nil {
		meta = cloneMeta(meta)
		meta["error_kind"] = domain.ErrorKind(err)
	}

	var memMB float64
	if mb, ok := s.rss(); ok {
		memMB = mb
	}

	s.collector.Record(domain.OperationMetric{
		Name:      s.name,
		Duration:  time.Since(s.start),
		MemoryMB:  memMB,
		BatchSize: s.batchSize,
		Success:   err == nil,
		Metadata:  meta,
	})

	if err != nil {
		slog.Debug("operation failed",
			slog.String("operation", s.name),
			slog.String("error_kind", domain.ErrorKind(err)),
			slog.Duration("duration", time.Since(s.start)))
	}
}

func cloneMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
