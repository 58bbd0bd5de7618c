// Package batch assembles items into batches, dispatches them against
// the vector store, and adapts batch size from a sliding performance
// window.
package batch

import (
	"math"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// SizerConfig bounds the adaptive sizer.
type SizerConfig struct {
	MinBatchSize int
	MaxBatchSize int
	WindowSize   int
}

// Tuning thresholds for the sizing rules.
const (
	highErrorRate      = 0.10
	lowErrorRate       = 0.05
	highThroughputRate = 100.0
	shrinkFactor       = 0.8
	growFactor         = 1.2
)

// AdaptiveSizer keeps a bounded window of batch performance samples and
// derives the next batch size from the window's median error rate and
// mean throughput. Shared across dispatches; all access is serialized.
type AdaptiveSizer struct {
	mu      sync.Mutex
	cfg     SizerConfig
	window  []domain.BatchPerformanceSample
	optimal int
}

// NewAdaptiveSizer starts at the configured maximum.
func NewAdaptiveSizer(cfg SizerConfig) *AdaptiveSizer {
	return &AdaptiveSizer{
		cfg:     cfg,
		window:  make([]domain.BatchPerformanceSample, 0, cfg.WindowSize),
		optimal: cfg.MaxBatchSize,
	}
}

// OptimalBatchSize returns the current recommendation, clamped to the
// configured bounds.
func (a *AdaptiveSizer) OptimalBatchSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clamp(a.optimal)
}

// Observe records a sample and recomputes the recommendation. With
// fewer than two samples the size is left unchanged.
func (a *AdaptiveSizer) Observe(sample domain.BatchPerformanceSample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now()
	}
	if len(a.window) >= a.cfg.WindowSize {
		a.window = a.window[1:]
	}
	a.window = append(a.window, sample)

	if len(a.window) < 2 {
		return
	}

	errorRate := a.medianErrorRate()
	throughput := a.meanThroughput()
	current := a.window[len(a.window)-1].BatchSize

	next := current
	switch {
	case errorRate > highErrorRate:
		next = int(math.Floor(float64(current) * shrinkFactor))
	case throughput > highThroughputRate && errorRate < lowErrorRate:
		next = int(math.Floor(float64(current) * growFactor))
	}
	next = a.clamp(next)

	if next != a.optimal {
		slog.Debug("batch size adapted",
			slog.Int("previous", a.optimal),
			slog.Int("next", next),
			slog.Float64("error_rate", errorRate),
			slog.Float64("throughput", throughput))
	}
	a.optimal = next
}

// Window returns a copy of the current samples, oldest first.
func (a *AdaptiveSizer) Window() []domain.BatchPerformanceSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.BatchPerformanceSample, len(a.window))
	copy(out, a.window)
	return out
}

func (a *AdaptiveSizer) clamp(size int) int {
	if size < a.cfg.MinBatchSize {
		return a.cfg.MinBatchSize
	}
	if size > a.cfg.MaxBatchSize {
		return a.cfg.MaxBatchSize
	}
	return size
}

// medianErrorRate is called with the lock held.
func (a *AdaptiveSizer) medianErrorRate() float64 {
	rates := make([]float64, len(a.window))
	for i, s := range a.window {
		rates[i] = s.ErrorRate
	}
	sort.Float64s(rates)
	n := len(rates)
	if n%2 == 1 {
		return rates[n/2]
	}
	return (rates[n/2-1] + rates[n/2]) / 2
}

// meanThroughput is called with the lock held.
func (a *AdaptiveSizer) meanThroughput() float64 {
	var sum float64
	for _, s := range a.window {
		sum += s.ObjectsPerSec
	}
	return sum / float64(len(a.window))
}
