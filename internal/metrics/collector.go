// Package metrics provides in-process aggregation of operation samples
// and window statistics for the pipeline.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// DefaultCapacity is the per-operation ring size when none is given.
const DefaultCapacity = 1024

// Stats summarizes the duration samples of one operation name over the
// active window. Values are milliseconds.
type Stats struct {
	Count  int
	Mean   float64
	Median float64
	Min    float64
	Max    float64
}

// Collector records per-operation samples into bounded rings and
// mirrors them into an optional MetricsSink.
type Collector struct {
	mu       sync.RWMutex
	capacity int
	samples  map[string][]domain.OperationMetric
	sink     domain.MetricsSink
}

// NewCollector creates a collector. capacity <= 0 selects DefaultCapacity;
// a nil sink disables mirroring.
func NewCollector(capacity int, sink domain.MetricsSink) *Collector {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Collector{
		capacity: capacity,
		samples:  make(map[string][]domain.OperationMetric),
		sink:     sink,
	}
}

// Record appends a sample to the ring for its operation name, dropping
// the oldest entry once the ring is full. Missing metadata never aborts
// recording.
func (c *Collector) Record(m domain.OperationMetric) {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}

	c.mu.Lock()
	ring := append(c.samples[m.Name], m)
	if len(ring) > c.capacity {
		ring = ring[len(ring)-c.capacity:]
	}
	c.samples[m.Name] = ring
	c.mu.Unlock()

	status := "success"
	if !m.Success {
		status = "error"
	}
	c.sink.Histogram("operation_duration_seconds", m.Duration.Seconds(), map[string]string{
		"operation": m.Name,
		"status":    status,
	})
}

// Stats computes window statistics over the retained samples of name.
func (c *Collector) Stats(name string) Stats {
	c.mu.RLock()
	ring := c.samples[name]
	durations := make([]float64, len(ring))
	for i, m := range ring {
		durations[i] = float64(m.Duration) / float64(time.Millisecond)
	}
	c.mu.RUnlock()

	if len(durations) == 0 {
		return Stats{}
	}
	sort.Float64s(durations)

	sum := 0.0
	for _, d := range durations {
		sum += d
	}
	return Stats{
		Count:  len(durations),
		Mean:   sum / float64(len(durations)),
		Median: median(durations),
		Min:    durations[0],
		Max:    durations[len(durations)-1],
	}
}

// SuccessRate returns the fraction of successful samples for name over
// the active window, or 1.0 when no samples exist.
func (c *Collector) SuccessRate(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring := c.samples[name]
	if len(ring) == 0 {
		return 1.0
	}
	ok := 0
	for _, m := range ring {
		if m.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(ring))
}

// AvgDuration returns the mean duration for name over the active window.
func (c *Collector) AvgDuration(name string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring := c.samples[name]
	if len(ring) == 0 {
		return 0
	}
	var total time.Duration
	for _, m := range ring {
		total += m.Duration
	}
	return total / time.Duration(len(ring))
}

// Len reports the number of retained samples for name.
func (c *Collector) Len(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.samples[name])
}

// median assumes sorted input.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
