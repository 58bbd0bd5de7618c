package observability

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_consumed_total",
			Help: "Total number of ingestion messages consumed",
		},
		[]string{"queue", "status"},
	)
	BatchesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batches_dispatched_total",
			Help: "Total number of batches dispatched to the vector store",
		},
		[]string{"op", "status"},
	)
	ChunksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunks_processed_total",
			Help: "Total number of chunks processed by outcome",
		},
		[]string{"status"},
	)
	BatchSizeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_optimal_size",
			Help: "Current adaptive batch size",
		},
	)
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts by outcome",
		},
		[]string{"status"},
	)
)

// InitMetrics registers the static pipeline collectors.
func InitMetrics(reg *prometheus.Registry) {
	reg.MustRegister(MessagesConsumedTotal)
	reg.MustRegister(BatchesDispatchedTotal)
	reg.MustRegister(ChunksProcessedTotal)
	reg.MustRegister(BatchSizeGauge)
	reg.MustRegister(RetryAttemptsTotal)
}

// PromSink adapts a Prometheus registry to the MetricsSink port. Vecs
// are created lazily per metric name; the label set of the first
// recording fixes the metric's label names.
type PromSink struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labelNames map[string][]string
}

// NewPromSink wires a sink to a registry.
func NewPromSink(reg *prometheus.Registry) *PromSink {
	return &PromSink{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labelNames: make(map[string][]string),
	}
}

// Counter implements MetricsSink.
func (s *PromSink) Counter(name string, delta float64, labels map[string]string) {
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, s.namesFor(name, labels))
		s.reg.MustRegister(vec)
		s.counters[name] = vec
	}
	values := s.valuesFor(name, labels)
	s.mu.Unlock()
	vec.WithLabelValues(values...).Add(delta)
}

// Histogram implements MetricsSink.
func (s *PromSink) Histogram(name string, value float64, labels map[string]string) {
	s.mu.Lock()
	vec, ok := s.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.DefBuckets,
		}, s.namesFor(name, labels))
		s.reg.MustRegister(vec)
		s.histograms[name] = vec
	}
	values := s.valuesFor(name, labels)
	s.mu.Unlock()
	vec.WithLabelValues(values...).Observe(value)
}

// Gauge implements MetricsSink.
func (s *PromSink) Gauge(name string, value float64, labels map[string]string) {
	s.mu.Lock()
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, s.namesFor(name, labels))
		s.reg.MustRegister(vec)
		s.gauges[name] = vec
	}
	values := s.valuesFor(name, labels)
	s.mu.Unlock()
	vec.WithLabelValues(values...).Set(value)
}

// namesFor fixes the label names of name on first use. Called with the
// lock held.
func (s *PromSink) namesFor(name string, labels map[string]string) []string {
	if names, ok := s.labelNames[name]; ok {
		return names
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	s.labelNames[name] = names
	return names
}

// valuesFor extracts values in the metric's fixed label order. Missing
// labels record as empty. Called with the lock held.
func (s *PromSink) valuesFor(name string, labels map[string]string) []string {
	names := s.labelNames[name]
	values := make([]string, len(names))
	for i, k := range names {
		values[i] = labels[k]
	}
	return values
}
