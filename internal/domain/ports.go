package domain

import (
	"context"
	"crypto/tls"
	"time"
)

// Ports to external collaborators. Implementations live under
// internal/adapter and are responsible for translating native errors
// into the taxonomy in errors.go.

//go:generate mockery --name=VectorStore --with-expecter --filename=vector_store_mock.go
//go:generate mockery --name=EmbeddingModel --with-expecter --filename=embedding_model_mock.go
//go:generate mockery --name=TextModel --with-expecter --filename=text_model_mock.go
//go:generate mockery --name=Broker --with-expecter --filename=broker_mock.go

// VectorObject is one point written to the vector store.
type VectorObject struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Query describes a similarity search. Filter is an opaque predicate
// produced by the adapter; the core never inspects it. Pagination is
// cursor-only.
type Query struct {
	Vector []float32
	Text   string
	Filter map[string]any
	Limit  int
	Cursor string
}

// SearchHit is a single search result item.
type SearchHit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// SearchResult is the outcome of a similarity search. Total counts the
// hits on this page, not across the whole result set; callers page with
// NextCursor until it is empty.
type SearchResult struct {
	Items      []SearchHit
	Total      int
	TookMs     int64
	NextCursor string
}

// CollectionStats summarizes a collection.
type CollectionStats struct {
	Count   int64
	PerType map[string]int64
	Status  string
}

// VectorStore is the persistence capability the batch engine drives.
type VectorStore interface {
	Create(ctx context.Context, collection string, obj map[string]any, id string) (string, error)
	Get(ctx context.Context, collection, id string) (map[string]any, error)
	Update(ctx context.Context, collection, id string, obj map[string]any) (bool, error)
	Delete(ctx context.Context, collection, id string) (bool, error)
	BatchInsert(ctx context.Context, collection string, items []VectorObject, size int, dynamic bool) ([]ItemResult, error)
	BatchDelete(ctx context.Context, collection string, ids []string, size int) ([]ItemResult, error)
	Search(ctx context.Context, collection string, q Query) (SearchResult, error)
	Stats(ctx context.Context, collection string) (CollectionStats, error)
	Health(ctx context.Context) bool
}

// EmbeddingModel produces fixed-dimension vectors for texts.
// Batch form produces len(texts) vectors with one model invocation.
type EmbeddingModel interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// TextModel annotates text with tokens, lemmas, POS tags, and entities.
type TextModel interface {
	Annotate(ctx context.Context, text string) (Annotation, error)
}

// ConnectParams configures a robust broker connection.
type ConnectParams struct {
	Name      string
	Heartbeat time.Duration
	TLS       *tls.Config
}

// Broker dials AMQP-style connections. The connection core is written
// against this port and never imports a concrete client.
type Broker interface {
	ConnectRobust(ctx context.Context, url string, params ConnectParams) (Connection, error)
}

// Connection is a live broker connection owning channels.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Delivery is a consumed message. Ack and Nack settle it.
type Delivery struct {
	Body       []byte
	RoutingKey string
	Ack        func() error
	Nack       func(requeue bool) error
}

// Channel is a multiplexed unit of work on a connection.
type Channel interface {
	SetQoS(prefetch int) error
	Publish(ctx context.Context, exchange, routingKey string, body []byte, persistent bool) error
	DeclareExchange(name, kind string, durable bool) error
	DeclareQueue(name string, durable bool) (string, error)
	Bind(queue, exchange, routingKey string) error
	Consume(ctx context.Context, queue string, handler func(Delivery) error) error
	IsClosed() bool
	Close() error
}

// MetricsSink accepts counters, histograms, and gauges. Naming is the
// caller's responsibility. Implementations must be safe for concurrent
// recording.
type MetricsSink interface {
	Counter(name string, delta float64, labels map[string]string)
	Histogram(name string, value float64, labels map[string]string)
	Gauge(name string, value float64, labels map[string]string)
}

// NopSink discards all recordings. Useful for tests and optional wiring.
type NopSink struct{}

// Counter implements MetricsSink.
func (NopSink) Counter(string, float64, map[string]string) {}

// Histogram implements MetricsSink.
func (NopSink) Histogram(string, float64, map[string]string) {}

// Gauge implements MetricsSink.
func (NopSink) Gauge(string, float64, map[string]string) {}
