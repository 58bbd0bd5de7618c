// Package app wires the ingestion pipeline: it pulls messages off the
// broker, decodes them, and drives the batch engine.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/doc-indexer/internal/broker"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/internal/observability"
	"github.com/fairyhunter13/doc-indexer/pkg/textx"
)

// Indexer is the batch engine surface the consumer drives.
type Indexer interface {
	Index(ctx context.Context, chunks []domain.Chunk) (domain.BatchResult, error)
	Update(ctx context.Context, chunks []domain.Chunk) (domain.BatchResult, error)
	Delete(ctx context.Context, ids []string) (domain.BatchResult, error)
}

// ChannelPool is the borrow surface of the broker connection manager.
type ChannelPool interface {
	AcquireChannel(ctx context.Context) (*broker.ChannelLease, error)
}

// Gate defers dispatch while processing preconditions fail and tracks
// consecutive dispatch failures.
type Gate interface {
	Validate() []string
	RecordSuccess()
	RecordFailure()
}

// Topology names the exchange, queue, and binding the consumer declares
// before subscribing.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Consumer subscribes to the ingestion queue and dispatches each
// message through the batch engine. Messages are settled manually:
// handled messages are acked, undecodable ones are dropped, and
// retryable dispatch failures are requeued.
type Consumer struct {
	pool    ChannelPool
	indexer Indexer
	topo    Topology
	gate    Gate

	// retryWait separates consume attempts after a channel failure.
	retryWait time.Duration
	// deferWait holds a gated message before it is requeued, so low
	// memory does not turn into a tight nack and redeliver loop.
	deferWait time.Duration
}

// NewConsumer builds a consumer over a channel pool and an indexer.
func NewConsumer(pool ChannelPool, indexer Indexer, topo Topology) *Consumer {
	return &Consumer{
		pool:      pool,
		indexer:   indexer,
		topo:      topo,
		retryWait: 2 * time.Second,
		deferWait: 5 * time.Second,
	}
}

// WithGate installs a processing precondition gate.
func (c *Consumer) WithGate(g Gate) *Consumer {
	c.gate = g
	return c
}

// Run consumes until the context is canceled or the pool shuts down.
// Channel failures are logged and the subscription is re-established on
// a fresh channel.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consumeOnce(ctx)
		switch {
		case err == nil:
			// Consume only returns on failure or cancellation.
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, domain.ErrShutdown):
			return err
		default:
			slog.Error("consume loop failed, resubscribing",
				slog.String("queue", c.topo.Queue),
				slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryWait):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	lease, err := c.pool.AcquireChannel(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	ch := lease.Channel()
	if err := c.declare(ch); err != nil {
		return err
	}
	slog.Info("consuming ingestion queue",
		slog.String("queue", c.topo.Queue),
		slog.String("connection_id", lease.ConnectionID()))
	return ch.Consume(ctx, c.topo.Queue, func(d domain.Delivery) error {
		return c.handle(ctx, d)
	})
}

func (c *Consumer) declare(ch domain.Channel) error {
	if err := ch.DeclareExchange(c.topo.Exchange, "topic", true); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.topo.Exchange, err)
	}
	if _, err := ch.DeclareQueue(c.topo.Queue, true); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.topo.Queue, err)
	}
	if err := ch.Bind(c.topo.Queue, c.topo.Exchange, c.topo.RoutingKey); err != nil {
		return fmt.Errorf("bind %s to %s: %w", c.topo.Queue, c.topo.Exchange, err)
	}
	return nil
}

// ingestMessage is the wire format of one ingestion message.
type ingestMessage struct {
	Action   string         `json:"action"`
	Chunks   []ingestChunk  `json:"chunks"`
	IDs      []string       `json:"ids"`
	Metadata map[string]any `json:"metadata"`
}

type ingestChunk struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (c *Consumer) handle(ctx context.Context, d domain.Delivery) (err error) {
	ctx, span := observability.StartSpan(ctx, "ingest.message",
		attribute.String("queue", c.topo.Queue),
		attribute.String("routing_key", d.RoutingKey))
	defer func() { observability.EndSpan(span, err) }()

	var msg ingestMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		// Poison message: drop without requeue.
		observability.MessagesConsumedTotal.WithLabelValues(c.topo.Queue, "malformed").Inc()
		_ = d.Nack(false)
		return fmt.Errorf("decode ingestion message: %w", err)
	}

	if c.gate != nil {
		if msgs := c.gate.Validate(); len(msgs) > 0 {
			observability.MessagesConsumedTotal.WithLabelValues(c.topo.Queue, "deferred").Inc()
			// Hold the message before requeueing it. Without the pause a
			// gated queue redelivers the same message in a tight loop
			// until memory frees up.
			select {
			case <-ctx.Done():
			case <-time.After(c.deferWait):
			}
			_ = d.Nack(true)
			return fmt.Errorf("dispatch gated: %s: %w", strings.Join(msgs, "; "), domain.ErrResourceExhausted)
		}
	}

	result, err := c.dispatch(ctx, msg)
	if err != nil {
		if c.gate != nil {
			c.gate.RecordFailure()
		}
		observability.MessagesConsumedTotal.WithLabelValues(c.topo.Queue, "error").Inc()
		_ = d.Nack(domain.IsRetryable(err))
		return err
	}
	if c.gate != nil {
		c.gate.RecordSuccess()
	}

	observability.MessagesConsumedTotal.WithLabelValues(c.topo.Queue, "success").Inc()
	observability.ChunksProcessedTotal.WithLabelValues("success").Add(float64(len(result.SuccessfulItems)))
	observability.ChunksProcessedTotal.WithLabelValues("error").Add(float64(len(result.FailedItems)))
	if !result.Success {
		slog.Warn("ingestion message partially failed",
			slog.String("action", msg.Action),
			slog.Int("processed", result.Processed),
			slog.Int("errors", result.Errors))
	}
	return d.Ack()
}

func (c *Consumer) dispatch(ctx context.Context, msg ingestMessage) (domain.BatchResult, error) {
	action := msg.Action
	if action == "" {
		action = "index"
	}
	switch action {
	case "index":
		return c.indexer.Index(ctx, toChunks(msg))
	case "update":
		return c.indexer.Update(ctx, toChunks(msg))
	case "delete":
		return c.indexer.Delete(ctx, msg.IDs)
	default:
		return domain.BatchResult{}, domain.NewValidationError(
			[]string{fmt.Sprintf("unknown action %q", msg.Action)})
	}
}

// toChunks converts wire chunks, folding the message-level metadata
// under each chunk's own fields.
func toChunks(msg ingestMessage) []domain.Chunk {
	chunks := make([]domain.Chunk, len(msg.Chunks))
	for i, in := range msg.Chunks {
		meta := in.Metadata
		if len(msg.Metadata) > 0 {
			meta = make(map[string]any, len(msg.Metadata)+len(in.Metadata))
			for k, v := range msg.Metadata {
				meta[k] = v
			}
			for k, v := range in.Metadata {
				meta[k] = v
			}
		}
		chunks[i] = domain.Chunk{ID: in.ID, Content: textx.SanitizeText(in.Content), Metadata: meta}
	}
	return chunks
}
