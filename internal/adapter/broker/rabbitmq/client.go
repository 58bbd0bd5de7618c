// Package rabbitmq implements the Broker, Connection, and Channel
// ports over the AMQP 0-9-1 client.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Broker dials AMQP connections. Confirms enables publisher confirms
// on every channel it opens.
type Broker struct {
	Confirms bool
}

var _ domain.Broker = (*Broker)(nil)

// ConnectRobust dials url with the connection name, heartbeat, and TLS
// from params. Errors are translated into the domain taxonomy.
func (b *Broker) ConnectRobust(ctx context.Context, url string, params domain.ConnectParams) (domain.Connection, error) {
	cfg := amqp.Config{
		Heartbeat:       params.Heartbeat,
		TLSClientConfig: params.TLS,
		Properties:      amqp.Table{"connection_name": params.Name},
	}

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(url, cfg)
		done <- dialResult{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("dial broker: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, translate(r.err)
		}
		return &connection{conn: r.conn, confirms: b.Confirms}, nil
	}
}

type connection struct {
	conn     *amqp.Connection
	confirms bool
}

func (c *connection) Channel() (domain.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, translate(err)
	}
	if c.confirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, translate(err)
		}
	}
	return &channel{ch: ch, confirms: c.confirms}, nil
}

func (c *connection) IsClosed() bool { return c.conn.IsClosed() }

func (c *connection) Close() error { return c.conn.Close() }

type channel struct {
	ch       *amqp.Channel
	confirms bool
}

func (c *channel) SetQoS(prefetch int) error {
	return translate(c.ch.Qos(prefetch, 0, false))
}

func (c *channel) Publish(ctx context.Context, exchange, routingKey string, body []byte, persistent bool) error {
	msg := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	if c.confirms {
		confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
		if err != nil {
			return translate(err)
		}
		ok, err := confirm.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("await publisher confirm: %w", err)
		}
		if !ok {
			return fmt.Errorf("publish to %s/%s nacked: %w", exchange, routingKey, domain.ErrBrokerChannel)
		}
		return nil
	}
	return translate(c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg))
}

func (c *channel) DeclareExchange(name, kind string, durable bool) error {
	return translate(c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil))
}

func (c *channel) DeclareQueue(name string, durable bool) (string, error) {
	q, err := c.ch.QueueDeclare(name, durable, false, false, false, nil)
	if err != nil {
		return "", translate(err)
	}
	return q.Name, nil
}

func (c *channel) Bind(queue, exchange, routingKey string) error {
	return translate(c.ch.QueueBind(queue, routingKey, exchange, false, nil))
}

// Consume delivers messages to handler until the context is canceled
// or the channel closes. Handler errors are logged; settling is the
// handler's responsibility through Ack/Nack.
func (c *channel) Consume(ctx context.Context, queue string, handler func(domain.Delivery) error) error {
	deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return translate(err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: %w", queue, domain.ErrBrokerChannel)
			}
			msg := d
			delivery := domain.Delivery{
				Body:       msg.Body,
				RoutingKey: msg.RoutingKey,
				Ack:        func() error { return msg.Ack(false) },
				Nack:       func(requeue bool) error { return msg.Nack(false, requeue) },
			}
			if err := handler(delivery); err != nil {
				slog.Warn("message handler failed",
					slog.String("queue", queue),
					slog.String("routing_key", msg.RoutingKey),
					slog.Any("error", err))
			}
		}
	}
}

func (c *channel) IsClosed() bool { return c.ch.IsClosed() }

func (c *channel) Close() error { return c.ch.Close() }

// translate maps AMQP errors into the domain taxonomy. Access and
// login failures are terminal; everything else is a transient
// connection problem.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotAllowed:
			return fmt.Errorf("amqp %d %s: %w", amqpErr.Code, amqpErr.Reason, domain.ErrAuthentication)
		case amqp.ChannelError, amqp.PreconditionFailed, amqp.ResourceLocked:
			return fmt.Errorf("amqp %d %s: %w", amqpErr.Code, amqpErr.Reason, domain.ErrBrokerChannel)
		default:
			return fmt.Errorf("amqp %d %s: %w", amqpErr.Code, amqpErr.Reason, domain.ErrBrokerConnection)
		}
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%v: %w", err, domain.ErrBrokerConnection)
	}
	if errors.Is(err, amqp.ErrCredentials) {
		return fmt.Errorf("%v: %w", err, domain.ErrAuthentication)
	}
	return fmt.Errorf("amqp: %w", err)
}
