package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/broker"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
)

const (
	// Reconnection parameters
	maxReconnectDelay  = 30 * time.Second
	baseReconnectDelay = 1 * time.Second
)

// Consumer listens to RabbitMQ and dispatches change messages (with ACK callbacks) to a channel.
type Consumer struct {
	url        string
	topology   broker.Topology
	prefetch   int
	conn       *amqplib.Connection
	channel    *amqplib.Channel
	logger     *zap.Logger
	deliveries chan<- *domain.Delivery

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// NewConsumer creates a new RabbitMQ consumer.
// The consumer does not auto-ACK. Each delivery is wrapped with Ack/Nack
// callbacks that the worker pool calls once the import has settled.
func NewConsumer(url string, topology broker.Topology, prefetch int, deliveries chan<- *domain.Delivery, logger *zap.Logger) (*Consumer, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	c := &Consumer{
		url:        url,
		topology:   topology,
		prefetch:   prefetch,
		logger:     logger,
		deliveries: deliveries,
		closeCh:    make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	return c, nil
}

// connect establishes the AMQP connection and channel and declares the topology.
func (c *Consumer) connect() error {
	conn, err := amqplib.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	// Only deliver as many unacknowledged messages as there are workers.
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}

	if err := broker.Declare(ch, c.topology); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	return nil
}

// Start begins consuming messages. It blocks until the context is cancelled.
// On connection loss it automatically reconnects with exponential backoff.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if err == nil {
			// Context was cancelled, clean shutdown.
			return nil
		}

		if c.stopping(ctx) {
			return nil
		}

		c.logger.Warn("AMQP consumer lost connection, reconnecting...", zap.Error(err))
		if !c.reconnect(ctx) {
			return nil
		}
	}
}

func (c *Consumer) stopping(ctx context.Context) bool {
	select {
	case <-c.closeCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// reconnect retries connect until it succeeds or the consumer stops. It
// reports whether a connection was established.
func (c *Consumer) reconnect(ctx context.Context) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseReconnectDelay
	b.MaxInterval = maxReconnectDelay

	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		c.logger.Info("Reconnect attempt",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-c.closeCh:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		if err := c.connect(); err != nil {
			c.logger.Error("Reconnect failed", zap.Error(err))
			continue
		}

		c.logger.Info("Reconnected to RabbitMQ")
		return true
	}
}

// consume runs one consume session until the delivery channel closes or ctx is cancelled.
func (c *Consumer) consume(ctx context.Context) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("channel is nil")
	}

	deliveries, err := ch.Consume(
		c.topology.Queue,
		"",    // auto-generated consumer tag
		false, // auto-ack disabled (manual ack)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	c.logger.Info("AMQP consumer started", zap.String("queue", c.topology.Queue), zap.Int("prefetch", c.prefetch))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("AMQP consumer stopping (context cancelled)")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			msg, err := DecodeChangeMessage(delivery.Body)
			if err != nil {
				c.logger.Error("Failed to decode change message",
					zap.Error(err),
					zap.String("body", string(delivery.Body)),
				)
				delivery.Nack(false, false) // reject → DLQ
				continue
			}

			c.logger.Debug("Received change message",
				zap.String("message_id", msg.MessageID.String()),
				zap.String("identifier", msg.Identifier),
			)

			// Create a local copy of the delivery tag so the closures are safe.
			tag := delivery.DeliveryTag
			localCh := ch

			d := &domain.Delivery{
				Message: msg,
				Ack: func() error {
					return localCh.Ack(tag, false)
				},
				Nack: func(requeue bool) error {
					return localCh.Nack(tag, false, requeue)
				},
			}

			// Dispatch to worker pool. This blocks when every worker is busy,
			// which with the prefetch limit gives back-pressure.
			select {
			case c.deliveries <- d:
			case <-ctx.Done():
				// Shutting down, nack so the message is requeued.
				delivery.Nack(false, true)
				return nil
			}
		}
	}
}

// DecodeChangeMessage parses and validates a change message body. A message
// without an id, a known source or an identifier cannot be imported.
func DecodeChangeMessage(body []byte) (*domain.ChangeMessage, error) {
	var msg domain.ChangeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode change message: %w", err)
	}
	if msg.MessageID == uuid.Nil {
		return nil, errors.New("decode change message: missing message_id")
	}
	if _, err := domain.ParseSource(string(msg.Source)); err != nil {
		return nil, fmt.Errorf("decode change message: %w", err)
	}
	msg.Identifier = strings.TrimSpace(msg.Identifier)
	if msg.Identifier == "" {
		return nil, fmt.Errorf("decode change message: %w", domain.ErrMissingIdentifier)
	}
	return &msg, nil
}

// Healthy reports whether the consumer holds an open connection.
func (c *Consumer) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

// Close gracefully shuts down the consumer.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
