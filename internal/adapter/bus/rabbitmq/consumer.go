package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

const (
	consumerPrefetch  = 10
	reconnectInterval = 5 * time.Second
)

// Settler settles a finished job from a worker result.
type Settler interface {
	Settle(ctx context.Context, result domain.ResultEnvelope) error
}

// ResultsConsumer reads worker results from the results queue on its own
// dedicated connection and drives settlement. It survives broker restarts by
// reconnecting in a loop.
type ResultsConsumer struct {
	cfg     Config
	settler Settler

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	stop     chan struct{}
	stopOnce sync.Once
}

// NewResultsConsumer constructs a ResultsConsumer.
func NewResultsConsumer(cfg Config, settler Settler) *ResultsConsumer {
	return &ResultsConsumer{
		cfg:     cfg,
		settler: settler,
		stop:    make(chan struct{}),
	}
}

// Run consumes until the context is cancelled or Stop is called. Connection
// and channel failures are retried every 5 seconds.
func (c *ResultsConsumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		if err := c.consumeOnce(ctx); err != nil {
			slog.Error("results consumer stopped, will reconnect",
				slog.Duration("retry_in", reconnectInterval),
				slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-time.After(reconnectInterval):
		}
	}
}

// consumeOnce dials, declares topology defensively, then blocks draining
// deliveries until the channel dies.
func (c *ResultsConsumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Dial:      amqp.DefaultDial(c.cfg.ConnectTimeout),
	})
	if err != nil {
		return fmt.Errorf("op=results.dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("op=results.channel: %w", err)
	}
	defer ch.Close()

	// The service may start before the publisher has declared anything.
	if err := declareResultsTopology(ch, c.cfg.Topology); err != nil {
		return err
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		return fmt.Errorf("op=results.qos: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.Topology.ResultsQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("op=results.consume: %w", err)
	}

	c.mu.Lock()
	c.conn, c.ch = conn, ch
	c.mu.Unlock()

	slog.Info("results consumer started",
		slog.String("queue", c.cfg.Topology.ResultsQueue),
		slog.Int("prefetch", consumerPrefetch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("op=results.consume: delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// handle settles one delivery. Malformed payloads are acknowledged and
// dropped so they cannot poison the queue; transient settlement failures are
// requeued for another attempt.
func (c *ResultsConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var result domain.ResultEnvelope
	if err := json.Unmarshal(d.Body, &result); err != nil {
		slog.Warn("dropping malformed result payload",
			slog.String("message_id", d.MessageId),
			slog.Any("error", err))
		_ = d.Ack(false)
		return
	}
	if _, err := strconv.ParseInt(result.TaskID, 10, 64); err != nil {
		slog.Warn("dropping result with non-numeric task id",
			slog.String("task_id", result.TaskID))
		_ = d.Ack(false)
		return
	}

	err := c.settler.Settle(ctx, result)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, domain.ErrAlreadySettled):
		// Redelivery after a crash between settle and ack; settlement is
		// idempotent so the duplicate is simply confirmed.
		slog.Info("duplicate result acknowledged", slog.String("task_id", result.TaskID))
		_ = d.Ack(false)
	case errors.Is(err, domain.ErrNotFound):
		// No such job can ever appear later; jobs are committed before the
		// task is published. Requeueing would loop forever.
		slog.Warn("dropping result for unknown job", slog.String("task_id", result.TaskID))
		_ = d.Ack(false)
	default:
		slog.Error("settlement failed, requeueing result",
			slog.String("task_id", result.TaskID),
			slog.Any("error", err))
		_ = d.Nack(false, true)
	}
}

// Stop ends consumption, closing the channel before the connection.
func (c *ResultsConsumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
