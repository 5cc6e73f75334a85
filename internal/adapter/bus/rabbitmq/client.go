// Package rabbitmq implements the bus client: pooled connections and
// channels, declarative topology, confirmed publishes with bounded retry,
// correlation-id RPC and the durable results consumer.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

const (
	maxConnections = 2
	maxChannels    = 10

	appID = "ml-credit-dispatch"
)

// Topology names the exchanges and queues the service declares on first use.
type Topology struct {
	TasksExchange   string
	TasksQueue      string
	RPCQueue        string
	ResultsExchange string
	ResultsQueue    string
}

// Config carries broker connection and retry settings.
type Config struct {
	URL            string
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryBase      time.Duration
	RetryCap       time.Duration
	Topology       Topology
}

// Client holds a small pool of broker connections and a larger pool of
// channels opened on them. Channels are checked out per operation and always
// returned, including on error paths.
type Client struct {
	cfg Config

	mu       sync.Mutex
	conns    []*amqp.Connection
	nextConn int
	open     int // channels currently alive
	declared bool

	idle chan *amqp.Channel
}

// NewClient constructs a Client. Connections are dialed lazily on first use.
func NewClient(cfg Config) *Client {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 5 * time.Second
	}
	return &Client{
		cfg:  cfg,
		idle: make(chan *amqp.Channel, maxChannels),
	}
}

func (c *Client) dial() (*amqp.Connection, error) {
	return amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Dial:      amqp.DefaultDial(c.cfg.ConnectTimeout),
	})
}

// connection returns a live connection from the pool, dialing or replacing
// closed ones as needed. Callers must hold no channel while calling.
func (c *Client) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionLocked()
}

func (c *Client) connectionLocked() (*amqp.Connection, error) {
	// Drop closed connections in place.
	for i := 0; i < len(c.conns); {
		if c.conns[i].IsClosed() {
			c.conns = append(c.conns[:i], c.conns[i+1:]...)
			continue
		}
		i++
	}
	if len(c.conns) < maxConnections {
		conn, err := c.dial()
		if err != nil {
			if len(c.conns) == 0 {
				return nil, fmt.Errorf("op=bus.dial: %w", err)
			}
		} else {
			c.conns = append(c.conns, conn)
		}
	}
	if len(c.conns) == 0 {
		return nil, fmt.Errorf("op=bus.dial: no live connections")
	}
	c.nextConn = (c.nextConn + 1) % len(c.conns)
	return c.conns[c.nextConn], nil
}

// acquire checks a channel out of the pool, opening a new one while under the
// channel cap. Channels are opened in confirm mode.
func (c *Client) acquire(ctx context.Context) (*amqp.Channel, error) {
	for {
		select {
		case ch := <-c.idle:
			if ch.IsClosed() {
				c.mu.Lock()
				c.open--
				c.mu.Unlock()
				continue
			}
			return ch, nil
		default:
		}

		c.mu.Lock()
		if c.open < maxChannels {
			c.open++
			c.mu.Unlock()
			ch, err := c.openChannel()
			if err != nil {
				c.mu.Lock()
				c.open--
				c.mu.Unlock()
				return nil, err
			}
			return ch, nil
		}
		c.mu.Unlock()

		// Pool exhausted; wait for a release or cancellation.
		select {
		case ch := <-c.idle:
			if ch.IsClosed() {
				c.mu.Lock()
				c.open--
				c.mu.Unlock()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) openChannel() (*amqp.Channel, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("op=bus.channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("op=bus.confirm_mode: %w", err)
	}
	return ch, nil
}

// release returns a channel to the pool; closed channels are discarded.
func (c *Client) release(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if ch.IsClosed() {
		c.mu.Lock()
		c.open--
		c.mu.Unlock()
		return
	}
	select {
	case c.idle <- ch:
	default:
		_ = ch.Close()
		c.mu.Lock()
		c.open--
		c.mu.Unlock()
	}
}

// ensureTopology declares the exchanges, queues and bindings idempotently.
// Declarations are safe to repeat; the flag only skips the round-trips.
func (c *Client) ensureTopology(ch *amqp.Channel) error {
	c.mu.Lock()
	done := c.declared
	c.mu.Unlock()
	if done {
		return nil
	}
	t := c.cfg.Topology
	if err := declareTaskTopology(ch, t); err != nil {
		return err
	}
	if err := declareResultsTopology(ch, t); err != nil {
		return err
	}
	c.mu.Lock()
	c.declared = true
	c.mu.Unlock()
	slog.Info("bus topology ensured",
		slog.String("tasks_exchange", t.TasksExchange),
		slog.String("results_exchange", t.ResultsExchange))
	return nil
}

func declareTaskTopology(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.TasksExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=bus.declare_exchange name=%s: %w", t.TasksExchange, err)
	}
	if _, err := ch.QueueDeclare(t.TasksQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=bus.declare_queue name=%s: %w", t.TasksQueue, err)
	}
	if err := ch.QueueBind(t.TasksQueue, t.TasksQueue, t.TasksExchange, false, nil); err != nil {
		return fmt.Errorf("op=bus.bind_queue name=%s: %w", t.TasksQueue, err)
	}
	// Workers consume the RPC queue directly off the default exchange.
	if _, err := ch.QueueDeclare(t.RPCQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=bus.declare_queue name=%s: %w", t.RPCQueue, err)
	}
	return nil
}

func declareResultsTopology(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.ResultsExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=bus.declare_exchange name=%s: %w", t.ResultsExchange, err)
	}
	if _, err := ch.QueueDeclare(t.ResultsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=bus.declare_queue name=%s: %w", t.ResultsQueue, err)
	}
	if err := ch.QueueBind(t.ResultsQueue, t.ResultsQueue, t.ResultsExchange, false, nil); err != nil {
		return fmt.Errorf("op=bus.bind_queue name=%s: %w", t.ResultsQueue, err)
	}
	return nil
}

// PublishTask publishes a task envelope to the tasks exchange: persistent,
// JSON, confirmed by the broker, with exponential-backoff retry. On final
// failure the error wraps domain.ErrBusUnavailable and carries the task id.
func (c *Client) PublishTask(ctx context.Context, env domain.TaskEnvelope) error {
	tracer := otel.Tracer("bus.publisher")
	ctx, span := tracer.Start(ctx, "bus.PublishTask")
	defer span.End()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=bus.marshal_task task_id=%s: %w", env.TaskID, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.TaskID,
		AppId:        appID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"user_id": env.UserID},
		Body:         body,
	}

	attempt := 0
	op := func() error {
		if attempt > 0 {
			observability.PublishRetriesTotal.Inc()
		}
		attempt++
		return c.publishConfirmed(ctx, c.cfg.Topology.TasksExchange, c.cfg.Topology.TasksQueue, msg)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBase
	bo.MaxInterval = c.cfg.RetryCap
	bo.MaxElapsedTime = 0

	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.RetryAttempts-1)), ctx))
	if err != nil {
		observability.TasksPublishedTotal.WithLabelValues("error").Inc()
		slog.Error("task publish failed",
			slog.String("task_id", env.TaskID),
			slog.Int64("user_id", env.UserID),
			slog.Int("attempts", attempt),
			slog.Any("error", err))
		return fmt.Errorf("op=bus.publish task_id=%s: %w: %v", env.TaskID, domain.ErrBusUnavailable, err)
	}
	observability.TasksPublishedTotal.WithLabelValues("ok").Inc()
	slog.Info("task published",
		slog.String("task_id", env.TaskID),
		slog.Int64("user_id", env.UserID),
		slog.String("exchange", c.cfg.Topology.TasksExchange))
	return nil
}

// publishConfirmed sends one message on a pooled channel and waits for the
// broker's confirm.
func (c *Client) publishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	ch, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer c.release(ch)

	if err := c.ensureTopology(ch); err != nil {
		return err
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	if err != nil {
		return fmt.Errorf("op=bus.publish: %w", err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("op=bus.confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("op=bus.confirm: broker nacked publish")
	}
	return nil
}

// Check reports whether the pool can produce a live broker connection.
func (c *Client) Check(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.connection()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down pooled channels and connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		select {
		case ch := <-c.idle:
			_ = ch.Close()
		default:
			for _, conn := range c.conns {
				_ = conn.Close()
			}
			c.conns = nil
			return nil
		}
	}
}
