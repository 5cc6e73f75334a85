package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

// rpcSlot tracks one in-flight call awaiting its correlated reply.
type rpcSlot struct {
	done       chan []byte // buffered, capacity 1
	enqueuedAt time.Time
}

// RPCClient implements request/reply over the default exchange: requests go
// to a named queue with a reply_to pointing at a private exclusive queue, and
// replies are matched back to callers by correlation id.
type RPCClient struct {
	client      *Client
	maxReplyAge time.Duration
	reaperTick  time.Duration

	mu         sync.Mutex
	ch         *amqp.Channel
	replyQueue string
	pending    map[string]*rpcSlot

	startReaper sync.Once
	stop        chan struct{}
}

// NewRPCClient constructs an RPCClient sharing the given client's
// connections. The reply queue is declared lazily on the first call.
func NewRPCClient(client *Client, maxReplyAge, reaperTick time.Duration) *RPCClient {
	if maxReplyAge <= 0 {
		maxReplyAge = 5 * time.Minute
	}
	if reaperTick <= 0 {
		reaperTick = time.Minute
	}
	return &RPCClient{
		client:      client,
		maxReplyAge: maxReplyAge,
		reaperTick:  reaperTick,
		pending:     make(map[string]*rpcSlot),
		stop:        make(chan struct{}),
	}
}

// ensureReady opens the RPC channel, declares the private reply queue and
// starts the no-ack reply consumer. Safe to call before every request.
func (r *RPCClient) ensureReady() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil && !r.ch.IsClosed() {
		return nil
	}

	conn, err := r.client.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("op=rpc.channel: %w", err)
	}

	// Broker-named, exclusive, auto-delete: the queue dies with us and
	// orphaned replies die with it.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("op=rpc.declare_reply_queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("op=rpc.consume_replies: %w", err)
	}

	r.ch = ch
	r.replyQueue = q.Name
	go r.consumeReplies(deliveries)
	r.startReaper.Do(func() { go r.reapLoop() })
	slog.Info("rpc reply queue ready", slog.String("queue", q.Name))
	return nil
}

func (r *RPCClient) consumeReplies(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if d.CorrelationId == "" {
			slog.Warn("rpc reply without correlation id dropped")
			continue
		}
		if !r.resolve(d.CorrelationId, d.Body) {
			slog.Warn("rpc reply for unknown correlation id dropped",
				slog.String("correlation_id", d.CorrelationId))
		}
	}
}

// resolve hands a reply body to the waiting caller. Returns false when no
// slot is registered for the correlation id, e.g. after a timeout.
func (r *RPCClient) resolve(corrID string, body []byte) bool {
	r.mu.Lock()
	slot, ok := r.pending[corrID]
	if ok {
		delete(r.pending, corrID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	slot.done <- body
	return true
}

func (r *RPCClient) register(corrID string) *rpcSlot {
	slot := &rpcSlot{done: make(chan []byte, 1), enqueuedAt: time.Now()}
	r.mu.Lock()
	r.pending[corrID] = slot
	r.mu.Unlock()
	return slot
}

func (r *RPCClient) unregister(corrID string) {
	r.mu.Lock()
	delete(r.pending, corrID)
	r.mu.Unlock()
}

func (r *RPCClient) reapLoop() {
	ticker := time.NewTicker(r.reaperTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.reapOlderThan(r.maxReplyAge); n > 0 {
				observability.RPCSlotsReapedTotal.Add(float64(n))
				slog.Warn("reaped stale rpc slots", slog.Int("count", n))
			}
		case <-r.stop:
			return
		}
	}
}

// reapOlderThan drops slots whose callers gave up long ago and returns how
// many were removed.
func (r *RPCClient) reapOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, slot := range r.pending {
		if slot.enqueuedAt.Before(cutoff) {
			delete(r.pending, id)
			n++
		}
	}
	return n
}

// Call publishes a request to the given queue and blocks until the
// correlated reply arrives or the timeout elapses. Timeouts and context
// cancellation surface as domain.ErrTimeout; the abandoned slot is removed
// immediately so a late reply is dropped, not delivered.
func (r *RPCClient) Call(ctx context.Context, payload []byte, routingKey string, timeout time.Duration) ([]byte, error) {
	tracer := otel.Tracer("bus.rpc")
	ctx, span := tracer.Start(ctx, "bus.Call")
	defer span.End()

	if err := r.ensureReady(); err != nil {
		observability.RPCCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("op=rpc.call: %w: %v", domain.ErrBusUnavailable, err)
	}

	corrID := uuid.NewString()
	slot := r.register(corrID)

	r.mu.Lock()
	ch, replyTo := r.ch, r.replyQueue
	r.mu.Unlock()

	err := ch.PublishWithContext(ctx, "", routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyTo,
		Body:          payload,
	})
	if err != nil {
		r.unregister(corrID)
		observability.RPCCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("op=rpc.publish: %w: %v", domain.ErrBusUnavailable, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case body := <-slot.done:
		observability.RPCCallsTotal.WithLabelValues("ok").Inc()
		return body, nil
	case <-timer.C:
		r.unregister(corrID)
		observability.RPCCallsTotal.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("op=rpc.call correlation_id=%s timeout=%s: %w", corrID, timeout, domain.ErrTimeout)
	case <-ctx.Done():
		r.unregister(corrID)
		observability.RPCCallsTotal.WithLabelValues("timeout").Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("op=rpc.call correlation_id=%s: %w", corrID, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("op=rpc.call correlation_id=%s: %w", corrID, ctx.Err())
	}
}

// Close stops the reaper and tears down the reply consumer.
func (r *RPCClient) Close() error {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil {
		_ = r.ch.Close()
		r.ch = nil
	}
	return nil
}
