// Command worker is a reference inference worker. It consumes task envelopes
// from the task queue, serves synchronous calls on the RPC queue, runs the
// stub predictor and reports results back over the bus.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/config"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

const reconnectInterval = 5 * time.Second

// predict produces one score per feature row. It stands in for a real model
// runtime; the dispatch and settlement flows don't care what runs here.
func predict(features json.RawMessage) (json.RawMessage, error) {
	var rows []map[string]float64
	if err := json.Unmarshal(features, &rows); err != nil {
		return nil, fmt.Errorf("op=worker.parse_features: %w", err)
	}
	type scored struct {
		Score float64 `json:"score"`
	}
	out := make([]scored, len(rows))
	for i, row := range rows {
		sum := 0.0
		for _, v := range row {
			sum += v
		}
		out[i] = scored{Score: math.Round(1/(1+math.Exp(-sum/1000))*10000) / 10000}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("op=worker.marshal_prediction: %w", err)
	}
	return body, nil
}

type worker struct {
	cfg      config.Config
	workerID string
}

func (w *worker) result(env domain.TaskEnvelope) domain.ResultEnvelope {
	prediction, err := predict(env.Features)
	if err != nil {
		return domain.ResultEnvelope{
			TaskID: env.TaskID, Status: domain.ResultFail,
			WorkerID: w.workerID, Error: err.Error(),
		}
	}
	return domain.ResultEnvelope{
		TaskID: env.TaskID, Status: domain.ResultSuccess,
		WorkerID: w.workerID, Prediction: prediction,
	}
}

// handleTask processes one async task and publishes the result to the
// results exchange.
func (w *worker) handleTask(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	var env domain.TaskEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		slog.Warn("dropping malformed task", slog.String("message_id", d.MessageId), slog.Any("error", err))
		_ = d.Ack(false)
		return
	}

	result := w.result(env)
	body, _ := json.Marshal(result)
	err := ch.PublishWithContext(ctx, w.cfg.ResultsExchange, w.cfg.ResultsQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.TaskID,
		Body:         body,
	})
	if err != nil {
		slog.Error("result publish failed, requeueing task",
			slog.String("task_id", env.TaskID), slog.Any("error", err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
	slog.Info("task processed",
		slog.String("task_id", env.TaskID),
		slog.String("status", result.Status))
}

// handleRPC processes one synchronous call and replies to the private reply
// queue named by the request.
func (w *worker) handleRPC(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	var env domain.TaskEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		slog.Warn("dropping malformed rpc request", slog.Any("error", err))
		_ = d.Ack(false)
		return
	}
	if d.ReplyTo == "" || d.CorrelationId == "" {
		slog.Warn("dropping rpc request without reply address", slog.String("task_id", env.TaskID))
		_ = d.Ack(false)
		return
	}

	body, _ := json.Marshal(w.result(env))
	err := ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          body,
	})
	if err != nil {
		slog.Error("rpc reply publish failed", slog.String("task_id", env.TaskID), slog.Any("error", err))
	}
	// The caller times out on a lost reply; redelivering the request would
	// only produce a second charge-less prediction.
	_ = d.Ack(false)
}

func (w *worker) serveOnce(ctx context.Context) error {
	conn, err := amqp.DialConfig(w.cfg.AMQPURL(), amqp.Config{
		Heartbeat: w.cfg.BusHeartbeat,
		Dial:      amqp.DefaultDial(w.cfg.BusConnectTimeout),
	})
	if err != nil {
		return fmt.Errorf("op=worker.dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("op=worker.channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(w.cfg.TasksExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=worker.declare_exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(w.cfg.ResultsExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=worker.declare_exchange: %w", err)
	}
	for _, q := range []string{w.cfg.TasksQueue, w.cfg.RPCQueue, w.cfg.ResultsQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("op=worker.declare_queue name=%s: %w", q, err)
		}
	}
	if err := ch.QueueBind(w.cfg.TasksQueue, w.cfg.TasksQueue, w.cfg.TasksExchange, false, nil); err != nil {
		return fmt.Errorf("op=worker.bind_queue: %w", err)
	}
	if err := ch.QueueBind(w.cfg.ResultsQueue, w.cfg.ResultsQueue, w.cfg.ResultsExchange, false, nil); err != nil {
		return fmt.Errorf("op=worker.bind_queue: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("op=worker.qos: %w", err)
	}

	tasks, err := ch.Consume(w.cfg.TasksQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("op=worker.consume_tasks: %w", err)
	}
	calls, err := ch.Consume(w.cfg.RPCQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("op=worker.consume_rpc: %w", err)
	}

	slog.Info("worker started",
		slog.String("worker_id", w.workerID),
		slog.String("tasks_queue", w.cfg.TasksQueue),
		slog.String("rpc_queue", w.cfg.RPCQueue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-tasks:
			if !ok {
				return fmt.Errorf("op=worker.consume_tasks: delivery channel closed")
			}
			w.handleTask(ctx, ch, d)
		case d, ok := <-calls:
			if !ok {
				return fmt.Errorf("op=worker.consume_rpc: delivery channel closed")
			}
			w.handleRPC(ctx, ch, d)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	hostname, _ := os.Hostname()
	w := &worker{cfg: cfg, workerID: fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		if err := w.serveOnce(ctx); err != nil {
			slog.Error("worker stopped, will reconnect",
				slog.Duration("retry_in", reconnectInterval),
				slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down")
			return
		case <-time.After(reconnectInterval):
		}
	}
}
