package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

// Settler finalizes a job from a result envelope.
type Settler interface {
	Settle(ctx context.Context, result domain.ResultEnvelope) error
}

// StaleJobSweeper fails and refunds pending jobs that never received a worker
// result, e.g. when the task publish was lost. It reuses settlement, so a
// worker result racing the sweep loses cleanly to the idempotence guard.
type StaleJobSweeper struct {
	ledger   domain.Ledger
	settler  Settler
	maxAge   time.Duration
	interval time.Duration
}

// NewStaleJobSweeper constructs a sweeper; nil inputs disable it.
func NewStaleJobSweeper(ledger domain.Ledger, settler Settler, maxAge, interval time.Duration) *StaleJobSweeper {
	if ledger == nil || settler == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StaleJobSweeper{ledger: ledger, settler: settler, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *StaleJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StaleJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxAge)
	jobs, err := s.ledger.ListStalePendingJobs(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale job sweep failed to list jobs", slog.Any("error", err))
		return
	}

	failed := 0
	for _, j := range jobs {
		result := domain.ResultEnvelope{
			TaskID: strconv.FormatInt(j.ID, 10),
			Status: domain.ResultFail,
			Error:  fmt.Sprintf("no worker result within %v; failed by sweeper", s.maxAge),
		}
		if err := s.settler.Settle(ctx, result); err != nil {
			// AlreadySettled here means a worker result won the race.
			slog.Warn("stale job sweep could not settle job",
				slog.Int64("job_id", j.ID), slog.Any("error", err))
			continue
		}
		failed++
	}

	span.SetAttributes(
		attribute.Int("jobs.stale", len(jobs)),
		attribute.Int("jobs.failed_and_refunded", failed),
	)
	if len(jobs) > 0 {
		slog.Info("stale job sweep finished",
			slog.Int("stale", len(jobs)),
			slog.Int("failed_and_refunded", failed))
	}
}
