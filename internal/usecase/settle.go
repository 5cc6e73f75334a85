// Package usecase implements the application services: dispatch, settlement,
// billing and the admin operations. All balance-affecting flows run inside
// one ledger unit of work.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

// SettleService finalizes jobs from worker results: exactly one terminal
// transition per job, with a compensating refund on failure.
type SettleService struct {
	ledger domain.Ledger
	now    func() time.Time
}

// NewSettleService constructs a SettleService.
func NewSettleService(ledger domain.Ledger) *SettleService {
	return &SettleService{ledger: ledger, now: time.Now}
}

// Settle applies one worker result. The job row is locked for the duration of
// the unit, and only a pending job may transition; a second settle for the
// same job returns domain.ErrAlreadySettled and changes nothing.
func (s *SettleService) Settle(ctx context.Context, result domain.ResultEnvelope) error {
	tracer := otel.Tracer("usecase.settle")
	ctx, span := tracer.Start(ctx, "settle.Settle")
	defer span.End()

	jobID, err := strconv.ParseInt(result.TaskID, 10, 64)
	if err != nil {
		return fmt.Errorf("op=settle.parse_task_id task_id=%q: %w", result.TaskID, domain.ErrInvalidArgument)
	}

	started := time.Now()
	status := domain.JobFail
	if result.Status == domain.ResultSuccess {
		status = domain.JobSuccess
	}

	err = s.ledger.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		job, err := uow.JobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobPending {
			return fmt.Errorf("op=settle job=%d status=%s: %w", jobID, job.Status, domain.ErrAlreadySettled)
		}

		patch := domain.JobPatch{Status: status, CompletedAt: s.now().UTC()}
		if status == domain.JobSuccess {
			patch.Prediction = result.Prediction
		} else {
			patch.Errors = failurePayload(result)
		}
		if err := uow.UpdateJob(ctx, jobID, patch); err != nil {
			return err
		}

		if status == domain.JobFail && job.Cost.IsPositive() {
			if err := s.refund(ctx, uow, job); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	observability.JobsSettledTotal.WithLabelValues(string(status)).Inc()
	observability.SettleDuration.Observe(time.Since(started).Seconds())
	slog.Info("job settled",
		slog.Int64("job_id", jobID),
		slog.String("status", string(status)),
		slog.String("worker_id", result.WorkerID))
	return nil
}

// refund credits the job's cost back and records an approved replenish row
// pointing at the failed job. Zero-cost jobs settle without a journal row.
func (s *SettleService) refund(ctx context.Context, uow domain.UnitOfWork, job domain.InferenceJob) error {
	if err := uow.Credit(ctx, job.UserID, job.Cost); err != nil {
		return err
	}
	jobID := job.ID
	_, err := uow.AppendJournal(ctx, domain.Transaction{
		UserID:      job.UserID,
		Amount:      job.Cost,
		Kind:        domain.KindReplenish,
		Status:      domain.TxApproved,
		Description: fmt.Sprintf("refund for failed job %d", job.ID),
		JobID:       &jobID,
	})
	if err != nil {
		return err
	}
	observability.RefundsTotal.Inc()
	return nil
}

func failurePayload(result domain.ResultEnvelope) json.RawMessage {
	msg := result.Error
	if msg == "" {
		msg = "worker reported failure"
	}
	body, _ := json.Marshal(map[string]string{"error": msg})
	return body
}
