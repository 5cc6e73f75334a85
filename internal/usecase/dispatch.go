package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

const (
	rpcTimeoutFloor  = 15 * time.Second
	rpcTimeoutBase   = 10 * time.Second
	rpcTimeoutPerRow = 200 * time.Millisecond
)

// DispatchService charges for a batch, records the job and hands it to a
// worker, either fire-and-forget or request/reply.
type DispatchService struct {
	ledger    domain.Ledger
	publisher domain.TaskPublisher
	rpc       domain.RPCCaller
	settler   *SettleService
	cost      decimal.Decimal
	rpcQueue  string
}

// NewDispatchService constructs a DispatchService. cost is the flat debit per
// submission; rpcQueue is the routing key workers serve synchronous calls on.
func NewDispatchService(ledger domain.Ledger, publisher domain.TaskPublisher, rpc domain.RPCCaller,
	settler *SettleService, cost decimal.Decimal, rpcQueue string) *DispatchService {
	return &DispatchService{
		ledger:    ledger,
		publisher: publisher,
		rpc:       rpc,
		settler:   settler,
		cost:      cost,
		rpcQueue:  rpcQueue,
	}
}

// parseFeatures validates that the payload is a non-empty JSON array and
// returns the row count.
func parseFeatures(features json.RawMessage) (int, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(features, &rows); err != nil {
		return 0, fmt.Errorf("op=dispatch.parse_features: features must be a JSON array: %w", domain.ErrInvalidArgument)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("op=dispatch.parse_features: features must not be empty: %w", domain.ErrInvalidArgument)
	}
	return len(rows), nil
}

// charge runs the paid-submission unit of work: resolve the active model,
// insert the pending job, apply the guarded debit and append the payment row.
// The debit failing aborts the whole unit, so a declined submission leaves no
// trace in the ledger.
func (s *DispatchService) charge(ctx context.Context, userID int64, features json.RawMessage) (domain.InferenceJob, domain.Model, error) {
	var job domain.InferenceJob
	var model domain.Model

	if _, err := s.ledger.GetUser(ctx, userID); err != nil {
		return job, model, err
	}

	err := s.ledger.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		m, err := uow.ActiveModel(ctx)
		if err != nil {
			return err
		}
		model = m

		ok, err := uow.ConditionalDebit(ctx, userID, s.cost)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("op=dispatch.debit user=%d cost=%s: %w",
				userID, s.cost.StringFixed(2), domain.ErrInsufficientFunds)
		}

		job = domain.InferenceJob{
			UserID:    userID,
			ModelID:   m.ID,
			InputData: features,
			Status:    domain.JobPending,
			Cost:      s.cost,
		}
		jobID, err := uow.InsertJob(ctx, job)
		if err != nil {
			return err
		}
		job.ID = jobID

		_, err = uow.AppendJournal(ctx, domain.Transaction{
			UserID:      userID,
			Amount:      s.cost.Neg(),
			Kind:        domain.KindPayment,
			Status:      domain.TxApproved,
			Description: fmt.Sprintf("payment for job %d (pending)", jobID),
			JobID:       &jobID,
		})
		return err
	})
	if err != nil {
		return domain.InferenceJob{}, domain.Model{}, err
	}
	return job, model, nil
}

func (s *DispatchService) envelope(job domain.InferenceJob, model domain.Model) domain.TaskEnvelope {
	return domain.TaskEnvelope{
		TaskID:    strconv.FormatInt(job.ID, 10),
		Features:  job.InputData,
		Model:     model.CodeName,
		UserID:    job.UserID,
		Timestamp: time.Now().Unix(),
	}
}

// SubmitAsync charges and commits the job, then publishes the task envelope.
// The charge commits before the publish so a worker can never see a job the
// ledger does not have. On publish failure the job is returned along with a
// bus error; the pending job is later refunded by the stale-job sweeper.
func (s *DispatchService) SubmitAsync(ctx context.Context, userID int64, features json.RawMessage) (domain.InferenceJob, error) {
	tracer := otel.Tracer("usecase.dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.SubmitAsync")
	defer span.End()

	if _, err := parseFeatures(features); err != nil {
		return domain.InferenceJob{}, err
	}

	job, model, err := s.charge(ctx, userID, features)
	if err != nil {
		return domain.InferenceJob{}, err
	}

	if err := s.publisher.PublishTask(ctx, s.envelope(job, model)); err != nil {
		return job, fmt.Errorf("op=dispatch.submit_async job=%d: %w", job.ID, err)
	}

	observability.JobsSubmittedTotal.WithLabelValues("async").Inc()
	slog.Info("job submitted",
		slog.Int64("job_id", job.ID),
		slog.Int64("user_id", userID),
		slog.String("mode", "async"))
	return job, nil
}

// rpcTimeout scales the reply deadline with batch size, never below the floor.
func rpcTimeout(rows int) time.Duration {
	d := rpcTimeoutBase + time.Duration(rows)*rpcTimeoutPerRow
	if d < rpcTimeoutFloor {
		return rpcTimeoutFloor
	}
	return d
}

// SubmitRPC charges and commits the job, then blocks on a request/reply
// round trip and settles the job from the reply before returning it. On
// timeout the job stays pending; a late worker result still settles it
// through the results queue.
func (s *DispatchService) SubmitRPC(ctx context.Context, userID int64, features json.RawMessage) (domain.InferenceJob, error) {
	tracer := otel.Tracer("usecase.dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.SubmitRPC")
	defer span.End()

	rows, err := parseFeatures(features)
	if err != nil {
		return domain.InferenceJob{}, err
	}

	job, model, err := s.charge(ctx, userID, features)
	if err != nil {
		return domain.InferenceJob{}, err
	}

	env := s.envelope(job, model)
	payload, err := json.Marshal(env)
	if err != nil {
		return job, fmt.Errorf("op=dispatch.marshal job=%d: %w", job.ID, err)
	}

	observability.JobsSubmittedTotal.WithLabelValues("rpc").Inc()

	reply, err := s.rpc.Call(ctx, payload, s.rpcQueue, rpcTimeout(rows))
	if err != nil {
		return job, fmt.Errorf("op=dispatch.submit_rpc job=%d: %w", job.ID, err)
	}

	var result domain.ResultEnvelope
	if err := json.Unmarshal(reply, &result); err != nil {
		return job, fmt.Errorf("op=dispatch.submit_rpc job=%d: malformed reply: %w", job.ID, domain.ErrBusUnavailable)
	}
	// Replies are matched by correlation id; the task id in the body is
	// advisory and a sloppy worker may omit it.
	result.TaskID = env.TaskID

	if err := s.settler.Settle(ctx, result); err != nil {
		return job, fmt.Errorf("op=dispatch.submit_rpc job=%d: %w", job.ID, err)
	}

	settled, err := s.ledger.GetJob(ctx, job.ID)
	if err != nil {
		return job, fmt.Errorf("op=dispatch.submit_rpc job=%d: %w", job.ID, err)
	}
	slog.Info("job submitted",
		slog.Int64("job_id", job.ID),
		slog.Int64("user_id", userID),
		slog.String("mode", "rpc"),
		slog.String("status", string(settled.Status)))
	return settled, nil
}
