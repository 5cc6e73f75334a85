package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

// BillingService handles user-initiated replenishment and wallet views.
type BillingService struct {
	ledger      domain.Ledger
	cap         decimal.Decimal
	autoApprove bool
}

// NewBillingService constructs a BillingService. cap bounds a single
// replenishment request; autoApprove credits the wallet immediately instead
// of leaving the request for admin review.
func NewBillingService(ledger domain.Ledger, cap decimal.Decimal, autoApprove bool) *BillingService {
	return &BillingService{ledger: ledger, cap: cap, autoApprove: autoApprove}
}

// RequestReplenish records a replenishment request for the user. The returned
// row is approved and already credited when auto-approval is on, pending
// otherwise.
func (s *BillingService) RequestReplenish(ctx context.Context, userID int64, amount decimal.Decimal) (domain.Transaction, error) {
	tracer := otel.Tracer("usecase.billing")
	ctx, span := tracer.Start(ctx, "billing.RequestReplenish")
	defer span.End()

	if !amount.IsPositive() {
		return domain.Transaction{}, fmt.Errorf("op=billing.replenish amount=%s: amount must be positive: %w",
			amount.StringFixed(2), domain.ErrInvalidArgument)
	}
	if amount.GreaterThan(s.cap) {
		return domain.Transaction{}, fmt.Errorf("op=billing.replenish amount=%s cap=%s: %w",
			amount.StringFixed(2), s.cap.StringFixed(2), domain.ErrInvalidArgument)
	}
	if _, err := s.ledger.GetUser(ctx, userID); err != nil {
		return domain.Transaction{}, err
	}

	row := domain.Transaction{
		UserID:      userID,
		Amount:      amount,
		Kind:        domain.KindReplenish,
		Status:      domain.TxPending,
		Description: "replenishment request",
	}
	if s.autoApprove {
		row.Status = domain.TxApproved
		row.Description = "replenishment"
	}

	err := s.ledger.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		id, err := uow.AppendJournal(ctx, row)
		if err != nil {
			return err
		}
		row.ID = id
		if s.autoApprove {
			return uow.Credit(ctx, userID, amount)
		}
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	slog.Info("replenishment requested",
		slog.Int64("user_id", userID),
		slog.Int64("transaction_id", row.ID),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("status", string(row.Status)))
	return row, nil
}

// Balance returns the user's current wallet balance.
func (s *BillingService) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	u, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return u.Balance, nil
}

// Journal returns the user's transaction history, newest first.
func (s *BillingService) Journal(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	if _, err := s.ledger.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.ledger.ListJournalForUser(ctx, userID)
}

// Jobs returns the user's job history, newest first.
func (s *BillingService) Jobs(ctx context.Context, userID int64) ([]domain.InferenceJob, error) {
	if _, err := s.ledger.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.ledger.ListJobsForUser(ctx, userID)
}

// Job returns one of the user's jobs by id.
func (s *BillingService) Job(ctx context.Context, jobID, userID int64) (domain.InferenceJob, error) {
	return s.ledger.GetJobForUser(ctx, jobID, userID)
}
