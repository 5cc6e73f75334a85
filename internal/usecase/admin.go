package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

// AdminService implements the operator surface: direct credits, review of
// pending replenishments and system-wide read views.
type AdminService struct {
	ledger domain.Ledger
}

// NewAdminService constructs an AdminService.
func NewAdminService(ledger domain.Ledger) *AdminService {
	return &AdminService{ledger: ledger}
}

// DirectCredit adds funds to a wallet and records an approved replenish row
// in the same unit of work.
func (s *AdminService) DirectCredit(ctx context.Context, userID int64, amount decimal.Decimal, description string) (domain.Transaction, error) {
	tracer := otel.Tracer("usecase.admin")
	ctx, span := tracer.Start(ctx, "admin.DirectCredit")
	defer span.End()

	if !amount.IsPositive() {
		return domain.Transaction{}, fmt.Errorf("op=admin.credit amount=%s: amount must be positive: %w",
			amount.StringFixed(2), domain.ErrInvalidArgument)
	}
	if description == "" {
		description = "admin credit"
	}
	if _, err := s.ledger.GetUser(ctx, userID); err != nil {
		return domain.Transaction{}, err
	}

	row := domain.Transaction{
		UserID:      userID,
		Amount:      amount,
		Kind:        domain.KindReplenish,
		Status:      domain.TxApproved,
		Description: description,
	}
	err := s.ledger.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		if err := uow.Credit(ctx, userID, amount); err != nil {
			return err
		}
		id, err := uow.AppendJournal(ctx, row)
		if err != nil {
			return err
		}
		row.ID = id
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	slog.Info("admin credit applied",
		slog.Int64("user_id", userID),
		slog.Int64("transaction_id", row.ID),
		slog.String("amount", amount.StringFixed(2)))
	return row, nil
}

// ApproveReplenish applies a pending replenishment: credit the wallet and
// flip the row to approved, atomically. A row that is no longer pending
// returns domain.ErrConflict and changes nothing.
func (s *AdminService) ApproveReplenish(ctx context.Context, txID int64) (domain.Transaction, error) {
	return s.review(ctx, txID, domain.TxApproved)
}

// RejectReplenish marks a pending replenishment rejected without touching the
// balance.
func (s *AdminService) RejectReplenish(ctx context.Context, txID int64) (domain.Transaction, error) {
	return s.review(ctx, txID, domain.TxRejected)
}

func (s *AdminService) review(ctx context.Context, txID int64, verdict domain.TransactionStatus) (domain.Transaction, error) {
	tracer := otel.Tracer("usecase.admin")
	ctx, span := tracer.Start(ctx, "admin.Review")
	defer span.End()

	var row domain.Transaction
	err := s.ledger.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		t, err := uow.TransactionForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		if t.Kind != domain.KindReplenish {
			return fmt.Errorf("op=admin.review tx=%d kind=%s: only replenishments are reviewable: %w",
				txID, t.Kind, domain.ErrInvalidArgument)
		}
		if t.Status != domain.TxPending {
			return fmt.Errorf("op=admin.review tx=%d status=%s: %w", txID, t.Status, domain.ErrConflict)
		}

		if verdict == domain.TxApproved {
			if err := uow.Credit(ctx, t.UserID, t.Amount); err != nil {
				return err
			}
		}
		if err := uow.SetTransactionStatus(ctx, txID, verdict); err != nil {
			return err
		}
		t.Status = verdict
		row = t
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	slog.Info("replenishment reviewed",
		slog.Int64("transaction_id", txID),
		slog.String("verdict", string(verdict)))
	return row, nil
}

// Users lists all accounts.
func (s *AdminService) Users(ctx context.Context) ([]domain.User, error) {
	return s.ledger.ListUsers(ctx)
}

// Transactions lists the whole journal, newest first.
func (s *AdminService) Transactions(ctx context.Context) ([]domain.Transaction, error) {
	return s.ledger.ListTransactions(ctx)
}

// Jobs lists all jobs, newest first.
func (s *AdminService) Jobs(ctx context.Context) ([]domain.InferenceJob, error) {
	return s.ledger.ListJobs(ctx)
}
