package usecase

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

func TestDirectCredit_AppliesBalanceAndJournal(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "10.00")
	svc := NewAdminService(ledger)

	row, err := svc.DirectCredit(context.Background(), 1, decimal.RequireFromString("40.00"), "support goodwill")
	require.NoError(t, err)

	assert.Equal(t, "50", ledger.balance(1).String())
	assert.Equal(t, domain.TxApproved, row.Status)
	assert.Equal(t, domain.KindReplenish, row.Kind)
	assert.Equal(t, "support goodwill", row.Description)
}

func TestDirectCredit_RejectsNonPositive(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "10.00")
	svc := NewAdminService(ledger)

	_, err := svc.DirectCredit(context.Background(), 1, decimal.RequireFromString("-1.00"), "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, "10", ledger.balance(1).String())
}

func TestApproveReplenish_CreditsOnce(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "0.00")
	billing := NewBillingService(ledger, decimal.RequireFromString("1000.00"), false)
	pending, err := billing.RequestReplenish(context.Background(), 1, decimal.RequireFromString("25.00"))
	require.NoError(t, err)

	svc := NewAdminService(ledger)
	row, err := svc.ApproveReplenish(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxApproved, row.Status)
	assert.Equal(t, "25", ledger.balance(1).String())

	// Double approval must not double the credit.
	_, err = svc.ApproveReplenish(context.Background(), pending.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, "25", ledger.balance(1).String())
}

func TestRejectReplenish_NoCredit(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "0.00")
	billing := NewBillingService(ledger, decimal.RequireFromString("1000.00"), false)
	pending, err := billing.RequestReplenish(context.Background(), 1, decimal.RequireFromString("25.00"))
	require.NoError(t, err)

	svc := NewAdminService(ledger)
	row, err := svc.RejectReplenish(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxRejected, row.Status)
	assert.Equal(t, "0", ledger.balance(1).String())

	// A rejected request cannot be approved afterwards.
	_, err = svc.ApproveReplenish(context.Background(), pending.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestReview_PaymentRowNotReviewable(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "100.00")
	var txID int64
	err := ledger.WithinTx(context.Background(), func(uow domain.UnitOfWork) error {
		var err error
		txID, err = uow.AppendJournal(context.Background(), domain.Transaction{
			UserID: 1, Amount: decimal.RequireFromString("-10.00"),
			Kind: domain.KindPayment, Status: domain.TxApproved,
		})
		return err
	})
	require.NoError(t, err)

	svc := NewAdminService(ledger)
	_, err = svc.ApproveReplenish(context.Background(), txID)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestReview_UnknownTransaction(t *testing.T) {
	svc := NewAdminService(newFakeLedger())
	_, err := svc.ApproveReplenish(context.Background(), 9000)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
