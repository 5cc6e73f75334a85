package usecase

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

func TestRequestReplenish_AutoApproveCreditsImmediately(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "20.00")
	svc := NewBillingService(ledger, decimal.RequireFromString("50000.00"), true)

	row, err := svc.RequestReplenish(context.Background(), 1, decimal.RequireFromString("30.00"))
	require.NoError(t, err)

	assert.Equal(t, domain.TxApproved, row.Status)
	assert.Equal(t, domain.KindReplenish, row.Kind)
	assert.Equal(t, "50", ledger.balance(1).String())
}

func TestRequestReplenish_ManualReviewLeavesPending(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "20.00")
	svc := NewBillingService(ledger, decimal.RequireFromString("50000.00"), false)

	row, err := svc.RequestReplenish(context.Background(), 1, decimal.RequireFromString("30.00"))
	require.NoError(t, err)

	assert.Equal(t, domain.TxPending, row.Status)
	assert.Equal(t, "20", ledger.balance(1).String(), "no credit before approval")
}

func TestRequestReplenish_RejectsBadAmounts(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "20.00")
	svc := NewBillingService(ledger, decimal.RequireFromString("100.00"), true)

	for _, amount := range []string{"0", "-5.00", "100.01"} {
		_, err := svc.RequestReplenish(context.Background(), 1, decimal.RequireFromString(amount))
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, amount)
	}
	assert.Equal(t, "20", ledger.balance(1).String())
	assert.Empty(t, ledger.txs)
}

func TestRequestReplenish_CapIsInclusive(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "0.00")
	svc := NewBillingService(ledger, decimal.RequireFromString("100.00"), true)

	_, err := svc.RequestReplenish(context.Background(), 1, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	assert.Equal(t, "100", ledger.balance(1).String())
}

func TestRequestReplenish_UnknownUser(t *testing.T) {
	svc := NewBillingService(newFakeLedger(), decimal.RequireFromString("100.00"), true)
	_, err := svc.RequestReplenish(context.Background(), 404, decimal.RequireFromString("10.00"))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBalanceAndViews(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "75.50")
	svc := NewBillingService(ledger, decimal.RequireFromString("100.00"), true)

	b, err := svc.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "75.5", b.String())

	_, err = svc.Balance(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Jobs(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Journal(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
