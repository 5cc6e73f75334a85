package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

// sweeperLedger stubs the single Ledger method the sweeper uses.
type sweeperLedger struct {
	domain.Ledger
	stale []domain.InferenceJob
	err   error
}

func (l *sweeperLedger) ListStalePendingJobs(ctx context.Context, cutoff time.Time) ([]domain.InferenceJob, error) {
	return l.stale, l.err
}

type recordingSettler struct {
	got []domain.ResultEnvelope
	err error
}

func (s *recordingSettler) Settle(ctx context.Context, result domain.ResultEnvelope) error {
	s.got = append(s.got, result)
	return s.err
}

func TestSweepOnce_FailsStaleJobs(t *testing.T) {
	ledger := &sweeperLedger{stale: []domain.InferenceJob{{ID: 4}, {ID: 9}}}
	settler := &recordingSettler{}
	s := NewStaleJobSweeper(ledger, settler, 30*time.Minute, 5*time.Minute)

	s.sweepOnce(context.Background())

	require.Len(t, settler.got, 2)
	assert.Equal(t, "4", settler.got[0].TaskID)
	assert.Equal(t, "9", settler.got[1].TaskID)
	for _, r := range settler.got {
		assert.Equal(t, domain.ResultFail, r.Status)
		assert.NotEmpty(t, r.Error)
	}
}

func TestSweepOnce_ToleratesSettleRace(t *testing.T) {
	ledger := &sweeperLedger{stale: []domain.InferenceJob{{ID: 4}}}
	settler := &recordingSettler{err: domain.ErrAlreadySettled}
	s := NewStaleJobSweeper(ledger, settler, 30*time.Minute, 5*time.Minute)

	// A worker result that lands between list and settle must not crash the
	// sweep.
	s.sweepOnce(context.Background())
	require.Len(t, settler.got, 1)
}

func TestNewStaleJobSweeper_Defaults(t *testing.T) {
	assert.Nil(t, NewStaleJobSweeper(nil, nil, 0, 0))

	s := NewStaleJobSweeper(&sweeperLedger{}, &recordingSettler{}, 0, 0)
	require.NotNil(t, s)
	assert.Equal(t, 30*time.Minute, s.maxAge)
	assert.Equal(t, 5*time.Minute, s.interval)
}
