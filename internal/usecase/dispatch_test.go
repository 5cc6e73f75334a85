package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

var testFeatures = json.RawMessage(`[{"age":34,"income":72000},{"age":51,"income":48000}]`)

func newDispatchFixture(t *testing.T) (*DispatchService, *fakeLedger, *fakePublisher, *fakeRPC) {
	t.Helper()
	ledger := newFakeLedger()
	ledger.addUser(1, "100.00")
	ledger.addModel(7, "credit-scoring-v2")
	pub := &fakePublisher{}
	rpc := &fakeRPC{}
	settler := NewSettleService(ledger)
	svc := NewDispatchService(ledger, pub, rpc, settler, decimal.RequireFromString("10.00"), "rpc_queue")
	return svc, ledger, pub, rpc
}

func TestSubmitAsync_ChargesAndPublishes(t *testing.T) {
	svc, ledger, pub, _ := newDispatchFixture(t)

	job, err := svc.SubmitAsync(context.Background(), 1, testFeatures)
	require.NoError(t, err)

	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, "90", ledger.balance(1).String())

	require.Len(t, pub.published, 1)
	env := pub.published[0]
	assert.Equal(t, "1", env.TaskID)
	assert.Equal(t, "credit-scoring-v2", env.Model)
	assert.Equal(t, int64(1), env.UserID)
	assert.JSONEq(t, string(testFeatures), string(env.Features))

	// Exactly one approved payment row tied to the job.
	journal, err := ledger.ListJournalForUser(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	row := journal[0]
	assert.Equal(t, domain.KindPayment, row.Kind)
	assert.Equal(t, domain.TxApproved, row.Status)
	assert.Equal(t, "-10", row.Amount.String())
	require.NotNil(t, row.JobID)
	assert.Equal(t, job.ID, *row.JobID)
}

func TestSubmitAsync_InsufficientFunds(t *testing.T) {
	svc, ledger, pub, _ := newDispatchFixture(t)
	ledger.addUser(2, "5.00")

	_, err := svc.SubmitAsync(context.Background(), 2, testFeatures)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// The aborted unit leaves no job, no journal row and the balance intact.
	assert.Equal(t, "5", ledger.balance(2).String())
	assert.Empty(t, ledger.jobs)
	assert.Empty(t, ledger.txs)
	assert.Empty(t, pub.published)
}

func TestSubmitAsync_UnknownUser(t *testing.T) {
	svc, _, pub, _ := newDispatchFixture(t)

	_, err := svc.SubmitAsync(context.Background(), 404, testFeatures)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, pub.published)
}

func TestSubmitAsync_RejectsBadFeatures(t *testing.T) {
	svc, ledger, _, _ := newDispatchFixture(t)

	for _, payload := range []string{`{"not":"an array"}`, `[]`, `not json`} {
		_, err := svc.SubmitAsync(context.Background(), 1, json.RawMessage(payload))
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, payload)
	}
	assert.Equal(t, "100", ledger.balance(1).String())
}

func TestSubmitAsync_NoActiveModel(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addUser(1, "100.00")
	svc := NewDispatchService(ledger, &fakePublisher{}, &fakeRPC{}, NewSettleService(ledger),
		decimal.RequireFromString("10.00"), "rpc_queue")

	_, err := svc.SubmitAsync(context.Background(), 1, testFeatures)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "100", ledger.balance(1).String())
}

func TestSubmitAsync_PublishFailureKeepsJob(t *testing.T) {
	svc, ledger, pub, _ := newDispatchFixture(t)
	pub.err = domain.ErrBusUnavailable

	job, err := svc.SubmitAsync(context.Background(), 1, testFeatures)
	require.ErrorIs(t, err, domain.ErrBusUnavailable)

	// The charge committed before the publish; the pending job stays on the
	// books for the sweeper to refund.
	require.NotZero(t, job.ID)
	stored, err2 := ledger.GetJob(context.Background(), job.ID)
	require.NoError(t, err2)
	assert.Equal(t, domain.JobPending, stored.Status)
	assert.Equal(t, "90", ledger.balance(1).String())
}

func TestRPCTimeout_ScalesWithRows(t *testing.T) {
	assert.Equal(t, 15*time.Second, rpcTimeout(1))
	assert.Equal(t, 15*time.Second, rpcTimeout(25))
	assert.Equal(t, 10*time.Second+26*200*time.Millisecond, rpcTimeout(26))
	assert.Equal(t, 30*time.Second, rpcTimeout(100))
}

func TestSubmitRPC_SettlesFromReply(t *testing.T) {
	svc, ledger, _, rpc := newDispatchFixture(t)
	rpc.reply = []byte(`{"task_id":"1","prediction":[{"score":0.93},{"score":0.41}],"status":"success","worker_id":"w-1"}`)

	job, err := svc.SubmitRPC(context.Background(), 1, testFeatures)
	require.NoError(t, err)

	assert.Equal(t, domain.JobSuccess, job.Status)
	assert.JSONEq(t, `[{"score":0.93},{"score":0.41}]`, string(job.Prediction))
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, "90", ledger.balance(1).String())

	journal, err := ledger.ListJournalForUser(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, journal, 1, "only the payment row, no refund")
	assert.Equal(t, domain.KindPayment, journal[0].Kind)

	assert.Equal(t, "rpc_queue", rpc.key)
	assert.Equal(t, 15*time.Second, rpc.timeout, "two rows stays on the floor")
}

func TestSubmitRPC_FailReplyRefunds(t *testing.T) {
	svc, ledger, _, rpc := newDispatchFixture(t)
	rpc.reply = []byte(`{"task_id":"1","status":"fail","error":"model blew up"}`)

	job, err := svc.SubmitRPC(context.Background(), 1, testFeatures)
	require.NoError(t, err)

	assert.Equal(t, domain.JobFail, job.Status)
	assert.Equal(t, "100", ledger.balance(1).String(), "failed job is refunded")

	journal, err := ledger.ListJournalForUser(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, journal, 2, "payment plus refund")
	assert.Equal(t, domain.KindReplenish, journal[0].Kind)
	require.NotNil(t, journal[0].JobID)
	assert.Equal(t, job.ID, *journal[0].JobID)
}

func TestSubmitRPC_TimeoutLeavesJobPending(t *testing.T) {
	svc, ledger, _, rpc := newDispatchFixture(t)
	rpc.err = domain.ErrTimeout

	job, err := svc.SubmitRPC(context.Background(), 1, testFeatures)
	require.ErrorIs(t, err, domain.ErrTimeout)
	require.NotZero(t, job.ID)

	stored, err2 := ledger.GetJob(context.Background(), job.ID)
	require.NoError(t, err2)
	assert.Equal(t, domain.JobPending, stored.Status)
	assert.Equal(t, "90", ledger.balance(1).String(), "charge stands until the job settles")

	// A late worker result still settles the job through the results queue.
	settler := NewSettleService(ledger)
	require.NoError(t, settler.Settle(context.Background(), domain.ResultEnvelope{
		TaskID: "1", Status: domain.ResultSuccess, Prediction: json.RawMessage(`[{"score":0.5}]`),
	}))
	stored, err2 = ledger.GetJob(context.Background(), job.ID)
	require.NoError(t, err2)
	assert.Equal(t, domain.JobSuccess, stored.Status)
}
