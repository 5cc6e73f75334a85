package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

// fakeLedger is an in-memory domain.Ledger with real rollback semantics:
// WithinTx snapshots the state and restores it when fn errors, so tests can
// assert that aborted units leave no trace.
type fakeLedger struct {
	mu     sync.Mutex
	users  map[int64]domain.User
	jobs   map[int64]domain.InferenceJob
	txs    map[int64]domain.Transaction
	models []domain.Model

	nextJobID int64
	nextTxID  int64

	debitErr error // injected fault for ConditionalDebit
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		users: make(map[int64]domain.User),
		jobs:  make(map[int64]domain.InferenceJob),
		txs:   make(map[int64]domain.Transaction),
	}
}

func (l *fakeLedger) addUser(id int64, balance string) {
	b, _ := decimal.NewFromString(balance)
	l.users[id] = domain.User{
		ID: id, FirstName: "Test", LastName: "User",
		Email: fmt.Sprintf("user%d@example.com", id), Role: domain.RoleUser,
		Balance: b, CreatedAt: time.Now(),
	}
}

func (l *fakeLedger) addModel(id int64, codeName string) {
	cost, _ := decimal.NewFromString("10.00")
	l.models = append(l.models, domain.Model{
		ID: id, Name: codeName, CodeName: codeName, Version: "1.0.0", IsActive: true, Cost: cost,
	})
}

func (l *fakeLedger) balance(id int64) decimal.Decimal { return l.users[id].Balance }

func (l *fakeLedger) snapshot() (map[int64]domain.User, map[int64]domain.InferenceJob, map[int64]domain.Transaction, int64, int64) {
	users := make(map[int64]domain.User, len(l.users))
	for k, v := range l.users {
		users[k] = v
	}
	jobs := make(map[int64]domain.InferenceJob, len(l.jobs))
	for k, v := range l.jobs {
		jobs[k] = v
	}
	txs := make(map[int64]domain.Transaction, len(l.txs))
	for k, v := range l.txs {
		txs[k] = v
	}
	return users, jobs, txs, l.nextJobID, l.nextTxID
}

func (l *fakeLedger) WithinTx(ctx context.Context, fn func(uow domain.UnitOfWork) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	users, jobs, txs, nj, nt := l.snapshot()
	if err := fn(&fakeUOW{l: l}); err != nil {
		l.users, l.jobs, l.txs, l.nextJobID, l.nextTxID = users, jobs, txs, nj, nt
		return err
	}
	return nil
}

func (l *fakeLedger) GetUser(ctx context.Context, id int64) (domain.User, error) {
	u, ok := l.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

func (l *fakeLedger) GetJob(ctx context.Context, id int64) (domain.InferenceJob, error) {
	j, ok := l.jobs[id]
	if !ok {
		return domain.InferenceJob{}, fmt.Errorf("job %d: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (l *fakeLedger) GetJobForUser(ctx context.Context, id, userID int64) (domain.InferenceJob, error) {
	j, ok := l.jobs[id]
	if !ok || j.UserID != userID {
		return domain.InferenceJob{}, fmt.Errorf("job %d: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (l *fakeLedger) ListJobsForUser(ctx context.Context, userID int64) ([]domain.InferenceJob, error) {
	var out []domain.InferenceJob
	for _, j := range l.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	return out, nil
}

func (l *fakeLedger) ListJobs(ctx context.Context) ([]domain.InferenceJob, error) {
	var out []domain.InferenceJob
	for _, j := range l.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	return out, nil
}

func (l *fakeLedger) ListStalePendingJobs(ctx context.Context, cutoff time.Time) ([]domain.InferenceJob, error) {
	var out []domain.InferenceJob
	for _, j := range l.jobs {
		if j.Status == domain.JobPending && j.CreatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (l *fakeLedger) ListJournalForUser(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, t := range l.txs {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	return out, nil
}

func (l *fakeLedger) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, t := range l.txs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	return out, nil
}

func (l *fakeLedger) ListUsers(ctx context.Context) ([]domain.User, error) {
	var out []domain.User
	for _, u := range l.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// fakeUOW mutates the fakeLedger in place; WithinTx handles rollback.
type fakeUOW struct{ l *fakeLedger }

func (u *fakeUOW) ConditionalDebit(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	if u.l.debitErr != nil {
		return false, u.l.debitErr
	}
	usr, ok := u.l.users[userID]
	if !ok || usr.Balance.LessThan(amount) {
		return false, nil
	}
	usr.Balance = usr.Balance.Sub(amount)
	u.l.users[userID] = usr
	return true, nil
}

func (u *fakeUOW) Credit(ctx context.Context, userID int64, amount decimal.Decimal) error {
	usr, ok := u.l.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, domain.ErrNotFound)
	}
	usr.Balance = usr.Balance.Add(amount)
	u.l.users[userID] = usr
	return nil
}

func (u *fakeUOW) AppendJournal(ctx context.Context, row domain.Transaction) (int64, error) {
	u.l.nextTxID++
	row.ID = u.l.nextTxID
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	u.l.txs[row.ID] = row
	return row.ID, nil
}

func (u *fakeUOW) InsertJob(ctx context.Context, job domain.InferenceJob) (int64, error) {
	u.l.nextJobID++
	job.ID = u.l.nextJobID
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	u.l.jobs[job.ID] = job
	return job.ID, nil
}

func (u *fakeUOW) UpdateJob(ctx context.Context, id int64, patch domain.JobPatch) error {
	j, ok := u.l.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, domain.ErrNotFound)
	}
	j.Status = patch.Status
	j.Prediction = patch.Prediction
	j.Errors = patch.Errors
	completed := patch.CompletedAt
	j.CompletedAt = &completed
	u.l.jobs[id] = j
	return nil
}

func (u *fakeUOW) JobForUpdate(ctx context.Context, id int64) (domain.InferenceJob, error) {
	j, ok := u.l.jobs[id]
	if !ok {
		return domain.InferenceJob{}, fmt.Errorf("job %d: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (u *fakeUOW) ActiveModel(ctx context.Context) (domain.Model, error) {
	for _, m := range u.l.models {
		if m.IsActive {
			return m, nil
		}
	}
	return domain.Model{}, fmt.Errorf("active model: %w", domain.ErrNotFound)
}

func (u *fakeUOW) TransactionForUpdate(ctx context.Context, id int64) (domain.Transaction, error) {
	t, ok := u.l.txs[id]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("transaction %d: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (u *fakeUOW) SetTransactionStatus(ctx context.Context, id int64, status domain.TransactionStatus) error {
	t, ok := u.l.txs[id]
	if !ok {
		return fmt.Errorf("transaction %d: %w", id, domain.ErrNotFound)
	}
	t.Status = status
	u.l.txs[id] = t
	return nil
}

// fakePublisher records published envelopes and can fail on demand.
type fakePublisher struct {
	err       error
	published []domain.TaskEnvelope
}

func (p *fakePublisher) PublishTask(ctx context.Context, env domain.TaskEnvelope) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, env)
	return nil
}

// fakeRPC returns a canned reply or error and records the request.
type fakeRPC struct {
	reply    []byte
	err      error
	payloads [][]byte
	key      string
	timeout  time.Duration
}

func (r *fakeRPC) Call(ctx context.Context, payload []byte, routingKey string, timeout time.Duration) ([]byte, error) {
	r.payloads = append(r.payloads, payload)
	r.key = routingKey
	r.timeout = timeout
	if r.err != nil {
		return nil, r.err
	}
	return r.reply, nil
}
