// Package domain holds the core entities, ports and error taxonomy of the
// credit-metered inference dispatch service.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadySettled    = errors.New("already settled")
	ErrBusUnavailable    = errors.New("bus unavailable")
	ErrTimeout           = errors.New("timeout")
	ErrStorage           = errors.New("storage unavailable")
	ErrRateLimited       = errors.New("rate limited")
)

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User carries identity, role and the wallet balance.
// Invariant: Balance >= 0 after every committed unit of work.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
	Role      string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// TransactionKind enumerates journal entry kinds. Payment rows carry negative
// amounts, replenish rows positive ones.
type TransactionKind string

const (
	KindReplenish TransactionKind = "replenish"
	KindPayment   TransactionKind = "payment"
)

// TransactionStatus enumerates journal entry states. Only approved rows have
// been applied to a balance.
type TransactionStatus string

const (
	TxPending  TransactionStatus = "pending"
	TxApproved TransactionStatus = "approved"
	TxRejected TransactionStatus = "rejected"
)

// Transaction is one journal entry of the wallet ledger.
type Transaction struct {
	ID          int64
	UserID      int64
	Amount      decimal.Decimal
	Kind        TransactionKind
	Status      TransactionStatus
	Description string
	JobID       *int64
	CreatedAt   time.Time
}

// JobStatus enumerates inference job states. The only legal transitions are
// pending -> success and pending -> fail.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSuccess JobStatus = "success"
	JobFail    JobStatus = "fail"
)

// InferenceJob is the durable record of one submitted batch.
type InferenceJob struct {
	ID          int64
	UserID      int64
	ModelID     int64
	InputData   json.RawMessage // JSON array of feature rows
	Prediction  json.RawMessage // nil until settled
	Errors      json.RawMessage // nil unless failed
	Status      JobStatus
	Cost        decimal.Decimal
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// JobPatch carries the fields a settle writes.
type JobPatch struct {
	Status      JobStatus
	Prediction  json.RawMessage
	Errors      json.RawMessage
	CompletedAt time.Time
}

// Model is an inference model registered at seed time; immutable afterwards.
type Model struct {
	ID       int64
	Name     string
	CodeName string
	Version  string
	IsActive bool
	Cost     decimal.Decimal
}

// TaskEnvelope is the wire format published to the tasks exchange.
type TaskEnvelope struct {
	TaskID    string          `json:"task_id"`
	Features  json.RawMessage `json:"features"`
	Model     string          `json:"model"`
	UserID    int64           `json:"user_id"`
	Timestamp int64           `json:"timestamp"`
}

// ResultEnvelope is the wire format workers publish to the results exchange.
type ResultEnvelope struct {
	TaskID     string          `json:"task_id"`
	Prediction json.RawMessage `json:"prediction,omitempty"`
	Status     string          `json:"status"`
	WorkerID   string          `json:"worker_id,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Result envelope statuses on the wire.
const (
	ResultSuccess = "success"
	ResultFail    = "fail"
)

// UnitOfWork is the scope of one atomic ledger mutation. All methods observe
// and modify uncommitted state; the enclosing WithinTx commits or aborts as a
// whole.
type UnitOfWork interface {
	// ConditionalDebit subtracts amount from the user's balance only if the
	// balance covers it, as a single guarded statement. Returns whether the
	// debit applied.
	ConditionalDebit(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error)
	// Credit adds amount to the user's balance unconditionally.
	Credit(ctx context.Context, userID int64, amount decimal.Decimal) error
	AppendJournal(ctx context.Context, row Transaction) (int64, error)
	InsertJob(ctx context.Context, job InferenceJob) (int64, error)
	UpdateJob(ctx context.Context, id int64, patch JobPatch) error
	// JobForUpdate loads a job and locks its row for the duration of the unit.
	JobForUpdate(ctx context.Context, id int64) (InferenceJob, error)
	ActiveModel(ctx context.Context) (Model, error)
	// TransactionForUpdate loads a journal row and locks it.
	TransactionForUpdate(ctx context.Context, id int64) (Transaction, error)
	SetTransactionStatus(ctx context.Context, id int64, status TransactionStatus) error
}

// Ledger is the port to the durable wallet/journal/job store.
type Ledger interface {
	// WithinTx runs fn inside one unit of work, committing on nil and
	// aborting on error. No partial writes are observable either way.
	WithinTx(ctx context.Context, fn func(uow UnitOfWork) error) error

	GetUser(ctx context.Context, id int64) (User, error)
	GetJob(ctx context.Context, id int64) (InferenceJob, error)
	GetJobForUser(ctx context.Context, id, userID int64) (InferenceJob, error)
	ListJobsForUser(ctx context.Context, userID int64) ([]InferenceJob, error)
	ListJournalForUser(ctx context.Context, userID int64) ([]Transaction, error)
	ListUsers(ctx context.Context) ([]User, error)
	ListTransactions(ctx context.Context) ([]Transaction, error)
	ListJobs(ctx context.Context) ([]InferenceJob, error)
	// ListStalePendingJobs returns pending jobs created before the cutoff.
	ListStalePendingJobs(ctx context.Context, cutoff time.Time) ([]InferenceJob, error)
}

// TaskPublisher publishes task envelopes to the tasks exchange with publisher
// confirms and bounded retry.
type TaskPublisher interface {
	PublishTask(ctx context.Context, env TaskEnvelope) error
}

// RPCCaller performs request/reply over the bus with a correlation-id reply
// queue.
type RPCCaller interface {
	Call(ctx context.Context, payload []byte, routingKey string, timeout time.Duration) ([]byte, error)
}
