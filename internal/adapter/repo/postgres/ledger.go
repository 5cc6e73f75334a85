package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same queries
// serve read views and units of work.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Ledger over a pgx pool.
type Store struct{ Pool *pgxpool.Pool }

// NewStore constructs a Store with the given pool.
func NewStore(p *pgxpool.Pool) *Store { return &Store{Pool: p} }

// WithinTx runs fn inside one transaction. Any error aborts the whole unit;
// no partial writes are observable.
func (s *Store) WithinTx(ctx context.Context, fn func(uow domain.UnitOfWork) error) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.WithinTx")
	defer span.End()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=ledger.begin: %w", storageErr(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&unit{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ledger.commit: %w", storageErr(err))
	}
	return nil
}

// storageErr maps driver errors onto the domain taxonomy.
func storageErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStorage, err)
}

const userCols = `id, first_name, last_name, email, role, balance::text, created_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	var balance string
	if err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Role, &balance, &u.CreatedAt); err != nil {
		return domain.User{}, err
	}
	return u, setDecimal(&u.Balance, balance)
}

const jobCols = `id, user_id, model_id, input_data, prediction, errors, status, cost::text, created_at, completed_at`

func scanJob(row pgx.Row) (domain.InferenceJob, error) {
	var j domain.InferenceJob
	var cost string
	if err := row.Scan(&j.ID, &j.UserID, &j.ModelID, &j.InputData, &j.Prediction, &j.Errors, &j.Status, &cost, &j.CreatedAt, &j.CompletedAt); err != nil {
		return domain.InferenceJob{}, err
	}
	return j, setDecimal(&j.Cost, cost)
}

const txCols = `id, user_id, amount::text, kind, status, description, job_id, created_at`

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	var amount string
	if err := row.Scan(&t.ID, &t.UserID, &amount, &t.Kind, &t.Status, &t.Description, &t.JobID, &t.CreatedAt); err != nil {
		return domain.Transaction{}, err
	}
	return t, setDecimal(&t.Amount, amount)
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", storageErr(err))
	}
	return u, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (domain.InferenceJob, error) {
	return getJob(ctx, s.Pool, `SELECT `+jobCols+` FROM inference_job WHERE id=$1`, id)
}

// GetJobForUser loads a job by id scoped to its owner.
func (s *Store) GetJobForUser(ctx context.Context, id, userID int64) (domain.InferenceJob, error) {
	return getJob(ctx, s.Pool, `SELECT `+jobCols+` FROM inference_job WHERE id=$1 AND user_id=$2`, id, userID)
}

func getJob(ctx context.Context, q querier, sql string, args ...any) (domain.InferenceJob, error) {
	j, err := scanJob(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.InferenceJob{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.InferenceJob{}, fmt.Errorf("op=job.get: %w", storageErr(err))
	}
	return j, nil
}

// ListJobsForUser returns the user's job history, newest first.
func (s *Store) ListJobsForUser(ctx context.Context, userID int64) ([]domain.InferenceJob, error) {
	return listJobs(ctx, s.Pool, `SELECT `+jobCols+` FROM inference_job WHERE user_id=$1 ORDER BY created_at DESC`, userID)
}

// ListJobs returns all jobs in the system, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]domain.InferenceJob, error) {
	return listJobs(ctx, s.Pool, `SELECT `+jobCols+` FROM inference_job ORDER BY created_at DESC`)
}

// ListStalePendingJobs returns pending jobs created before the cutoff,
// oldest first, for the refund sweeper.
func (s *Store) ListStalePendingJobs(ctx context.Context, cutoff time.Time) ([]domain.InferenceJob, error) {
	return listJobs(ctx, s.Pool,
		`SELECT `+jobCols+` FROM inference_job WHERE status='pending' AND created_at < $1 ORDER BY created_at`, cutoff)
}

func listJobs(ctx context.Context, q querier, sql string, args ...any) ([]domain.InferenceJob, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", storageErr(err))
	}
	defer rows.Close()
	var out []domain.InferenceJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", storageErr(err))
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", storageErr(err))
	}
	return out, nil
}

// ListJournalForUser returns the user's journal, newest first.
func (s *Store) ListJournalForUser(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	return listTransactions(ctx, s.Pool,
		`SELECT `+txCols+` FROM transaction WHERE user_id=$1 ORDER BY created_at DESC`, userID)
}

// ListTransactions returns every journal row in the system, newest first.
func (s *Store) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	return listTransactions(ctx, s.Pool, `SELECT `+txCols+` FROM transaction ORDER BY created_at DESC`)
}

func listTransactions(ctx context.Context, q querier, sql string, args ...any) ([]domain.Transaction, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("op=journal.list: %w", storageErr(err))
	}
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("op=journal.list: %w", storageErr(err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=journal.list: %w", storageErr(err))
	}
	return out, nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+userCols+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("op=user.list: %w", storageErr(err))
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("op=user.list: %w", storageErr(err))
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=user.list: %w", storageErr(err))
	}
	return out, nil
}
