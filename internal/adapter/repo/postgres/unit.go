package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

// unit implements domain.UnitOfWork on one pgx transaction.
type unit struct{ tx pgx.Tx }

func setDecimal(dst *decimal.Decimal, s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("numeric %q: %w", s, err)
	}
	*dst = d
	return nil
}

// ConditionalDebit applies balance := balance - amount only when the balance
// covers it. The guard lives in the WHERE clause so two concurrent debits can
// never drive the balance negative.
func (u *unit) ConditionalDebit(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	tag, err := u.tx.Exec(ctx,
		`UPDATE users SET balance = balance - $2::numeric WHERE id = $1 AND balance >= $2::numeric`,
		userID, amount.StringFixed(2))
	if err != nil {
		return false, fmt.Errorf("op=ledger.conditional_debit: %w", storageErr(err))
	}
	return tag.RowsAffected() > 0, nil
}

// Credit applies balance := balance + amount unconditionally.
func (u *unit) Credit(ctx context.Context, userID int64, amount decimal.Decimal) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2::numeric WHERE id = $1`,
		userID, amount.StringFixed(2))
	if err != nil {
		return fmt.Errorf("op=ledger.credit: %w", storageErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=ledger.credit user=%d: %w", userID, domain.ErrNotFound)
	}
	return nil
}

// AppendJournal inserts a journal row and returns its id.
func (u *unit) AppendJournal(ctx context.Context, row domain.Transaction) (int64, error) {
	var id int64
	err := u.tx.QueryRow(ctx,
		`INSERT INTO transaction (user_id, amount, kind, status, description, job_id)
		 VALUES ($1, $2::numeric, $3, $4, $5, $6) RETURNING id`,
		row.UserID, row.Amount.StringFixed(2), row.Kind, row.Status, row.Description, row.JobID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.append_journal: %w", storageErr(err))
	}
	return id, nil
}

// InsertJob inserts a pending job record and returns its id.
func (u *unit) InsertJob(ctx context.Context, job domain.InferenceJob) (int64, error) {
	var id int64
	err := u.tx.QueryRow(ctx,
		`INSERT INTO inference_job (user_id, model_id, input_data, status, cost)
		 VALUES ($1, $2, $3, $4, $5::numeric) RETURNING id`,
		job.UserID, job.ModelID, job.InputData, job.Status, job.Cost.StringFixed(2)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.insert_job: %w", storageErr(err))
	}
	return id, nil
}

// UpdateJob writes a job's terminal fields.
func (u *unit) UpdateJob(ctx context.Context, id int64, patch domain.JobPatch) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE inference_job SET status=$2, prediction=$3, errors=$4, completed_at=$5 WHERE id=$1`,
		id, patch.Status, patch.Prediction, patch.Errors, patch.CompletedAt)
	if err != nil {
		return fmt.Errorf("op=ledger.update_job: %w", storageErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=ledger.update_job id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// JobForUpdate loads a job and holds its row lock until commit. The settle
// idempotence guard reads the status under this lock.
func (u *unit) JobForUpdate(ctx context.Context, id int64) (domain.InferenceJob, error) {
	j, err := scanJob(u.tx.QueryRow(ctx,
		`SELECT `+jobCols+` FROM inference_job WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.InferenceJob{}, fmt.Errorf("op=ledger.job_for_update id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.InferenceJob{}, fmt.Errorf("op=ledger.job_for_update: %w", storageErr(err))
	}
	return j, nil
}

// ActiveModel returns the active model.
func (u *unit) ActiveModel(ctx context.Context) (domain.Model, error) {
	var m domain.Model
	var cost string
	err := u.tx.QueryRow(ctx,
		`SELECT id, name, code_name, version, is_active, cost::text FROM ml_model WHERE is_active LIMIT 1`).
		Scan(&m.ID, &m.Name, &m.CodeName, &m.Version, &m.IsActive, &cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Model{}, fmt.Errorf("op=ledger.active_model: %w", domain.ErrNotFound)
		}
		return domain.Model{}, fmt.Errorf("op=ledger.active_model: %w", storageErr(err))
	}
	if err := setDecimal(&m.Cost, cost); err != nil {
		return domain.Model{}, fmt.Errorf("op=ledger.active_model: %w", err)
	}
	return m, nil
}

// TransactionForUpdate loads a journal row and holds its lock until commit.
func (u *unit) TransactionForUpdate(ctx context.Context, id int64) (domain.Transaction, error) {
	t, err := scanTransaction(u.tx.QueryRow(ctx,
		`SELECT `+txCols+` FROM transaction WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transaction{}, fmt.Errorf("op=ledger.tx_for_update id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.Transaction{}, fmt.Errorf("op=ledger.tx_for_update: %w", storageErr(err))
	}
	return t, nil
}

// SetTransactionStatus flips a journal row's status.
func (u *unit) SetTransactionStatus(ctx context.Context, id int64, status domain.TransactionStatus) error {
	tag, err := u.tx.Exec(ctx, `UPDATE transaction SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=ledger.set_tx_status: %w", storageErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=ledger.set_tx_status id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}
