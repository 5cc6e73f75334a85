package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/config"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/service/ratelimiter"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/usecase"
)

// Dispatcher is the slice of usecase.DispatchService the handlers need.
type Dispatcher interface {
	SubmitAsync(ctx context.Context, userID int64, features json.RawMessage) (domain.InferenceJob, error)
	SubmitRPC(ctx context.Context, userID int64, features json.RawMessage) (domain.InferenceJob, error)
}

// Biller is the slice of usecase.BillingService the handlers need.
type Biller interface {
	RequestReplenish(ctx context.Context, userID int64, amount decimal.Decimal) (domain.Transaction, error)
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	Journal(ctx context.Context, userID int64) ([]domain.Transaction, error)
	Jobs(ctx context.Context, userID int64) ([]domain.InferenceJob, error)
	Job(ctx context.Context, jobID, userID int64) (domain.InferenceJob, error)
}

// Administrator is the slice of usecase.AdminService the handlers need.
type Administrator interface {
	DirectCredit(ctx context.Context, userID int64, amount decimal.Decimal, description string) (domain.Transaction, error)
	ApproveReplenish(ctx context.Context, txID int64) (domain.Transaction, error)
	RejectReplenish(ctx context.Context, txID int64) (domain.Transaction, error)
	Users(ctx context.Context) ([]domain.User, error)
	Transactions(ctx context.Context) ([]domain.Transaction, error)
	Jobs(ctx context.Context) ([]domain.InferenceJob, error)
}

// UserLoader resolves accounts for the admin guard.
type UserLoader interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Dispatch Dispatcher
	Billing  Biller
	Admin    Administrator
	Ledger   UserLoader
	Limiter  ratelimiter.Limiter

	DBCheck    func(ctx context.Context) error
	BusCheck   func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

var (
	_ Dispatcher    = (*usecase.DispatchService)(nil)
	_ Biller        = (*usecase.BillingService)(nil)
	_ Administrator = (*usecase.AdminService)(nil)
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type predictRequest struct {
	Features json.RawMessage `json:"features" validate:"required"`
}

type replenishRequest struct {
	Amount string `json:"amount" validate:"required"`
}

type jobView struct {
	ID          int64           `json:"id"`
	Status      string          `json:"status"`
	Cost        string          `json:"cost"`
	ModelID     int64           `json:"model_id"`
	Prediction  json.RawMessage `json:"prediction,omitempty"`
	Errors      json.RawMessage `json:"errors,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toJobView(j domain.InferenceJob) jobView {
	return jobView{
		ID:          j.ID,
		Status:      string(j.Status),
		Cost:        j.Cost.StringFixed(2),
		ModelID:     j.ModelID,
		Prediction:  j.Prediction,
		Errors:      j.Errors,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}

type transactionView struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Amount      string    `json:"amount"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	JobID       *int64    `json:"job_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toTransactionView(t domain.Transaction) transactionView {
	return transactionView{
		ID:          t.ID,
		UserID:      t.UserID,
		Amount:      t.Amount.StringFixed(2),
		Kind:        string(t.Kind),
		Status:      string(t.Status),
		Description: t.Description,
		JobID:       t.JobID,
		CreatedAt:   t.CreatedAt,
	}
}

func decodeValid(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed json body: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// checkRate charges one submission token for the user; a denied request gets
// a Retry-After hint.
func (s *Server) checkRate(w http.ResponseWriter, r *http.Request, userID int64) bool {
	if s.Limiter == nil {
		return true
	}
	allowed, retryAfter, _ := s.Limiter.Allow(r.Context(), userID)
	if allowed {
		return true
	}
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, r, fmt.Errorf("user %d: %w", userID, domain.ErrRateLimited),
		map[string]int{"retry_after_seconds": secs})
	return false
}

// PredictHandler submits a batch for asynchronous processing. The response is
// 202: the job is charged and queued, the prediction arrives later.
func (s *Server) PredictHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userFrom(r)
		if !s.checkRate(w, r, userID) {
			return
		}
		var req predictRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}

		job, err := s.Dispatch.SubmitAsync(r.Context(), userID, req.Features)
		if err != nil {
			var details interface{}
			if job.ID != 0 {
				// Charged and recorded but not handed to a worker; the stale
				// sweeper refunds it unless a worker still picks it up.
				details = map[string]int64{"job_id": job.ID}
			}
			writeError(w, r, err, details)
			return
		}
		writeJSON(w, http.StatusAccepted, toJobView(job))
	}
}

// PredictSyncHandler submits a batch and waits for the worker's reply. The
// response carries the settled job, prediction included.
func (s *Server) PredictSyncHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userFrom(r)
		if !s.checkRate(w, r, userID) {
			return
		}
		var req predictRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}

		job, err := s.Dispatch.SubmitRPC(r.Context(), userID, req.Features)
		if err != nil {
			var details interface{}
			if job.ID != 0 {
				details = map[string]int64{"job_id": job.ID}
			}
			writeError(w, r, err, details)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// JobsHandler lists the caller's jobs, newest first.
func (s *Server) JobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.Billing.Jobs(r.Context(), userFrom(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
	}
}

// JobHandler returns one of the caller's jobs.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: job id must be an integer", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Billing.Job(r.Context(), id, userFrom(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// BalanceHandler returns the caller's wallet balance.
func (s *Server) BalanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userFrom(r)
		balance, err := s.Billing.Balance(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id": userID,
			"balance": balance.StringFixed(2),
		})
	}
}

// TransactionsHandler lists the caller's journal, newest first.
func (s *Server) TransactionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txs, err := s.Billing.Journal(r.Context(), userFrom(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]transactionView, 0, len(txs))
		for _, t := range txs {
			out = append(out, toTransactionView(t))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": out})
	}
}

// ReplenishHandler records a replenishment request for the caller.
func (s *Server) ReplenishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req replenishRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: amount must be a decimal string", domain.ErrInvalidArgument), nil)
			return
		}
		row, err := s.Billing.RequestReplenish(r.Context(), userFrom(r), amount)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := http.StatusCreated
		if row.Status == domain.TxPending {
			status = http.StatusAccepted
		}
		writeJSON(w, status, toTransactionView(row))
	}
}

// HealthzHandler reports liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyzHandler reports readiness of the dependencies the service cannot
// serve without. Redis is advisory; the limiter fails open.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		name string
		fn   func(ctx context.Context) error
		hard bool
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := []check{
			{"db", s.DBCheck, true},
			{"bus", s.BusCheck, true},
			{"redis", s.RedisCheck, false},
		}
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if c.fn == nil {
				results[c.name] = "skipped"
				continue
			}
			if err := c.fn(ctx); err != nil {
				results[c.name] = err.Error()
				if c.hard {
					status = http.StatusServiceUnavailable
				}
				continue
			}
			results[c.name] = "ok"
		}
		writeJSON(w, status, results)
	}
}
