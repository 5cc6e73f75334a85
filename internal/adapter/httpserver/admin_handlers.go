package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

type adminCreditRequest struct {
	UserID      int64  `json:"user_id" validate:"required,gt=0"`
	Amount      string `json:"amount" validate:"required"`
	Description string `json:"description"`
}

type userView struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserView(u domain.User) userView {
	return userView{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Role:      u.Role,
		Balance:   u.Balance.StringFixed(2),
		CreatedAt: u.CreatedAt,
	}
}

// AdminCreditHandler adds funds to any wallet.
func (s *Server) AdminCreditHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adminCreditRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: amount must be a decimal string", domain.ErrInvalidArgument), nil)
			return
		}
		row, err := s.Admin.DirectCredit(r.Context(), req.UserID, amount, req.Description)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toTransactionView(row))
	}
}

func reviewID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: transaction id must be an integer", domain.ErrInvalidArgument)
	}
	return id, nil
}

// AdminApproveHandler applies a pending replenishment.
func (s *Server) AdminApproveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := reviewID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		row, err := s.Admin.ApproveReplenish(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionView(row))
	}
}

// AdminRejectHandler declines a pending replenishment.
func (s *Server) AdminRejectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := reviewID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		row, err := s.Admin.RejectReplenish(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionView(row))
	}
}

// AdminUsersHandler lists every account with its balance.
func (s *Server) AdminUsersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := s.Admin.Users(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]userView, 0, len(users))
		for _, u := range users {
			out = append(out, toUserView(u))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"users": out})
	}
}

// AdminTransactionsHandler lists the entire journal.
func (s *Server) AdminTransactionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txs, err := s.Admin.Transactions(r.Context())
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

// AdminJobsHandler lists every job in the system.
func (s *Server) AdminJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.Admin.Jobs(r.Context())
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
