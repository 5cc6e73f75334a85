package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

// Identity is established by the edge proxy, which authenticates the caller
// and forwards the account id in X-User-Id. The service trusts that header.
const userIDHeader = "X-User-Id"

type userIDKey struct{}

// RequireUser rejects requests without a parseable X-User-Id and stores the
// id in the request context.
func RequireUser() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(userIDHeader)
			if raw == "" {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code: "UNAUTHENTICATED", Message: "missing " + userIDHeader + " header",
				}})
				return
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code: "UNAUTHENTICATED", Message: "malformed " + userIDHeader + " header",
				}})
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// userFrom returns the authenticated user id; zero when RequireUser did not
// run, which is a routing bug.
func userFrom(r *http.Request) int64 {
	if v := r.Context().Value(userIDKey{}); v != nil {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}

// RequireAdmin loads the calling account and rejects non-admin roles. It runs
// after RequireUser.
func (s *Server) RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := userFrom(r)
			u, err := s.Ledger.GetUser(r.Context(), userID)
			if err != nil {
				writeError(w, r, fmt.Errorf("admin guard: %w", err), nil)
				return
			}
			if u.Role != domain.RoleAdmin {
				writeJSON(w, http.StatusForbidden, errorEnvelope{Error: apiError{
					Code: "FORBIDDEN", Message: "admin role required",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
