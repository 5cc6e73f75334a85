// Package app wires the HTTP surface and the background loops of the
// service.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(ur chi.Router) {
		ur.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		ur.Use(httpserver.RequireUser())

		ur.Post("/v1/predict", srv.PredictHandler())
		ur.Post("/v1/predict/rpc", srv.PredictSyncHandler())
		ur.Post("/v1/balance/replenish", srv.ReplenishHandler())
		ur.Get("/v1/jobs", srv.JobsHandler())
		ur.Get("/v1/jobs/{id}", srv.JobHandler())
		ur.Get("/v1/balance", srv.BalanceHandler())
		ur.Get("/v1/transactions", srv.TransactionsHandler())

		ur.Group(func(ar chi.Router) {
			ar.Use(srv.RequireAdmin())
			ar.Post("/v1/admin/credit", srv.AdminCreditHandler())
			ar.Post("/v1/admin/transactions/{id}/approve", srv.AdminApproveHandler())
			ar.Post("/v1/admin/transactions/{id}/reject", srv.AdminRejectHandler())
			ar.Get("/v1/admin/users", srv.AdminUsersHandler())
			ar.Get("/v1/admin/transactions", srv.AdminTransactionsHandler())
			ar.Get("/v1/admin/jobs", srv.AdminJobsHandler())
		})
	})

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
