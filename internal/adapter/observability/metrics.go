package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_tasks_published_total",
			Help: "Total number of task envelopes published, by outcome",
		},
		[]string{"outcome"},
	)
	PublishRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_publish_retries_total",
			Help: "Total number of publish retry attempts after the first",
		},
	)
	RPCCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_rpc_calls_total",
			Help: "Total number of RPC calls, by outcome",
		},
		[]string{"outcome"},
	)
	RPCSlotsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_rpc_slots_reaped_total",
			Help: "Total number of stale RPC reply slots dropped by the reaper",
		},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of inference jobs submitted, by mode",
		},
		[]string{"mode"},
	)
	JobsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_settled_total",
			Help: "Total number of settlements, by terminal status",
		},
		[]string{"status"},
	)
	RefundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_refunds_total",
			Help: "Total number of compensating replenish rows written",
		},
	)
	SettleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settle_duration_seconds",
			Help:    "Settlement unit-of-work duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksPublishedTotal)
	prometheus.MustRegister(PublishRetriesTotal)
	prometheus.MustRegister(RPCCallsTotal)
	prometheus.MustRegister(RPCSlotsReapedTotal)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsSettledTotal)
	prometheus.MustRegister(RefundsTotal)
	prometheus.MustRegister(SettleDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
