package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	httpserver "github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/config"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
}

func TestBuildRouter_PublicEndpoints(t *testing.T) {
	cfg := config.Config{RateLimitPerMin: 60, CORSAllowOrigins: "*", HTTPWriteTimeout: 60 * time.Second}
	srv := &httpserver.Server{}
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRouter_ProtectedEndpointsNeedIdentity(t *testing.T) {
	cfg := config.Config{RateLimitPerMin: 60, CORSAllowOrigins: "*", HTTPWriteTimeout: 60 * time.Second}
	srv := &httpserver.Server{}
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/balance", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
