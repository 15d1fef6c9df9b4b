package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/safeguardai/decision-engine/internal/adapter/httpserver"
	"github.com/safeguardai/decision-engine/internal/config"
	"github.com/safeguardai/decision-engine/internal/domain"
)

type noopAdmin struct{}

func (noopAdmin) Reload(context.Context) (int, error) { return 0, nil }
func (noopAdmin) Rules() []domain.Rule                { return nil }

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Config{
		RateLimitPerMin:  600,
		RequestDeadline:  100 * time.Millisecond,
		CORSAllowOrigins: "*",
	}
	srv := httpserver.NewServer(cfg, nil, noopAdmin{})
	return BuildRouter(cfg, srv)
}

func TestRouterHealthz(t *testing.T) {
	h := testRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestRouterSecurityHeaders(t *testing.T) {
	h := testRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRouterRequestID(t *testing.T) {
	h := testRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRouterUnknownRoute(t *testing.T) {
	h := testRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterRateLimitAnswersJSON(t *testing.T) {
	cfg := config.Config{
		RateLimitPerMin:  1,
		RequestDeadline:  100 * time.Millisecond,
		CORSAllowOrigins: "*",
	}
	srv := httpserver.NewServer(cfg, nil, noopAdmin{})
	h := BuildRouter(cfg, srv)

	post := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/score", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusBadRequest, post().Code)

	rec := post()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body["error"])
	assert.Equal(t, float64(1), body["retry_after_seconds"])
}

func TestRouterMetrics(t *testing.T) {
	h := testRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , "))
}
