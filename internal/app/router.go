// Package app assembles the router, readiness checks, and process wiring.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/safeguardai/decision-engine/internal/adapter/httpserver"
	"github.com/safeguardai/decision-engine/internal/adapter/observability"
	"github.com/safeguardai/decision-engine/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input allows everything.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
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

	// scoring path: rate limited, request deadline carries the SLA down to
	// the fan-out
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.Limit(cfg.RateLimitPerMin, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(httpserver.RateLimited)))
		wr.Use(httpserver.TimeoutMiddleware(cfg.RequestDeadline))
		wr.Post("/v1/score", srv.ScoreHandler())
	})

	// admin and read-only endpoints
	r.Post("/v1/rules/reload", srv.RulesReloadHandler())
	r.Get("/v1/rules", srv.RulesListHandler())
	r.Get("/v1/decisions/event/{event_id}", srv.DecisionByEventHandler())

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
