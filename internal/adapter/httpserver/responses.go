// Package httpserver contains the HTTP handlers and middleware of the
// scoring surface. It keeps transport concerns out of the orchestrator: JSON
// shapes, status mapping, request ids, headers.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/safeguardai/decision-engine/internal/domain"
)

type errorBody struct {
	Error             string   `json:"error"`
	Details           []string `json:"details,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
	FallbackUsed      bool     `json:"fallback_used,omitempty"`
	CorrelationID     string   `json:"correlation_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RateLimited answers throttled requests with the JSON error envelope; the
// rate limiter middleware calls it instead of its plain-text default.
func RateLimited(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, domain.ErrRateLimited, nil)
}

// writeError maps domain sentinels onto the wire contract: 400 with
// validation details, 429 with a retry hint, 503 when every scoring path is
// down, otherwise 500 carrying the request id as correlation id.
func writeError(w http.ResponseWriter, r *http.Request, err error, details []string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		if len(details) == 0 {
			details = []string{err.Error()}
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_error", Details: details})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, domain.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", RetryAfterSeconds: 1})
	case errors.Is(err, domain.ErrScoringUnavailable), errors.Is(err, domain.ErrRulesUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "scoring_unavailable", FallbackUsed: true})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:         "internal_error",
			CorrelationID: r.Header.Get("X-Request-Id"),
		})
	}
}
