// Package mlscorer is the HTTP client for the model-serving process. Every
// error collapses to an absent score; the fuser, not this package, decides
// what an absent score means.
package mlscorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/safeguardai/decision-engine/internal/adapter/observability"
	"github.com/safeguardai/decision-engine/internal/domain"
)

const (
	reasonTimeout  = "ml_timeout"
	reasonError    = "ml_error"
	reasonDegraded = "ml_degraded"
)

type predictRequest struct {
	EventID  string        `json:"event_id"`
	TenantID string        `json:"tenant_id"`
	Features featureVector `json:"features"`
}

type predictResponse struct {
	Score        float64  `json:"score"`
	ModelVersion string   `json:"model_version"`
	TopFeatures  []string `json:"top_features"`
}

// Client implements domain.Scorer against POST {baseURL}/predict.
type Client struct {
	log     *slog.Logger
	http    *http.Client
	baseURL string
	timeout time.Duration
	breaker *CircuitBreaker
}

// New builds the scorer client. timeout is the per-call deadline applied on
// top of whatever the orchestrator's fan-out context carries.
func New(log *slog.Logger, baseURL string, timeout time.Duration, breaker *CircuitBreaker) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Millisecond
	}
	return &Client{
		log:     log,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		baseURL: baseURL,
		timeout: timeout,
		breaker: breaker,
	}
}

// Predict scores one event. It never returns an error: failures, timeouts,
// and an open breaker all collapse to MLResult{Absent: true} with the reason
// the fuser surfaces.
func (c *Client) Predict(ctx context.Context, ev domain.TransactionEvent) domain.MLResult {
	if c.breaker != nil && !c.breaker.ShouldAttempt() {
		observability.CountError("ml_circuit_open")
		return domain.MLResult{Absent: true, AbsentReason: reasonDegraded}
	}

	res, err := c.predict(ctx, ev)
	if err != nil {
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		reason := reasonError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = reasonTimeout
		}
		observability.CountError(reason)
		c.log.Warn("ml predict failed",
			slog.String("event_id", ev.EventID),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return domain.MLResult{Absent: true, AbsentReason: reason}
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
	return res
}

func (c *Client) predict(ctx context.Context, ev domain.TransactionEvent) (domain.MLResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(predictRequest{
		EventID:  ev.EventID,
		TenantID: ev.TenantID,
		Features: extractFeatures(ev),
	})
	if err != nil {
		return domain.MLResult{}, fmt.Errorf("op=scorer.predict: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return domain.MLResult{}, fmt.Errorf("op=scorer.predict: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.MLResult{}, fmt.Errorf("op=scorer.predict: %w: %w", domain.ErrScoringUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return domain.MLResult{}, fmt.Errorf("op=scorer.predict: %w: status %d", domain.ErrScoringUnavailable, resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.MLResult{}, fmt.Errorf("op=scorer.predict: decode: %w", err)
	}
	if out.Score < 0 || out.Score > 1 {
		return domain.MLResult{}, fmt.Errorf("op=scorer.predict: score %v outside [0,1]", out.Score)
	}
	return domain.MLResult{
		Score:        out.Score,
		ModelVersion: out.ModelVersion,
		TopFeatures:  out.TopFeatures,
	}, nil
}

// Ready probes the serving process health endpoint.
func (c *Client) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("op=scorer.ready: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("op=scorer.ready: %w: %w", domain.ErrScoringUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=scorer.ready: %w: status %d", domain.ErrScoringUnavailable, resp.StatusCode)
	}
	return nil
}
