package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/safeguardai/decision-engine/internal/config"
	"github.com/safeguardai/decision-engine/internal/domain"
	"github.com/safeguardai/decision-engine/internal/usecase"
)

// RulesAdmin is the slice of the rules engine the admin endpoints use.
type RulesAdmin interface {
	Reload(ctx context.Context) (int, error)
	Rules() []domain.Rule
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Decisions *usecase.DecisionService
	Rules     RulesAdmin

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	MLCheck    func(ctx context.Context) error
	RulesCheck func(ctx context.Context) error

	validate *validator.Validate
}

// NewServer constructs the handler set.
func NewServer(cfg config.Config, decisions *usecase.DecisionService, rules RulesAdmin) *Server {
	return &Server{Cfg: cfg, Decisions: decisions, Rules: rules, validate: validator.New()}
}

type scoreRequest struct {
	EventID        string  `json:"event_id" validate:"required"`
	TenantID       string  `json:"tenant_id" validate:"required"`
	IdempotencyKey string  `json:"idempotency_key" validate:"required"`
	Amount         float64 `json:"amount" validate:"required,gt=0"`
	Currency       string  `json:"currency" validate:"required,len=3,alpha"`
	Timestamp      string  `json:"timestamp" validate:"required"`
	Merchant       struct {
		ID      string   `json:"id" validate:"required"`
		Name    string   `json:"name"`
		MCC     string   `json:"mcc" validate:"required"`
		Country string   `json:"country" validate:"required"`
		Lat     *float64 `json:"lat"`
		Long    *float64 `json:"long"`
	} `json:"merchant"`
	Card struct {
		CardID string `json:"card_id" validate:"required"`
		UserID string `json:"user_id" validate:"required"`
		Type   string `json:"type" validate:"required,oneof=physical virtual"`
	} `json:"card"`
	Context struct {
		IP        string `json:"ip" validate:"omitempty,ip"`
		Geo       string `json:"geo"`
		DeviceID  string `json:"device_id"`
		Channel   string `json:"channel" validate:"required,oneof=app web pos atm"`
		UserAgent string `json:"user_agent"`
	} `json:"context"`
	Security struct {
		AuthMethod string `json:"auth_method" validate:"required,oneof=3ds pin biometric nfc none"`
		AMLFlag    bool   `json:"aml_flag"`
	} `json:"security"`
	HasInitial2FA bool `json:"has_initial_2fa"`
}

func (req scoreRequest) toEvent() (domain.TransactionEvent, error) {
	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return domain.TransactionEvent{}, fmt.Errorf("%w: timestamp must be RFC 3339", domain.ErrInvalidRequest)
	}
	return domain.TransactionEvent{
		EventID:        req.EventID,
		TenantID:       req.TenantID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Timestamp:      ts.UTC(),
		Merchant: domain.Merchant{
			ID: req.Merchant.ID, Name: req.Merchant.Name, MCC: req.Merchant.MCC,
			Country: req.Merchant.Country, Lat: req.Merchant.Lat, Long: req.Merchant.Long,
		},
		Card: domain.Card{CardID: req.Card.CardID, UserID: req.Card.UserID, Type: req.Card.Type},
		Context: domain.TxContext{
			IP: req.Context.IP, Geo: req.Context.Geo, DeviceID: req.Context.DeviceID,
			Channel: req.Context.Channel, UserAgent: req.Context.UserAgent,
		},
		Security:      domain.Security{AuthMethod: req.Security.AuthMethod, AMLFlag: req.Security.AMLFlag},
		HasInitial2FA: req.HasInitial2FA,
	}, nil
}

// ScoreHandler is POST /v1/score: validate, orchestrate, answer with the
// decision.
func (s *Server) ScoreHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed json", domain.ErrInvalidRequest), nil)
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, r, domain.ErrInvalidRequest, validationDetails(err))
			return
		}
		ev, err := req.toEvent()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		d, err := s.Decisions.Score(r.Context(), ev)
		if err != nil {
			LoggerFrom(r).Error("score failed",
				slog.String("event_id", ev.EventID), slog.String("error", err.Error()))
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// DecisionByEventHandler is GET /v1/decisions/event/{event_id}.
func (s *Server) DecisionByEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "event_id")
		if eventID == "" {
			writeError(w, r, fmt.Errorf("%w: event_id required", domain.ErrInvalidRequest), nil)
			return
		}
		d, err := s.Decisions.Decisions.GetByEvent(r.Context(), eventID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// RulesReloadHandler is POST /v1/rules/reload: full reparse and atomic swap.
// Any invalid rule rejects the whole set and the previous set stays active.
func (s *Server) RulesReloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Rules.Reload(r.Context())
		if err != nil {
			LoggerFrom(r).Error("rules reload failed", slog.String("error", err.Error()))
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"rules":       n,
			"reloaded_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// RulesListHandler is GET /v1/rules: the active set in evaluation order.
func (s *Server) RulesListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"rules": s.Rules.Rules()})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports ready only when the idempotency store, repository,
// scorer, and rules engine all answer.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"db", s.DBCheck},
		{"redis", s.RedisCheck},
		{"ml", s.MLCheck},
		{"rules", s.RulesCheck},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		result := make(map[string]string, len(checks))
		healthy := true
		for _, c := range checks {
			if c.fn == nil {
				result[c.name] = "skipped"
				continue
			}
			if err := c.fn(ctx); err != nil {
				result[c.name] = err.Error()
				healthy = false
			} else {
				result[c.name] = "ok"
			}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": healthy, "checks": result})
	}
}

func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	return out
}
