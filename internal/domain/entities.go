package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidRequest         = errors.New("invalid request")
	ErrNotFound               = errors.New("not found")
	ErrRateLimited            = errors.New("rate limited")
	ErrIdempotencyUnavailable = errors.New("idempotency store unavailable")
	ErrScoringUnavailable     = errors.New("scoring unavailable")
	ErrRulesUnavailable       = errors.New("rules unavailable")
	ErrPersistence            = errors.New("persistence error")
	ErrPublish                = errors.New("publish error")
	ErrBudgetExceeded         = errors.New("latency budget exceeded")
	ErrInternal               = errors.New("internal error")
)

// Verdict is the final categorical decision for a transaction.
type Verdict string

const (
	VerdictAllow     Verdict = "ALLOW"
	VerdictChallenge Verdict = "CHALLENGE"
	VerdictDeny      Verdict = "DENY"
)

// Restrictiveness orders verdicts ALLOW < CHALLENGE < DENY.
func (v Verdict) Restrictiveness() int {
	switch v {
	case VerdictAllow:
		return 0
	case VerdictChallenge:
		return 1
	case VerdictDeny:
		return 2
	}
	return -1
}

// Severity classifies a rule; critical rules force DENY.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Rank orders severities info < warn < critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarn:
		return 1
	case SeverityCritical:
		return 2
	}
	return -1
}

// Merchant identifies the counterparty of a transaction.
type Merchant struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	MCC     string   `json:"mcc"`
	Country string   `json:"country"`
	Lat     *float64 `json:"lat,omitempty"`
	Long    *float64 `json:"long,omitempty"`
}

// Card carries the instrument and its holder.
type Card struct {
	CardID string `json:"card_id"`
	UserID string `json:"user_id"`
	Type   string `json:"type"` // physical, virtual
}

// TxContext carries session-level signals attached to the event.
type TxContext struct {
	IP        string `json:"ip,omitempty"`
	Geo       string `json:"geo,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Channel   string `json:"channel"` // app, web, pos, atm
	UserAgent string `json:"user_agent,omitempty"`
}

// Security carries authentication and compliance flags.
type Security struct {
	AuthMethod string `json:"auth_method"` // 3ds, pin, biometric, nfc, none
	AMLFlag    bool   `json:"aml_flag"`
}

// TransactionEvent is the immutable input of the decision path.
// event_id is unique within its tenant; duplicates sharing an
// idempotency key must resolve to the same Decision.
type TransactionEvent struct {
	EventID        string    `json:"event_id"`
	TenantID       string    `json:"tenant_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	Timestamp      time.Time `json:"timestamp"`
	Merchant       Merchant  `json:"merchant"`
	Card           Card      `json:"card"`
	Context        TxContext `json:"context"`
	Security       Security  `json:"security"`
	HasInitial2FA  bool      `json:"has_initial_2fa,omitempty"`
}

// IdemKey derives the composite idempotency store key.
func (e TransactionEvent) IdemKey() string { return e.TenantID + ":" + e.IdempotencyKey }

// Decision is the immutable output of the decision path. Once written it is
// never mutated; (tenant_id, idempotency_key) maps to exactly one decision_id
// for the TTL window.
type Decision struct {
	DecisionID   string    `json:"decision_id"`
	EventID      string    `json:"event_id"`
	TenantID     string    `json:"tenant_id"`
	Verdict      Verdict   `json:"verdict"`
	Score        float64   `json:"score"`
	ModelVersion string    `json:"model_version"`
	RuleHits     []string  `json:"rule_hits"`
	Reasons      []string  `json:"reasons"`
	LatencyMS    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
	Requires2FA  bool      `json:"requires_2fa"`
	SCALevel     string    `json:"sca_level,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"`
}

// Rule is one compiled business rule. (rule_id, version) is immutable;
// reload replaces the whole active set atomically.
type Rule struct {
	RuleID     string            `json:"rule_id"`
	Name       string            `json:"name,omitempty"`
	Version    int               `json:"version"`
	Enabled    bool              `json:"enabled"`
	Priority   int               `json:"priority"` // lower fires first on tie-break
	Condition  string            `json:"condition"`
	Score      float64           `json:"score"`
	ActionHint string            `json:"action_hint"` // ALLOW, REVIEW, CHALLENGE, DENY
	Severity   Severity          `json:"severity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ListEntry is one allow/deny list member.
type ListEntry struct {
	ListType  string     `json:"list_type"` // allow, deny
	Kind      string     `json:"kind"`      // ip, device, user, card, country
	Value     string     `json:"value"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RulesResult is the evaluator's contribution to fusion.
type RulesResult struct {
	Score        float64
	Hits         []RuleHit
	MaxSeverity  Severity
	Hint         string
	DenyListHit  bool
	AllowListHit bool
	Annotations  []string // velocity_timeout etc, surfaced as reasons
	Degraded     bool
}

// RuleHit records one triggered rule in stable order.
type RuleHit struct {
	RuleID   string
	Name     string
	Priority int
	Severity Severity
	Score    float64
}

// HitIDs returns the ordered rule identifiers.
func (r RulesResult) HitIDs() []string {
	ids := make([]string, 0, len(r.Hits))
	for _, h := range r.Hits {
		ids = append(ids, h.RuleID)
	}
	return ids
}

// MLResult is the scorer's contribution to fusion. Absent is true when the
// call failed, timed out, or the breaker was open.
type MLResult struct {
	Score        float64
	ModelVersion string
	TopFeatures  []string
	Absent       bool
	AbsentReason string // ml_timeout, ml_error, ml_degraded
}

// ReservationState is the outcome of an idempotency reserve.
type ReservationState int

const (
	ReservationFresh ReservationState = iota
	ReservationExisting
	ReservationUnavailable
)

// Reservation is the result of IdempotencyStore.Reserve.
type Reservation struct {
	State      ReservationState
	DecisionID string // set when State == ReservationExisting and finalized
}

// Context is an alias so adapters can keep signatures terse; usecases and
// adapters pass context.Context through unchanged.
type Context = context.Context

// Ports

// IdempotencyStore provides atomic check-and-set against a TTL cache.
// Finalize returns the canonical decision id: the caller's own id when its
// CAS on the reservation sentinel wins, or the earlier winner's id when it
// lost the race.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (Reservation, error)
	Finalize(ctx context.Context, key, decisionID string, ttl time.Duration) (string, error)
	Lookup(ctx context.Context, key string) (string, error)
}

// EventRepository appends accepted events; writes are idempotent on event_id.
type EventRepository interface {
	Append(ctx context.Context, ev TransactionEvent) error
}

// DecisionRepository appends decisions and serves idempotent replays.
type DecisionRepository interface {
	Append(ctx context.Context, d Decision) error
	Get(ctx context.Context, decisionID string) (Decision, error)
	GetByEvent(ctx context.Context, eventID string) (Decision, error)
}

// Publisher delivers decision envelopes at-least-once.
type Publisher interface {
	PublishDecision(ctx context.Context, d Decision) error
	PublishCase(ctx context.Context, d Decision) error
}

// Scorer is the ML scoring client.
type Scorer interface {
	Predict(ctx context.Context, ev TransactionEvent) MLResult
}

// RulesEvaluator evaluates the active rule set against an event.
type RulesEvaluator interface {
	Evaluate(ctx context.Context, ev TransactionEvent) (RulesResult, error)
	RecordTransaction(ctx context.Context, ev TransactionEvent) error
	Ready(ctx context.Context) error
}
