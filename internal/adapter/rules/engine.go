package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safeguardai/decision-engine/internal/adapter/observability"
	"github.com/safeguardai/decision-engine/internal/domain"
)

// Source supplies the rule set, either from a JSON document on disk or from
// the rules table.
type Source func(ctx context.Context) ([]domain.Rule, error)

// Engine is the rules evaluator. The active compiled set lives behind an
// atomic pointer; reload swaps it whole while in-flight evaluations keep the
// set they started with.
type Engine struct {
	log      *slog.Logger
	rdb      redis.UniversalClient
	velocity *VelocityStore
	lists    *ListChecker
	source   Source

	active atomic.Pointer[bundle]

	cacheMu sync.Mutex
	cache   map[string]node // (rule_id:version:condition) -> compiled AST
}

type compiledRule struct {
	rule domain.Rule
	ast  node
}

type bundle struct {
	rules    []compiledRule
	loadedAt time.Time
}

// NewEngine wires the evaluator. Call Reload before serving traffic.
func NewEngine(log *slog.Logger, rdb redis.UniversalClient, velocity *VelocityStore, lists *ListChecker, source Source) *Engine {
	return &Engine{
		log:      log,
		rdb:      rdb,
		velocity: velocity,
		lists:    lists,
		source:   source,
		cache:    make(map[string]node),
	}
}

// Reload fetches the rule set from the source, compiles it, and swaps the
// active set atomically. Any invalid rule rejects the whole set and the
// previous set stays active. Returns the number of active rules.
func (e *Engine) Reload(ctx context.Context) (int, error) {
	rs, err := e.source(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=rules.reload: %w: %w", domain.ErrRulesUnavailable, err)
	}
	b, err := e.compile(rs)
	if err != nil {
		return 0, fmt.Errorf("op=rules.reload: %w", err)
	}
	e.active.Store(b)
	e.log.Info("rule set reloaded", slog.Int("rules", len(b.rules)))
	return len(b.rules), nil
}

func (e *Engine) compile(rs []domain.Rule) (*bundle, error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	next := make(map[string]node, len(rs))
	compiled := make([]compiledRule, 0, len(rs))
	for _, r := range rs {
		if !r.Enabled {
			continue
		}
		key := fmt.Sprintf("%s:%d:%s", r.RuleID, r.Version, r.Condition)
		ast, ok := e.cache[key]
		if !ok {
			var err error
			ast, err = parse(r.Condition)
			if err != nil {
				return nil, fmt.Errorf("rule %s v%d: %w", r.RuleID, r.Version, err)
			}
		}
		next[key] = ast
		compiled = append(compiled, compiledRule{rule: r, ast: ast})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i].rule, compiled[j].rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.RuleID < b.RuleID
	})
	e.cache = next
	return &bundle{rules: compiled, loadedAt: time.Now().UTC()}, nil
}

// Rules returns the active set in evaluation order.
func (e *Engine) Rules() []domain.Rule {
	b := e.active.Load()
	if b == nil {
		return nil
	}
	out := make([]domain.Rule, 0, len(b.rules))
	for _, c := range b.rules {
		out = append(out, c.rule)
	}
	return out
}

// Evaluate runs every active rule against the event. Rules that error
// (missing identifier, type mismatch) are skipped with a warning; the score
// is the max across triggered rules.
func (e *Engine) Evaluate(ctx context.Context, ev domain.TransactionEvent) (domain.RulesResult, error) {
	b := e.active.Load()
	if b == nil {
		return domain.RulesResult{Degraded: true}, fmt.Errorf("op=rules.evaluate: %w: no rule set loaded", domain.ErrRulesUnavailable)
	}

	res := domain.RulesResult{}
	res.DenyListHit, res.AllowListHit = e.listHits(ctx, ev)

	subject := velocitySubject(ev)
	ec := &evalContext{
		ctx:  ctx,
		vars: contextVars(ev),
		velocity: func(c context.Context, window time.Duration, field string) (float64, error) {
			return e.velocity.Read(c, window, subject, field)
		},
		member: e.lists.IsMember,
		subject: func(kind string) (string, bool) {
			return subjectFor(ev, kind)
		},
	}

	for _, c := range b.rules {
		v, err := c.ast.eval(ec)
		if err != nil {
			e.log.Warn("rule skipped",
				slog.String("rule_id", c.rule.RuleID),
				slog.String("event_id", ev.EventID),
				slog.String("error", err.Error()))
			continue
		}
		hit, err := v.Truthy()
		if err != nil || !hit {
			continue
		}
		res.Hits = append(res.Hits, domain.RuleHit{
			RuleID:   c.rule.RuleID,
			Name:     c.rule.Name,
			Priority: c.rule.Priority,
			Severity: c.rule.Severity,
			Score:    c.rule.Score,
		})
		observability.RuleHitsTotal.WithLabelValues(c.rule.RuleID).Inc()
		if c.rule.Score > res.Score {
			res.Score = c.rule.Score
			res.Hint = c.rule.ActionHint
		}
		if c.rule.Severity.Rank() > res.MaxSeverity.Rank() {
			res.MaxSeverity = c.rule.Severity
		}
	}
	for a := range ec.annotations {
		res.Annotations = append(res.Annotations, a)
	}
	sort.Strings(res.Annotations)
	return res, nil
}

// listHits tests the event's principals against the deny and allow sets.
// Lookup errors count as misses; the decision path stays up when Redis is
// flapping.
func (e *Engine) listHits(ctx context.Context, ev domain.TransactionEvent) (deny, allow bool) {
	kinds := []string{"ip", "device", "user", "card", "country"}
	for _, kind := range kinds {
		value, ok := subjectFor(ev, kind)
		if !ok {
			continue
		}
		if !deny {
			hit, err := e.lists.IsMember(ctx, "deny", kind, value)
			if err != nil {
				e.log.Warn("deny list lookup failed", slog.String("kind", kind), slog.String("error", err.Error()))
			} else if hit {
				deny = true
			}
		}
		if !allow {
			hit, err := e.lists.IsMember(ctx, "allow", kind, value)
			if err == nil && hit {
				allow = true
			}
		}
	}
	return deny, allow
}

// RecordTransaction advances velocity counters for the accepted event.
// Runs post-decision, off the response path.
func (e *Engine) RecordTransaction(ctx context.Context, ev domain.TransactionEvent) error {
	fields := map[string]float64{}
	for field, kind := range e.velocity.kinds {
		switch {
		case kind == "count":
			fields[field] = 1
		case field == "amount":
			fields[field] = ev.Amount
		}
	}
	return e.velocity.Record(ctx, velocitySubject(ev), ev.Timestamp, fields)
}

// Ready reports healthy when a rule set is active and the counter store
// answers.
func (e *Engine) Ready(ctx context.Context) error {
	if e.active.Load() == nil {
		return fmt.Errorf("op=rules.ready: %w: no rule set loaded", domain.ErrRulesUnavailable)
	}
	if err := e.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=rules.ready: %w: %w", domain.ErrRulesUnavailable, err)
	}
	return nil
}

func velocitySubject(ev domain.TransactionEvent) string {
	if ev.Card.UserID != "" {
		return ev.Card.UserID
	}
	return ev.Card.CardID
}

func subjectFor(ev domain.TransactionEvent, kind string) (string, bool) {
	var v string
	switch kind {
	case "ip":
		v = ev.Context.IP
	case "device":
		v = ev.Context.DeviceID
	case "user":
		v = ev.Card.UserID
	case "card":
		v = ev.Card.CardID
	case "country":
		v = ev.Merchant.Country
	}
	return v, v != ""
}

// contextVars builds the flat identifier mapping the DSL resolves against.
// Optional fields that are empty are omitted so rules referencing them skip
// via the missing-identifier path instead of matching empty strings.
func contextVars(ev domain.TransactionEvent) map[string]Value {
	ts := ev.Timestamp.UTC()
	hour := ts.Hour()
	weekday := ts.Weekday()

	vars := map[string]Value{
		"amount":           Num(ev.Amount),
		"currency":         Str(ev.Currency),
		"tenant_id":        Str(ev.TenantID),
		"merchant_id":      Str(ev.Merchant.ID),
		"mcc":              Str(ev.Merchant.MCC),
		"merchant_country": Str(ev.Merchant.Country),
		"card_id":          Str(ev.Card.CardID),
		"user_id":          Str(ev.Card.UserID),
		"card_type":        Str(ev.Card.Type),
		"channel":          Str(ev.Context.Channel),
		"auth_method":      Str(ev.Security.AuthMethod),
		"aml_flag":         Bool(ev.Security.AMLFlag),
		"has_initial_2fa":  Bool(ev.HasInitial2FA),
		"hour":             Num(float64(hour)),
		"day_of_week":      Num(float64(weekday)),
		"is_night":         Bool(hour < 6 || hour >= 22),
		"is_weekend":       Bool(weekday == time.Saturday || weekday == time.Sunday),
	}
	if ev.Context.IP != "" {
		vars["ip"] = Str(ev.Context.IP)
	}
	if ev.Context.Geo != "" {
		vars["geo"] = Str(ev.Context.Geo)
		vars["is_international"] = Bool(ev.Merchant.Country != "" && ev.Merchant.Country != ev.Context.Geo)
	}
	if ev.Context.DeviceID != "" {
		vars["device_id"] = Str(ev.Context.DeviceID)
	}
	return vars
}
