package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/safeguardai/decision-engine/internal/adapter/observability"
	"github.com/safeguardai/decision-engine/internal/domain"
)

// DecisionService orchestrates the scoring path: idempotency, audit write,
// parallel fan-out, fusion, persistence, publish, counters, finalize.
type DecisionService struct {
	Log       *slog.Logger
	Idem      domain.IdempotencyStore
	Events    domain.EventRepository
	Decisions domain.DecisionRepository
	Publisher domain.Publisher
	Scorer    domain.Scorer
	Rules     domain.RulesEvaluator

	Thresholds   Thresholds
	ModelVersion string // reported when the ML branch is absent
	IdemTTL      time.Duration
	FanoutCap    time.Duration
	RulesTimeout time.Duration

	repairCh chan domain.Decision
	done     chan struct{}
}

// NewDecisionService wires the orchestrator and starts the repair-write
// drain for decisions that failed their first append.
func NewDecisionService(log *slog.Logger, idem domain.IdempotencyStore, events domain.EventRepository,
	decisions domain.DecisionRepository, pub domain.Publisher, scorer domain.Scorer, rules domain.RulesEvaluator,
	th Thresholds, modelVersion string, idemTTL, fanoutCap, rulesTimeout time.Duration) *DecisionService {
	s := &DecisionService{
		Log:          log,
		Idem:         idem,
		Events:       events,
		Decisions:    decisions,
		Publisher:    pub,
		Scorer:       scorer,
		Rules:        rules,
		Thresholds:   th,
		ModelVersion: modelVersion,
		IdemTTL:      idemTTL,
		FanoutCap:    fanoutCap,
		RulesTimeout: rulesTimeout,
		repairCh:     make(chan domain.Decision, 256),
		done:         make(chan struct{}),
	}
	go s.repairLoop()
	return s
}

// Close stops the repair drain.
func (s *DecisionService) Close() { close(s.done) }

// Score runs the full decision path for one event. Duplicate submissions
// sharing (tenant_id, idempotency_key) return the canonical prior decision.
func (s *DecisionService) Score(ctx context.Context, ev domain.TransactionEvent) (domain.Decision, error) {
	start := time.Now()

	if err := validateEvent(ev); err != nil {
		return domain.Decision{}, err
	}

	// idempotency reservation; Redis being down degrades to fail-open
	failOpen := false
	res, err := s.Idem.Reserve(ctx, ev.IdemKey(), s.IdemTTL)
	switch {
	case err != nil:
		failOpen = true
		observability.CountError("idempotency_unavailable")
		s.Log.Warn("idempotency store unavailable, failing open",
			slog.String("event_id", ev.EventID), slog.String("error", err.Error()))
	case res.State == domain.ReservationExisting:
		if prior, err := s.loadPrior(ctx, res.DecisionID, ev.EventID); err == nil {
			prior.LatencyMS = time.Since(start).Milliseconds()
			return prior, nil
		}
		s.Log.Warn("finalized key without stored decision, rescoring",
			slog.String("event_id", ev.EventID), slog.String("decision_id", res.DecisionID))
	}

	// durable audit before any external call
	if err := s.Events.Append(ctx, ev); err != nil {
		observability.CountError("event_write")
		return domain.Decision{}, err
	}

	ml, rr, budgetExceeded := s.fanOut(ctx, ev)

	fused := Fuse(ev, ml, rr, s.Thresholds)
	if budgetExceeded {
		fused.Degraded = true
	}

	modelVersion := ml.ModelVersion
	if modelVersion == "" {
		modelVersion = s.ModelVersion
	}
	d := domain.Decision{
		DecisionID:   uuid.NewString(),
		EventID:      ev.EventID,
		TenantID:     ev.TenantID,
		Verdict:      fused.Verdict,
		Score:        fused.Score,
		ModelVersion: modelVersion,
		RuleHits:     rr.HitIDs(),
		Reasons:      fused.Reasons,
		LatencyMS:    time.Since(start).Milliseconds(),
		CreatedAt:    time.Now().UTC(),
		Requires2FA:  fused.Requires2FA,
		Degraded:     fused.Degraded,
	}
	if d.Verdict == domain.VerdictChallenge {
		d.SCALevel = SCALevel(ev.Amount, d.Score)
	}

	// a failed decision write still answers the client; the repair drain
	// replays the append
	if err := s.Decisions.Append(ctx, d); err != nil {
		observability.CountError("decision_write")
		s.Log.Error("decision write failed, queueing repair",
			slog.String("decision_id", d.DecisionID), slog.String("error", err.Error()))
		s.enqueueRepair(d)
	}

	s.publish(ctx, d)

	// counters advance off the response path
	go s.recordVelocity(context.WithoutCancel(ctx), ev)

	if !failOpen && res.State == domain.ReservationFresh {
		canonical, err := s.Idem.Finalize(ctx, ev.IdemKey(), d.DecisionID, s.IdemTTL)
		if err != nil {
			observability.CountError("idempotency_finalize")
			s.Log.Warn("idempotency finalize failed",
				slog.String("decision_id", d.DecisionID), slog.String("error", err.Error()))
		} else if canonical != d.DecisionID {
			// lost the duplicate race: the first writer's decision wins
			if prior, perr := s.Decisions.Get(ctx, canonical); perr == nil {
				prior.LatencyMS = time.Since(start).Milliseconds()
				observability.ObserveDecision(string(prior.Verdict), prior.Score, time.Since(start))
				return prior, nil
			}
		}
	}

	observability.ObserveDecision(string(d.Verdict), d.Score, time.Since(start))
	return d, nil
}

// fanOut runs the ML call and rules evaluation concurrently under
// min(remaining deadline, configured cap). Neither branch cancels the
// other; crossing the cap degrades whichever branch is still in flight.
func (s *DecisionService) fanOut(ctx context.Context, ev domain.TransactionEvent) (domain.MLResult, domain.RulesResult, bool) {
	budget := s.FanoutCap
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < budget {
			budget = remaining
		}
	}
	fanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()

	mlCh := make(chan domain.MLResult, 1)
	rulesCh := make(chan domain.RulesResult, 1)

	go func() {
		t := time.Now()
		mlCh <- s.Scorer.Predict(fanCtx, ev)
		observability.BranchDuration.WithLabelValues("ml").Observe(time.Since(t).Seconds())
	}()
	go func() {
		t := time.Now()
		rctx, rcancel := context.WithTimeout(fanCtx, s.RulesTimeout)
		defer rcancel()
		rr, err := s.Rules.Evaluate(rctx, ev)
		if err != nil {
			observability.CountError("rules_unavailable")
			s.Log.Warn("rules evaluation failed",
				slog.String("event_id", ev.EventID), slog.String("error", err.Error()))
			rr.Degraded = true
		}
		rulesCh <- rr
		observability.BranchDuration.WithLabelValues("rules").Observe(time.Since(t).Seconds())
	}()

	var ml domain.MLResult
	var rr domain.RulesResult
	mlDone, rulesDone := false, false
	budgetExceeded := false
	for !mlDone || !rulesDone {
		select {
		case m := <-mlCh:
			ml, mlDone = m, true
		case r := <-rulesCh:
			rr, rulesDone = r, true
		case <-fanCtx.Done():
			budgetExceeded = true
			observability.CountError("fanout_budget")
			if !mlDone {
				ml = domain.MLResult{Absent: true, AbsentReason: "ml_timeout"}
				mlDone = true
			}
			if !rulesDone {
				rr = domain.RulesResult{Degraded: true}
				rulesDone = true
			}
		}
	}
	return ml, rr, budgetExceeded
}

func (s *DecisionService) loadPrior(ctx context.Context, decisionID, eventID string) (domain.Decision, error) {
	if d, err := s.Decisions.Get(ctx, decisionID); err == nil {
		return d, nil
	}
	return s.Decisions.GetByEvent(ctx, eventID)
}

func (s *DecisionService) publish(ctx context.Context, d domain.Decision) {
	if err := s.Publisher.PublishDecision(ctx, d); err != nil {
		observability.CountError("publish")
		s.Log.Warn("decision publish failed, retrying async",
			slog.String("decision_id", d.DecisionID), slog.String("error", err.Error()))
	}
	if d.Verdict != domain.VerdictAllow {
		if err := s.Publisher.PublishCase(ctx, d); err != nil {
			observability.CountError("publish_case")
			s.Log.Warn("case publish failed, retrying async",
				slog.String("decision_id", d.DecisionID), slog.String("error", err.Error()))
		}
	}
}

func (s *DecisionService) recordVelocity(ctx context.Context, ev domain.TransactionEvent) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Rules.RecordTransaction(ctx, ev); err != nil {
		observability.CountError("velocity_update")
		s.Log.Warn("velocity update failed",
			slog.String("event_id", ev.EventID), slog.String("error", err.Error()))
	}
}

func (s *DecisionService) enqueueRepair(d domain.Decision) {
	select {
	case s.repairCh <- d:
	default:
		observability.CountError("repair_queue_full")
		s.Log.Error("repair queue full, decision not persisted",
			slog.String("decision_id", d.DecisionID))
	}
}

func (s *DecisionService) repairLoop() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.repairCh:
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 200 * time.Millisecond
			bo.MaxInterval = 10 * time.Second
			op := func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return s.Decisions.Append(ctx, d)
			}
			if err := backoff.Retry(op, backoff.WithMaxRetries(bo, 10)); err != nil {
				observability.CountError("repair_exhausted")
				s.Log.Error("decision repair write exhausted",
					slog.String("decision_id", d.DecisionID), slog.String("error", err.Error()))
			}
		}
	}
}

var validChannels = map[string]bool{"app": true, "web": true, "pos": true, "atm": true}
var validAuth = map[string]bool{"3ds": true, "pin": true, "biometric": true, "nfc": true, "none": true}
var validCardTypes = map[string]bool{"physical": true, "virtual": true}

// validateEvent enforces schema invariants the transport layer may not have
// covered. Fails fast before any side effect.
func validateEvent(ev domain.TransactionEvent) error {
	switch {
	case ev.EventID == "":
		return fmt.Errorf("%w: event_id required", domain.ErrInvalidRequest)
	case ev.TenantID == "":
		return fmt.Errorf("%w: tenant_id required", domain.ErrInvalidRequest)
	case ev.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency_key required", domain.ErrInvalidRequest)
	case ev.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	case len(ev.Currency) != 3:
		return fmt.Errorf("%w: currency must be ISO-4217", domain.ErrInvalidRequest)
	case ev.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp required", domain.ErrInvalidRequest)
	case ev.Card.CardID == "":
		return fmt.Errorf("%w: card.card_id required", domain.ErrInvalidRequest)
	case !validCardTypes[ev.Card.Type]:
		return fmt.Errorf("%w: card.type must be physical or virtual", domain.ErrInvalidRequest)
	case !validChannels[ev.Context.Channel]:
		return fmt.Errorf("%w: context.channel invalid", domain.ErrInvalidRequest)
	case !validAuth[ev.Security.AuthMethod]:
		return fmt.Errorf("%w: security.auth_method invalid", domain.ErrInvalidRequest)
	}
	return nil
}
