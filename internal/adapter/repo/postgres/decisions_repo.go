package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/safeguardai/decision-engine/internal/domain"
)

// DecisionRepo persists decisions append-only and serves idempotent replays.
type DecisionRepo struct{ Pool PgxPool }

// NewDecisionRepo constructs a DecisionRepo with the given pool.
func NewDecisionRepo(p PgxPool) *DecisionRepo { return &DecisionRepo{Pool: p} }

// Append stores a decision. Duplicate decision ids are a no-op; the guard
// trigger rejects any UPDATE or DELETE on the table.
func (r *DecisionRepo) Append(ctx domain.Context, d domain.Decision) error {
	tracer := otel.Tracer("repo.decisions")
	ctx, span := tracer.Start(ctx, "decisions.Append")
	defer span.End()

	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO decisions
	      (decision_id, event_id, tenant_id, verdict, score, rule_hits, reasons,
	       model_version, latency_ms, requires_2fa, sca_level, degraded, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	      ON CONFLICT (decision_id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q,
		d.DecisionID, d.EventID, d.TenantID, string(d.Verdict), d.Score,
		d.RuleHits, d.Reasons, d.ModelVersion, d.LatencyMS,
		d.Requires2FA, d.SCALevel, d.Degraded, created)
	if err != nil {
		return fmt.Errorf("op=decision.append: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// Get loads a decision by id.
func (r *DecisionRepo) Get(ctx domain.Context, decisionID string) (domain.Decision, error) {
	tracer := otel.Tracer("repo.decisions")
	ctx, span := tracer.Start(ctx, "decisions.Get")
	defer span.End()
	return r.scanOne(ctx, `WHERE decision_id=$1`, decisionID)
}

// GetByEvent loads the decision for an event id.
func (r *DecisionRepo) GetByEvent(ctx domain.Context, eventID string) (domain.Decision, error) {
	tracer := otel.Tracer("repo.decisions")
	ctx, span := tracer.Start(ctx, "decisions.GetByEvent")
	defer span.End()
	return r.scanOne(ctx, `WHERE event_id=$1`, eventID)
}

func (r *DecisionRepo) scanOne(ctx domain.Context, where string, arg any) (domain.Decision, error) {
	q := `SELECT decision_id, event_id, tenant_id, verdict, score, rule_hits, reasons,
	             model_version, latency_ms, requires_2fa, COALESCE(sca_level,''), degraded, created_at
	      FROM decisions ` + where
	row := r.Pool.QueryRow(ctx, q, arg)
	var d domain.Decision
	var verdict string
	if err := row.Scan(&d.DecisionID, &d.EventID, &d.TenantID, &verdict, &d.Score,
		&d.RuleHits, &d.Reasons, &d.ModelVersion, &d.LatencyMS,
		&d.Requires2FA, &d.SCALevel, &d.Degraded, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Decision{}, fmt.Errorf("op=decision.get: %w", domain.ErrNotFound)
		}
		return domain.Decision{}, fmt.Errorf("op=decision.get: %w: %w", domain.ErrPersistence, err)
	}
	d.Verdict = domain.Verdict(verdict)
	return d, nil
}
