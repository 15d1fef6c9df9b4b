package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/safeguardai/decision-engine/internal/domain"
)

// RuleRepo loads the rule set from the rules table. Used when no rule file
// is configured; the evaluator compiles and swaps the result atomically.
type RuleRepo struct{ Pool PgxPool }

// NewRuleRepo constructs a RuleRepo with the given pool.
func NewRuleRepo(p PgxPool) *RuleRepo { return &RuleRepo{Pool: p} }

// LoadActive returns all enabled rules ordered by priority then rule_id.
func (r *RuleRepo) LoadActive(ctx domain.Context) ([]domain.Rule, error) {
	tracer := otel.Tracer("repo.rules")
	ctx, span := tracer.Start(ctx, "rules.LoadActive")
	defer span.End()

	q := `SELECT rule_id, COALESCE(name,''), version, enabled, priority, dsl, score,
	             action_hint, severity
	      FROM rules WHERE enabled = true
	      ORDER BY priority ASC, rule_id ASC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=rules.load: %w: %w", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		var ru domain.Rule
		var sev string
		if err := rows.Scan(&ru.RuleID, &ru.Name, &ru.Version, &ru.Enabled, &ru.Priority,
			&ru.Condition, &ru.Score, &ru.ActionHint, &sev); err != nil {
			return nil, fmt.Errorf("op=rules.load: %w", err)
		}
		ru.Severity = domain.Severity(sev)
		out = append(out, ru)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=rules.load: %w", err)
	}
	return out, nil
}
