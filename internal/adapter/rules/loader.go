package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/safeguardai/decision-engine/internal/domain"
)

// ruleDocument is the on-disk rule set shape: {"rules": [...]}.
type ruleDocument struct {
	Rules []domain.Rule `json:"rules"`
}

// FileSource reads the rule set from a JSON document. Used when RULES_PATH
// is configured; otherwise the rules table is the source.
func FileSource(path string) Source {
	return func(_ context.Context) ([]domain.Rule, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("op=rules.file: %w", err)
		}
		var doc ruleDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("op=rules.file: parse %s: %w", path, err)
		}
		if err := validateRules(doc.Rules); err != nil {
			return nil, fmt.Errorf("op=rules.file: %w", err)
		}
		return doc.Rules, nil
	}
}

// RepoSource adapts the rules table loader into a Source.
func RepoSource(load func(ctx context.Context) ([]domain.Rule, error)) Source {
	return func(ctx context.Context) ([]domain.Rule, error) {
		rs, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := validateRules(rs); err != nil {
			return nil, fmt.Errorf("op=rules.repo: %w", err)
		}
		return rs, nil
	}
}

func validateRules(rs []domain.Rule) error {
	seen := make(map[string]struct{}, len(rs))
	for _, r := range rs {
		if r.RuleID == "" {
			return fmt.Errorf("rule with empty rule_id")
		}
		if _, dup := seen[r.RuleID]; dup {
			return fmt.Errorf("duplicate rule_id %s", r.RuleID)
		}
		seen[r.RuleID] = struct{}{}
		if r.Score < 0 || r.Score > 1 {
			return fmt.Errorf("rule %s: score %v outside [0,1]", r.RuleID, r.Score)
		}
		switch r.Severity {
		case domain.SeverityInfo, domain.SeverityWarn, domain.SeverityCritical:
		default:
			return fmt.Errorf("rule %s: unknown severity %q", r.RuleID, r.Severity)
		}
	}
	return nil
}
