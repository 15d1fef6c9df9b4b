package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/safeguardai/decision-engine/internal/domain"
)

var testThresholds = Thresholds{Low: 0.50, High: 0.70}

func fuseEvent(has2FA bool) domain.TransactionEvent {
	return domain.TransactionEvent{EventID: "e1", TenantID: "t1", HasInitial2FA: has2FA}
}

func TestFuseCriticalRuleDenies(t *testing.T) {
	t.Parallel()
	rules := domain.RulesResult{
		Score: 0.2,
		Hits: []domain.RuleHit{
			{RuleID: "r-aml", Name: "aml flag", Severity: domain.SeverityCritical, Score: 0.2},
		},
		MaxSeverity: domain.SeverityCritical,
	}
	// even a confident-low ML score cannot override a critical rule
	out := Fuse(fuseEvent(true), domain.MLResult{Score: 0.05}, rules, testThresholds)
	assert.Equal(t, domain.VerdictDeny, out.Verdict)
	assert.Equal(t, 1.0, out.Score)
	assert.Equal(t, "r-aml", out.Reasons[0], "critical rule ids prefix the reasons")
	assert.False(t, out.Requires2FA)
}

func TestFuseCriticalReasonsNotRepeated(t *testing.T) {
	t.Parallel()
	rules := domain.RulesResult{
		Score: 0.4,
		Hits: []domain.RuleHit{
			{RuleID: "r-aml", Name: "aml flag", Severity: domain.SeverityCritical},
			{RuleID: "r-vel", Name: "velocity burst", Severity: domain.SeverityWarn},
		},
		MaxSeverity: domain.SeverityCritical,
	}
	out := Fuse(fuseEvent(false), domain.MLResult{Score: 0.1}, rules, testThresholds)
	assert.Equal(t, []string{"r-aml", "velocity burst"}, out.Reasons,
		"critical ids lead, non-critical hit names follow once")
}

func TestFuseDenyListHit(t *testing.T) {
	t.Parallel()
	rules := domain.RulesResult{Score: 0.1, DenyListHit: true}
	out := Fuse(fuseEvent(false), domain.MLResult{Score: 0.3}, rules, testThresholds)
	assert.Equal(t, domain.VerdictDeny, out.Verdict)
	assert.Contains(t, out.Reasons, "deny_list_hit")
}

func TestFuseBothBranchesAbsentFailsSafe(t *testing.T) {
	t.Parallel()
	out := Fuse(fuseEvent(true),
		domain.MLResult{Absent: true, AbsentReason: "ml_timeout"},
		domain.RulesResult{Degraded: true},
		testThresholds)
	assert.Equal(t, domain.VerdictChallenge, out.Verdict)
	assert.Equal(t, []string{"scoring_degraded"}, out.Reasons)
	assert.True(t, out.Requires2FA)
	assert.True(t, out.Degraded)
}

func TestFuseThresholdBands(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		ml      float64
		rules   float64
		has2FA  bool
		verdict domain.Verdict
	}{
		{"low score allows", 0.2, 0.1, false, domain.VerdictAllow},
		{"mid band without 2fa challenges", 0.6, 0.0, false, domain.VerdictChallenge},
		{"mid band with 2fa allows", 0.6, 0.0, true, domain.VerdictAllow},
		{"boundary low is mid band", 0.50, 0.0, false, domain.VerdictChallenge},
		{"boundary high is mid band", 0.70, 0.0, false, domain.VerdictChallenge},
		{"above high denies", 0.71, 0.0, false, domain.VerdictDeny},
		{"rules score dominates", 0.1, 0.9, false, domain.VerdictDeny},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := Fuse(fuseEvent(tc.has2FA),
				domain.MLResult{Score: tc.ml},
				domain.RulesResult{Score: tc.rules},
				testThresholds)
			assert.Equal(t, tc.verdict, out.Verdict)
			assert.Equal(t, out.Verdict == domain.VerdictChallenge, out.Requires2FA)
		})
	}
}

func TestFuseEffectiveScoreIsMax(t *testing.T) {
	t.Parallel()
	out := Fuse(fuseEvent(false), domain.MLResult{Score: 0.35}, domain.RulesResult{Score: 0.45}, testThresholds)
	assert.InDelta(t, 0.45, out.Score, 1e-9)
}

func TestFuseAllowListDowngradesFriction(t *testing.T) {
	t.Parallel()
	out := Fuse(fuseEvent(false),
		domain.MLResult{Score: 0.6},
		domain.RulesResult{AllowListHit: true},
		testThresholds)
	assert.Equal(t, domain.VerdictAllow, out.Verdict)
	assert.Contains(t, out.Reasons, "allow_list")
}

func TestFuseReasonsOrdering(t *testing.T) {
	t.Parallel()
	rules := domain.RulesResult{
		Score: 0.3,
		Hits: []domain.RuleHit{
			{RuleID: "r1", Name: "first rule", Priority: 1},
			{RuleID: "r2", Priority: 2}, // unnamed falls back to its id
		},
	}
	ml := domain.MLResult{Score: 0.2, TopFeatures: []string{"amount", "mcc", "hour", "channel"}}
	out := Fuse(fuseEvent(false), ml, rules, testThresholds)
	assert.Equal(t, []string{"first rule", "r2", "amount", "mcc", "hour"}, out.Reasons,
		"rule names in trigger order, then at most three top features")
}

func TestFuseAbsentMLAloneDegrades(t *testing.T) {
	t.Parallel()
	out := Fuse(fuseEvent(false),
		domain.MLResult{Absent: true, AbsentReason: "ml_error"},
		domain.RulesResult{Score: 0.3, Hits: []domain.RuleHit{{RuleID: "r1", Name: "n1"}}},
		testThresholds)
	assert.Equal(t, domain.VerdictAllow, out.Verdict)
	assert.True(t, out.Degraded)
	assert.Contains(t, out.Reasons, "ml_degraded")
}

func TestSCALevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, SCANone, SCALevel(15, 0.95), "small amounts are exempt")
	assert.Equal(t, SCAHardwareToken, SCALevel(20000, 0.1))
	assert.Equal(t, SCANone, SCALevel(100, 0.2))
	assert.Equal(t, SCAOTPSMS, SCALevel(100, 0.4))
	assert.Equal(t, SCABiometric, SCALevel(100, 0.6))
	assert.Equal(t, SCAPush, SCALevel(100, 0.8))
	assert.Equal(t, SCAHardwareToken, SCALevel(100, 0.95))
}
