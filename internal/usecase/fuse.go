// Package usecase contains the decision orchestration logic: fusion of the
// ML and rules branches, strong customer authentication levels, and the
// ordered scoring pipeline.
package usecase

import (
	"github.com/safeguardai/decision-engine/internal/domain"
)

// Thresholds are the score bands driving the verdict.
type Thresholds struct {
	Low  float64 // below: ALLOW
	High float64 // above: DENY
}

// FusionResult is the fuser's output before persistence fields are attached.
type FusionResult struct {
	Verdict     domain.Verdict
	Score       float64
	Reasons     []string
	Requires2FA bool
	Degraded    bool
}

const maxTopFeatures = 3

// Fuse combines the two branch results into a verdict. Rules apply in
// order, first match wins:
//
//  1. any critical rule hit denies outright
//  2. any deny-list hit denies
//  3. both branches absent fails safe to CHALLENGE
//  4. the max of the branch scores lands in a threshold band; the middle
//     band allows only principals with an initial 2FA, and an allow-list
//     hit downgrades friction the same way
func Fuse(ev domain.TransactionEvent, ml domain.MLResult, rules domain.RulesResult, th Thresholds) FusionResult {
	mlScore := 0.0
	if !ml.Absent {
		mlScore = ml.Score
	}
	degraded := ml.Absent || rules.Degraded

	// 1. critical rules
	if criticals := criticalHits(rules); len(criticals) > 0 {
		score := mlScore
		if score < 1.0 {
			score = 1.0
		}
		reasons := append(criticals, buildReasons(rules, ml, true)...)
		return FusionResult{Verdict: domain.VerdictDeny, Score: score, Reasons: reasons, Degraded: degraded}
	}

	// 2. deny list
	if rules.DenyListHit {
		s := maxScore(mlScore, rules.Score)
		reasons := append([]string{"deny_list_hit"}, buildReasons(rules, ml, false)...)
		return FusionResult{Verdict: domain.VerdictDeny, Score: s, Reasons: reasons, Degraded: degraded}
	}

	// 3. nothing to score on: fail safe
	if ml.Absent && rules.Degraded {
		return FusionResult{
			Verdict:     domain.VerdictChallenge,
			Score:       0,
			Reasons:     []string{"scoring_degraded"},
			Requires2FA: true,
			Degraded:    true,
		}
	}

	// 4. threshold bands on the effective score
	s := maxScore(mlScore, rules.Score)
	reasons := buildReasons(rules, ml, false)
	switch {
	case s > th.High:
		return FusionResult{Verdict: domain.VerdictDeny, Score: s, Reasons: reasons, Degraded: degraded}
	case s >= th.Low:
		if ev.HasInitial2FA || rules.AllowListHit {
			if rules.AllowListHit {
				reasons = append(reasons, "allow_list")
			}
			return FusionResult{Verdict: domain.VerdictAllow, Score: s, Reasons: reasons, Degraded: degraded}
		}
		return FusionResult{Verdict: domain.VerdictChallenge, Score: s, Reasons: reasons, Requires2FA: true, Degraded: degraded}
	default:
		if rules.AllowListHit {
			reasons = append(reasons, "allow_list")
		}
		return FusionResult{Verdict: domain.VerdictAllow, Score: s, Reasons: reasons, Degraded: degraded}
	}
}

func criticalHits(rules domain.RulesResult) []string {
	var ids []string
	for _, h := range rules.Hits {
		if h.Severity == domain.SeverityCritical {
			ids = append(ids, h.RuleID)
		}
	}
	return ids
}

// buildReasons concatenates rule names in trigger order, branch
// annotations, and up to three top-weight ML features. skipCritical drops
// critical hits whose ids the caller already emitted.
func buildReasons(rules domain.RulesResult, ml domain.MLResult, skipCritical bool) []string {
	var reasons []string
	for _, h := range rules.Hits {
		if skipCritical && h.Severity == domain.SeverityCritical {
			continue
		}
		name := h.Name
		if name == "" {
			name = h.RuleID
		}
		reasons = append(reasons, name)
	}
	reasons = append(reasons, rules.Annotations...)
	if ml.Absent && ml.AbsentReason != "" {
		reasons = append(reasons, "ml_degraded")
	}
	for i, f := range ml.TopFeatures {
		if i == maxTopFeatures {
			break
		}
		reasons = append(reasons, f)
	}
	return reasons
}

func maxScore(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
