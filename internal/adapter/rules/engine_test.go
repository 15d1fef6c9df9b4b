package rules

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeguardai/decision-engine/internal/domain"
)

func newTestEngine(t *testing.T, rulesSet []domain.Rule) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kinds := map[string]string{"amount": "sum", "count": "count"}
	velocity := NewVelocityStore(rdb, kinds, 200*time.Millisecond)
	lists := NewListChecker(rdb, 50*time.Millisecond)
	source := func(context.Context) ([]domain.Rule, error) { return rulesSet, nil }
	eng := NewEngine(slog.Default(), rdb, velocity, lists, source)
	return eng, mr
}

func sampleEvent() domain.TransactionEvent {
	return domain.TransactionEvent{
		EventID:        "evt-1",
		TenantID:       "t1",
		IdempotencyKey: "k1",
		Amount:         250,
		Currency:       "EUR",
		Timestamp:      time.Date(2026, 3, 13, 13, 0, 0, 0, time.UTC),
		Merchant:       domain.Merchant{ID: "m1", MCC: "7995", Country: "DE"},
		Card:           domain.Card{CardID: "c1", UserID: "u1", Type: "physical"},
		Context:        domain.TxContext{IP: "10.0.0.1", Geo: "FR", DeviceID: "d1", Channel: "web"},
		Security:       domain.Security{AuthMethod: "3ds"},
	}
}

func TestEngineEvaluateOrderingAndMax(t *testing.T) {
	eng, _ := newTestEngine(t, []domain.Rule{
		{RuleID: "r-high-amount", Name: "high amount", Version: 1, Enabled: true, Priority: 20,
			Condition: "amount > 100", Score: 0.4, ActionHint: "REVIEW", Severity: domain.SeverityWarn},
		{RuleID: "r-gambling", Name: "gambling mcc", Version: 1, Enabled: true, Priority: 10,
			Condition: "mcc IN ['7995']", Score: 0.6, ActionHint: "CHALLENGE", Severity: domain.SeverityWarn},
		{RuleID: "r-miss", Name: "never", Version: 1, Enabled: true, Priority: 5,
			Condition: "amount < 0", Score: 0.9, ActionHint: "DENY", Severity: domain.SeverityCritical},
	})
	n, err := eng.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := eng.Evaluate(context.Background(), sampleEvent())
	require.NoError(t, err)

	// hits keep priority order, score is the max across hits
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "r-gambling", res.Hits[0].RuleID)
	assert.Equal(t, "r-high-amount", res.Hits[1].RuleID)
	assert.InDelta(t, 0.6, res.Score, 1e-9)
	assert.Equal(t, "CHALLENGE", res.Hint)
	assert.Equal(t, domain.SeverityWarn, res.MaxSeverity)
	assert.False(t, res.DenyListHit)
	assert.False(t, res.Degraded)
}

func TestEngineSkipsRuleOnMissingIdentifier(t *testing.T) {
	eng, _ := newTestEngine(t, []domain.Rule{
		{RuleID: "r-ua", Version: 1, Enabled: true, Priority: 1,
			Condition: "user_agent_hash == 'x'", Score: 0.9, Severity: domain.SeverityWarn},
		{RuleID: "r-amount", Version: 1, Enabled: true, Priority: 2,
			Condition: "amount > 100", Score: 0.3, Severity: domain.SeverityInfo},
	})
	_, err := eng.Reload(context.Background())
	require.NoError(t, err)

	res, err := eng.Evaluate(context.Background(), sampleEvent())
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "r-amount", res.Hits[0].RuleID)
}

func TestEngineReloadRejectsWholeSet(t *testing.T) {
	good := []domain.Rule{{RuleID: "r1", Version: 1, Enabled: true, Priority: 1,
		Condition: "amount > 100", Score: 0.5, Severity: domain.SeverityInfo}}
	set := good
	eng, _ := newTestEngine(t, nil)
	eng.source = func(context.Context) ([]domain.Rule, error) { return set, nil }

	_, err := eng.Reload(context.Background())
	require.NoError(t, err)

	// one bad rule poisons the reload; the previous set stays active
	set = []domain.Rule{
		good[0],
		{RuleID: "r2", Version: 1, Enabled: true, Priority: 2,
			Condition: "amount >>> 1", Score: 0.5, Severity: domain.SeverityInfo},
	}
	_, err = eng.Reload(context.Background())
	require.Error(t, err)

	res, err := eng.Evaluate(context.Background(), sampleEvent())
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "r1", res.Hits[0].RuleID)
}

func TestEngineEvaluateWithoutLoadIsDegraded(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	res, err := eng.Evaluate(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRulesUnavailable)
	assert.True(t, res.Degraded)
}

func TestEngineDenyAndAllowListHits(t *testing.T) {
	eng, _ := newTestEngine(t, []domain.Rule{})
	_, err := eng.Reload(context.Background())
	require.NoError(t, err)

	require.NoError(t, eng.lists.Seed(context.Background(), []domain.ListEntry{
		{ListType: "deny", Kind: "ip", Value: "10.0.0.1"},
		{ListType: "allow", Kind: "user", Value: "u1"},
	}))

	res, err := eng.Evaluate(context.Background(), sampleEvent())
	require.NoError(t, err)
	assert.True(t, res.DenyListHit)
	assert.True(t, res.AllowListHit)
}

func TestEngineVelocityCounters(t *testing.T) {
	eng, _ := newTestEngine(t, []domain.Rule{
		{RuleID: "r-burst", Name: "tx burst", Version: 1, Enabled: true, Priority: 1,
			Condition: "velocity_1h('count') > 2", Score: 0.7, ActionHint: "DENY", Severity: domain.SeverityWarn},
	})
	_, err := eng.Reload(context.Background())
	require.NoError(t, err)

	ev := sampleEvent()
	ev.Timestamp = time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, eng.RecordTransaction(context.Background(), ev))
	}

	res, err := eng.Evaluate(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "r-burst", res.Hits[0].RuleID)
}

func TestVelocitySumAggregate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	vs := NewVelocityStore(rdb, map[string]string{"amount": "sum"}, 200*time.Millisecond)
	now := time.Now().UTC()
	require.NoError(t, vs.Record(context.Background(), "u1", now, map[string]float64{"amount": 120.5}))
	require.NoError(t, vs.Record(context.Background(), "u1", now, map[string]float64{"amount": 79.5}))

	total, err := vs.Read(context.Background(), time.Hour, "u1", "amount")
	require.NoError(t, err)
	assert.InDelta(t, 200.0, total, 1e-9)
}

func TestListCheckerNegativeCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	lc := NewListChecker(rdb, time.Minute)
	hit, err := lc.IsMember(context.Background(), "deny", "ip", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, hit)

	// the member appears upstream but the negative cache still answers no
	mr.SAdd("list:deny:ip", "1.2.3.4")
	hit, err = lc.IsMember(context.Background(), "deny", "ip", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestEngineReady(t *testing.T) {
	eng, mr := newTestEngine(t, []domain.Rule{})
	require.Error(t, eng.Ready(context.Background()), "no rule set loaded yet")

	_, err := eng.Reload(context.Background())
	require.NoError(t, err)
	require.NoError(t, eng.Ready(context.Background()))

	mr.Close()
	assert.Error(t, eng.Ready(context.Background()))
}
