package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(vars map[string]Value) *evalContext {
	return &evalContext{
		ctx:  context.Background(),
		vars: vars,
		velocity: func(context.Context, time.Duration, string) (float64, error) {
			return 0, nil
		},
		member: func(context.Context, string, string, string) (bool, error) {
			return false, nil
		},
		subject: func(string) (string, bool) { return "", false },
	}
}

func evalBool(t *testing.T, src string, ec *evalContext) bool {
	t.Helper()
	n, err := parse(src)
	require.NoError(t, err)
	v, err := n.eval(ec)
	require.NoError(t, err)
	b, ok := v.AsBool()
	require.True(t, ok)
	return b
}

func TestEvalComparisons(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]Value{
		"amount":   Num(150),
		"currency": Str("EUR"),
		"flag":     Bool(true),
	})
	assert.True(t, evalBool(t, "amount > 100", ec))
	assert.False(t, evalBool(t, "amount <= 100", ec))
	assert.True(t, evalBool(t, "currency == 'EUR'", ec))
	assert.True(t, evalBool(t, "currency != 'USD'", ec))
	assert.True(t, evalBool(t, "flag == true", ec))
	// mixed kinds are unequal, never an error for == / !=
	assert.False(t, evalBool(t, "amount == 'EUR'", ec))
}

func TestEvalOrderedComparisonRequiresNumbers(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]Value{"currency": Str("EUR")})
	n, err := parse("currency > 100")
	require.NoError(t, err)
	_, err = n.eval(ec)
	assert.Error(t, err)
}

func TestEvalMissingIdentifier(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]Value{})
	n, err := parse("device_id == 'abc'")
	require.NoError(t, err)
	_, err = n.eval(ec)
	require.Error(t, err)
	assert.ErrorIs(t, err, errMissing)
}

func TestEvalShortCircuit(t *testing.T) {
	t.Parallel()
	// right operand references a missing identifier; short-circuit must
	// keep it unevaluated
	ec := testCtx(map[string]Value{"amount": Num(5)})
	assert.False(t, evalBool(t, "amount > 100 AND device_id == 'x'", ec))
	ec2 := testCtx(map[string]Value{"amount": Num(500)})
	assert.True(t, evalBool(t, "amount > 100 OR device_id == 'x'", ec2))
}

func TestEvalListMembership(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]Value{"mcc": Str("7995"), "amount": Num(3)})
	assert.True(t, evalBool(t, "mcc IN ['7995', '6011']", ec))
	assert.False(t, evalBool(t, "mcc IN ['5411']", ec))
	assert.True(t, evalBool(t, "amount IN [1, 2, 3]", ec))
}

func TestEvalNamedListMembership(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]Value{"ip": Str("10.0.0.1")})
	ec.member = func(_ context.Context, listType, kind, value string) (bool, error) {
		return listType == "deny" && kind == "ip" && value == "10.0.0.1", nil
	}
	assert.True(t, evalBool(t, "ip IN deny_ip", ec))
	assert.False(t, evalBool(t, "ip IN allow_ip", ec))

	// unknown list name shape fails the rule, not the request
	n, err := parse("ip IN blocklist")
	require.NoError(t, err)
	_, err = n.eval(ec)
	assert.ErrorIs(t, err, errMissing)
}

func TestEvalVelocityTimeoutAnnotates(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]Value{})
	ec.velocity = func(context.Context, time.Duration, string) (float64, error) {
		return 0, errVelocityTimeout
	}
	// timeout collapses to zero, so the comparison is false and the pass is
	// annotated
	assert.False(t, evalBool(t, "velocity_1h('count') > 2", ec))
	_, annotated := ec.annotations["velocity_timeout"]
	assert.True(t, annotated)
}

func TestEvalVelocityWindows(t *testing.T) {
	t.Parallel()
	var gotWindow time.Duration
	var gotField string
	ec := testCtx(map[string]Value{})
	ec.velocity = func(_ context.Context, w time.Duration, f string) (float64, error) {
		gotWindow, gotField = w, f
		return 12000, nil
	}
	assert.True(t, evalBool(t, "velocity_24h('amount') >= 10000", ec))
	assert.Equal(t, 24*time.Hour, gotWindow)
	assert.Equal(t, "amount", gotField)
}

func TestEvalMemberOfUsesSubject(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]Value{})
	ec.subject = func(kind string) (string, bool) {
		if kind == "device" {
			return "dev-9", true
		}
		return "", false
	}
	ec.member = func(_ context.Context, listType, kind, value string) (bool, error) {
		return listType == "deny" && kind == "device" && value == "dev-9", nil
	}
	assert.True(t, evalBool(t, "member_of('deny', 'device')", ec))

	n, err := parse("member_of('deny', 'card')")
	require.NoError(t, err)
	_, err = n.eval(ec)
	assert.True(t, errors.Is(err, errMissing))
}
