package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// errMissing marks an unresolvable identifier. It fails the enclosing rule
// only; the engine skips that rule with a warning.
var errMissing = errors.New("missing identifier")

// errVelocityTimeout is returned by the counter store when the 5 ms read
// budget is exceeded. The call collapses to 0 and the rule is annotated.
var errVelocityTimeout = errors.New("velocity read timeout")

// evalContext carries the typed field mapping plus the callable surface the
// whitelisted functions reach through. One per (request, rule set) pass.
type evalContext struct {
	ctx  context.Context
	vars map[string]Value

	velocity func(ctx context.Context, window time.Duration, field string) (float64, error)
	member   func(ctx context.Context, listType, kind, value string) (bool, error)
	subject  func(kind string) (string, bool)

	annotations map[string]struct{}
}

func (ec *evalContext) annotate(a string) {
	if ec.annotations == nil {
		ec.annotations = make(map[string]struct{})
	}
	ec.annotations[a] = struct{}{}
}

func (n *litNode) eval(_ *evalContext) (Value, error) { return n.v, nil }

func (n *identNode) eval(ec *evalContext) (Value, error) {
	v, ok := ec.vars[n.name]
	if !ok {
		return Missing, fmt.Errorf("%w: %s", errMissing, n.name)
	}
	return v, nil
}

func (n *listNode) eval(ec *evalContext) (Value, error) {
	vs := make([]Value, 0, len(n.elems))
	for _, e := range n.elems {
		v, err := e.eval(ec)
		if err != nil {
			return Missing, err
		}
		vs = append(vs, v)
	}
	return List(vs...), nil
}

func (n *notNode) eval(ec *evalContext) (Value, error) {
	v, err := n.operand.eval(ec)
	if err != nil {
		return Missing, err
	}
	b, err := v.Truthy()
	if err != nil {
		return Missing, err
	}
	return Bool(!b), nil
}

func (n *binNode) eval(ec *evalContext) (Value, error) {
	lv, err := n.left.eval(ec)
	if err != nil {
		return Missing, err
	}
	lb, err := lv.Truthy()
	if err != nil {
		return Missing, err
	}
	// short-circuit
	if n.op == tokAnd && !lb {
		return Bool(false), nil
	}
	if n.op == tokOr && lb {
		return Bool(true), nil
	}
	rv, err := n.right.eval(ec)
	if err != nil {
		return Missing, err
	}
	rb, err := rv.Truthy()
	if err != nil {
		return Missing, err
	}
	return Bool(rb), nil
}

func (n *cmpNode) eval(ec *evalContext) (Value, error) {
	lv, err := n.left.eval(ec)
	if err != nil {
		return Missing, err
	}
	rv, err := n.right.eval(ec)
	if err != nil {
		return Missing, err
	}
	switch n.op {
	case tokEQ:
		return Bool(lv.Equal(rv)), nil
	case tokNE:
		return Bool(!lv.Equal(rv)), nil
	}
	ln, lok := lv.AsNum()
	rn, rok := rv.AsNum()
	if !lok || !rok {
		return Missing, fmt.Errorf("ordered comparison requires numbers, got %v and %v", lv.Kind(), rv.Kind())
	}
	switch n.op {
	case tokLT:
		return Bool(ln < rn), nil
	case tokLE:
		return Bool(ln <= rn), nil
	case tokGT:
		return Bool(ln > rn), nil
	case tokGE:
		return Bool(ln >= rn), nil
	}
	return Missing, fmt.Errorf("bad comparison operator %v", n.op)
}

func (n *inNode) eval(ec *evalContext) (Value, error) {
	lv, err := n.left.eval(ec)
	if err != nil {
		return Missing, err
	}
	if n.lit != nil {
		litv, err := n.lit.eval(ec)
		if err != nil {
			return Missing, err
		}
		elems, _ := litv.AsList()
		for _, e := range elems {
			if lv.Equal(e) {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	}
	// Named list: an identifier bound to a list literal in the context wins,
	// otherwise <type>_<kind> resolves to a remote allow/deny set.
	if bound, ok := ec.vars[n.name]; ok {
		if elems, isList := bound.AsList(); isList {
			for _, e := range elems {
				if lv.Equal(e) {
					return Bool(true), nil
				}
			}
			return Bool(false), nil
		}
	}
	listType, kind, ok := splitListName(n.name)
	if !ok {
		return Missing, fmt.Errorf("%w: list %s", errMissing, n.name)
	}
	s, ok := lv.AsStr()
	if !ok {
		return Missing, fmt.Errorf("membership in %s requires a string value", n.name)
	}
	hit, err := ec.member(ec.ctx, listType, kind, s)
	if err != nil {
		return Missing, err
	}
	return Bool(hit), nil
}

func (n *callNode) eval(ec *evalContext) (Value, error) {
	switch n.name {
	case "velocity_1h", "velocity_24h":
		window := time.Hour
		if n.name == "velocity_24h" {
			window = 24 * time.Hour
		}
		v, err := ec.velocity(ec.ctx, window, n.args[0])
		if err != nil {
			if errors.Is(err, errVelocityTimeout) || errors.Is(err, context.DeadlineExceeded) {
				ec.annotate("velocity_timeout")
			} else {
				ec.annotate("velocity_error")
			}
			return Num(0), nil
		}
		return Num(v), nil
	case "member_of":
		listType, kind := n.args[0], n.args[1]
		value, ok := ec.subject(kind)
		if !ok {
			return Missing, fmt.Errorf("%w: no subject for kind %s", errMissing, kind)
		}
		hit, err := ec.member(ec.ctx, listType, kind, value)
		if err != nil {
			return Missing, err
		}
		return Bool(hit), nil
	}
	return Missing, fmt.Errorf("unknown function %s", n.name)
}

// splitListName parses identifiers of the form deny_ip or allow_user into a
// (type, kind) pair against the remote list sets.
func splitListName(name string) (listType, kind string, ok bool) {
	i := strings.IndexByte(name, '_')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	listType, kind = name[:i], name[i+1:]
	if listType != "allow" && listType != "deny" {
		return "", "", false
	}
	return listType, kind, true
}
