// Package rules implements the sandboxed rule DSL, velocity counters, and
// allow/deny list lookups behind the RulesEvaluator port.
//
// Conditions are compiled once per (rule_id, version, condition) by a
// hand-written scanner and operator-precedence parser; the active compiled
// set is swapped atomically on reload. Evaluation resolves identifiers from
// a flat typed context and may only call whitelisted functions.
package rules

import (
	"fmt"
	"strconv"
)

// Kind discriminates Value variants.
type Kind int

const (
	KindMissing Kind = iota
	KindNum
	KindStr
	KindBool
	KindList
)

// Value is the small sum type flowing through evaluation. Missing marks an
// unresolvable identifier and fails the enclosing rule only.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
	list []Value
}

// Missing is the zero Value.
var Missing = Value{kind: KindMissing}

// Num wraps a float.
func Num(f float64) Value { return Value{kind: KindNum, num: f} }

// Str wraps a string.
func Str(s string) Value { return Value{kind: KindStr, str: s} }

// Bool wraps a bool.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// List wraps a slice of values.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsMissing reports whether v is the Missing variant.
func (v Value) IsMissing() bool { return v.kind == KindMissing }

// AsNum returns the numeric payload and whether v is numeric.
func (v Value) AsNum() (float64, bool) { return v.num, v.kind == KindNum }

// AsStr returns the string payload and whether v is a string.
func (v Value) AsStr() (string, bool) { return v.str, v.kind == KindStr }

// AsBool returns the boolean payload and whether v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsList returns the list payload and whether v is a list.
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// Truthy is used where a bare expression sits in boolean position.
func (v Value) Truthy() (bool, error) {
	switch v.kind {
	case KindBool:
		return v.b, nil
	case KindMissing:
		return false, errMissing
	default:
		return false, fmt.Errorf("non-boolean value in boolean position")
	}
}

// Equal compares values of the same kind; mixed kinds are unequal, Missing
// never equals anything.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind || v.kind == KindMissing {
		return false
	}
	switch v.kind {
	case KindNum:
		return v.num == o.num
	case KindStr:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNum:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindStr:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		return fmt.Sprintf("%v", v.list)
	}
	return "<missing>"
}
