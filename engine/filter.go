package engine

import (
	"strings"
)

// FilterOp is a comparison operator in a filter leaf.
type FilterOp string

const (
	OpEq     FilterOp = "eq"
	OpNe     FilterOp = "ne"
	OpGt     FilterOp = "gt"
	OpGte    FilterOp = "gte"
	OpLt     FilterOp = "lt"
	OpLte    FilterOp = "lte"
	OpIn     FilterOp = "in"
	OpExists FilterOp = "exists"
	OpPrefix FilterOp = "prefix"
)

// Filter is a structural predicate over documents. A leaf compares one
// dotted field path against a value; composite nodes combine children with
// And, Or or Not. The zero Filter matches every document.
//
// Filters are plain data so that engines can push them down (SQL WHERE
// clauses, key ranges) and fall back to Match where they cannot.
type Filter struct {
	Op    FilterOp `json:"op,omitempty"`
	Field string   `json:"field,omitempty"`
	Value any      `json:"value,omitempty"`

	And []Filter `json:"and,omitempty"`
	Or  []Filter `json:"or,omitempty"`
	Not *Filter  `json:"not,omitempty"`
}

// Eq matches documents whose field equals value.
func Eq(field string, value any) Filter { return Filter{Op: OpEq, Field: field, Value: value} }

// Ne matches documents whose field differs from value (missing fields match).
func Ne(field string, value any) Filter { return Filter{Op: OpNe, Field: field, Value: value} }

// Gt matches documents whose field is strictly greater than value.
func Gt(field string, value any) Filter { return Filter{Op: OpGt, Field: field, Value: value} }

// Gte matches documents whose field is greater than or equal to value.
func Gte(field string, value any) Filter { return Filter{Op: OpGte, Field: field, Value: value} }

// Lt matches documents whose field is strictly less than value.
func Lt(field string, value any) Filter { return Filter{Op: OpLt, Field: field, Value: value} }

// Lte matches documents whose field is less than or equal to value.
func Lte(field string, value any) Filter { return Filter{Op: OpLte, Field: field, Value: value} }

// In matches documents whose field equals one of values.
func In(field string, values ...any) Filter {
	return Filter{Op: OpIn, Field: field, Value: values}
}

// Exists matches documents that have the field at all.
func Exists(field string) Filter { return Filter{Op: OpExists, Field: field} }

// Prefix matches documents whose string field starts with p.
func Prefix(field, p string) Filter { return Filter{Op: OpPrefix, Field: field, Value: p} }

// All combines filters conjunctively.
func All(filters ...Filter) Filter { return Filter{And: filters} }

// Any combines filters disjunctively.
func Any(filters ...Filter) Filter { return Filter{Or: filters} }

// Not negates a filter.
func Not(f Filter) Filter { return Filter{Not: &f} }

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.Op == "" && len(f.And) == 0 && len(f.Or) == 0 && f.Not == nil
}

// Match evaluates the filter against a document.
func (f Filter) Match(doc Document) bool {
	switch {
	case f.Not != nil:
		if f.Not.Match(doc) {
			return false
		}
	case len(f.And) > 0:
		for _, c := range f.And {
			if !c.Match(doc) {
				return false
			}
		}
	case len(f.Or) > 0:
		matched := false
		for _, c := range f.Or {
			if c.Match(doc) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	case f.Op != "":
		if !f.matchLeaf(doc) {
			return false
		}
	}
	return true
}

func (f Filter) matchLeaf(doc Document) bool {
	val, ok := doc.Lookup(f.Field)

	switch f.Op {
	case OpExists:
		return ok
	case OpNe:
		if !ok {
			return true
		}
		cmp, comparable := CompareValues(val, f.Value)
		return !comparable || cmp != 0
	}

	if !ok {
		return false
	}

	switch f.Op {
	case OpEq:
		cmp, comparable := CompareValues(val, f.Value)
		return comparable && cmp == 0
	case OpGt:
		cmp, comparable := CompareValues(val, f.Value)
		return comparable && cmp > 0
	case OpGte:
		cmp, comparable := CompareValues(val, f.Value)
		return comparable && cmp >= 0
	case OpLt:
		cmp, comparable := CompareValues(val, f.Value)
		return comparable && cmp < 0
	case OpLte:
		cmp, comparable := CompareValues(val, f.Value)
		return comparable && cmp <= 0
	case OpIn:
		values, ok := f.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range values {
			if cmp, comparable := CompareValues(val, v); comparable && cmp == 0 {
				return true
			}
		}
		return false
	case OpPrefix:
		s, sok := val.(string)
		p, pok := f.Value.(string)
		return sok && pok && strings.HasPrefix(s, p)
	default:
		return false
	}
}

// CompareValues orders two document values. Numbers compare numerically
// across int and float representations, strings lexicographically, bools
// false before true. The second result is false for mixed or unsupported
// types, which no comparison operator matches.
func CompareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
