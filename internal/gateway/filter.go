// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package gateway

import (
	"fmt"
	"strings"
)

// Op is a filter predicate operator.
type Op string

// Filter operators.
const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpLike   Op = "like"
	OpILike  Op = "ilike"
	OpIn     Op = "in"
	OpIsNull Op = "is_null"
)

// Filter is a single column predicate.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Eq is shorthand for an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// String renders the filter the way realtime channel names embed it.
func (f Filter) String() string {
	return fmt.Sprintf("%s=%s.%v", f.Column, f.Op, f.Value)
}

// Match evaluates the filter against a row on the client side.
// Values are compared through their string form for equality and through
// float64 for ordering, which covers ids, dates and numeric columns alike.
func (f Filter) Match(r Row) bool {
	switch f.Op {
	case OpIsNull:
		return !r.Has(f.Column)
	case OpEq:
		return r.Has(f.Column) && r.String(f.Column) == fmt.Sprint(f.Value)
	case OpNeq:
		return r.String(f.Column) != fmt.Sprint(f.Value)
	case OpIn:
		got := r.String(f.Column)
		for _, v := range InValues(f.Value) {
			if got == fmt.Sprint(v) {
				return true
			}
		}
		return false
	case OpLike, OpILike:
		return likeMatch(r.String(f.Column), fmt.Sprint(f.Value), f.Op == OpILike)
	case OpGt, OpGte, OpLt, OpLte:
		return compare(r, f)
	}
	return false
}

// Validate rejects filters the SQL layer cannot express.
func (f Filter) Validate() error {
	if f.Column == "" {
		return fmt.Errorf("%w: empty filter column", ErrInvalidQuery)
	}
	switch f.Op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpLike, OpILike, OpIsNull:
		return nil
	case OpIn:
		if len(InValues(f.Value)) == 0 {
			return fmt.Errorf("%w: empty IN list for %s", ErrInvalidQuery, f.Column)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Op)
}

// InValues flattens the value of an IN filter.
func InValues(v any) []any {
	switch vals := v.(type) {
	case []any:
		return vals
	case []string:
		out := make([]any, len(vals))
		for i, s := range vals {
			out[i] = s
		}
		return out
	case []int64:
		out := make([]any, len(vals))
		for i, n := range vals {
			out[i] = n
		}
		return out
	}
	return nil
}

func compare(r Row, f Filter) bool {
	operand := Row{"v": f.Value}
	left, right := r.String(f.Column), operand.String("v")
	var cmp int
	if isNumeric(r[f.Column]) && isNumeric(f.Value) {
		a, b := r.Float(f.Column), operand.Float("v")
		switch {
		case a < b:
			cmp = -1
		case a > b:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(left, right)
	}
	switch f.Op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	default:
		return cmp <= 0
	}
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

// likeMatch implements SQL LIKE with % and _ wildcards.
func likeMatch(s, pattern string, fold bool) bool {
	if fold {
		s, pattern = strings.ToLower(s), strings.ToLower(pattern)
	}
	sr, pr := []rune(s), []rune(pattern)
	var match func(i, j int) bool
	match = func(i, j int) bool {
		for j < len(pr) {
			switch pr[j] {
			case '%':
				for k := i; k <= len(sr); k++ {
					if match(k, j+1) {
						return true
					}
				}
				return false
			case '_':
				if i >= len(sr) {
					return false
				}
			default:
				if i >= len(sr) || sr[i] != pr[j] {
					return false
				}
			}
			i++
			j++
		}
		return i == len(sr)
	}
	return match(0, 0)
}
