package reflow

import (
	"reflect"
	"strings"
)

// ConditionOperator is a boolean connective for condition expressions.
type ConditionOperator string

const (
	ConditionAnd ConditionOperator = "AND"
	ConditionOr  ConditionOperator = "OR"
)

// ExpressionOperation is the comparison applied by one expression.
type ExpressionOperation string

const (
	OpEquals      ExpressionOperation = "EQUALS"
	OpNotEquals   ExpressionOperation = "NOT_EQUALS"
	OpGreaterThan ExpressionOperation = "GREATER_THAN"
	OpLessThan    ExpressionOperation = "LESS_THAN"
	OpContains    ExpressionOperation = "CONTAINS"
	OpStartsWith  ExpressionOperation = "STARTS_WITH"
	OpIn          ExpressionOperation = "IN"
	OpNotIn       ExpressionOperation = "NOT_IN"
	OpIsNull      ExpressionOperation = "IS_NULL"
	OpIsNotNull   ExpressionOperation = "IS_NOT_NULL"
	OpIsTrue      ExpressionOperation = "IS_TRUE"
	OpIsFalse     ExpressionOperation = "IS_FALSE"
)

// ConditionExpression is one atomic comparison: the value at Port in
// the execution context against the literal Value.
type ConditionExpression struct {
	Port      string              `json:"port"`
	Operation ExpressionOperation `json:"operation"`
	Value     any                 `json:"value,omitempty"`
}

// EdgeCondition is a boolean combination of expressions. Evaluation
// is total and short-circuits left to right.
type EdgeCondition struct {
	Operator    ConditionOperator     `json:"operator"`
	Expressions []ConditionExpression `json:"expressions"`
}

// Evaluate applies the condition against the context. An empty
// expression list evaluates true. Unknown operations evaluate false
// rather than failing the run.
func (c *EdgeCondition) Evaluate(ctx *ExecutionContext) bool {
	if c == nil || len(c.Expressions) == 0 {
		return true
	}
	if c.Operator == ConditionOr {
		for _, expr := range c.Expressions {
			if expr.evaluate(ctx) {
				return true
			}
		}
		return false
	}
	for _, expr := range c.Expressions {
		if !expr.evaluate(ctx) {
			return false
		}
	}
	return true
}

func (e ConditionExpression) evaluate(ctx *ExecutionContext) bool {
	actual := ctx.Get(e.Port)
	switch e.Operation {
	case OpIsNull:
		return actual == nil
	case OpIsNotNull:
		return actual != nil
	case OpIsTrue:
		b, ok := actual.(bool)
		return ok && b
	case OpIsFalse:
		b, ok := actual.(bool)
		return ok && !b
	case OpEquals:
		return looseEquals(actual, e.Value)
	case OpNotEquals:
		return !looseEquals(actual, e.Value)
	case OpGreaterThan:
		a, aok := asFloat(actual)
		b, bok := asFloat(e.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := asFloat(actual)
		b, bok := asFloat(e.Value)
		return aok && bok && a < b
	case OpContains:
		return contains(actual, e.Value)
	case OpStartsWith:
		s, sok := actual.(string)
		prefix, pok := e.Value.(string)
		return sok && pok && strings.HasPrefix(s, prefix)
	case OpIn:
		return memberOf(actual, e.Value)
	case OpNotIn:
		return !memberOf(actual, e.Value)
	default:
		return false
	}
}

// looseEquals compares values with INT/FLOAT coercion, so a context
// value of int 3 equals a condition literal of float64 3. Slice and
// map values are not comparable with == and go through DeepEqual.
func looseEquals(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	if a == nil || b == nil {
		return a == b
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// contains handles string-in-string and element-in-array.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// memberOf expects set to be an array and reports whether v is one of
// its elements. A non-array set evaluates false.
func memberOf(v, set any) bool {
	items, ok := set.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEquals(v, item) {
			return true
		}
	}
	return false
}
