package rules

import (
	"fmt"
	"strings"

	"github.com/itskum47/adpilot/control_plane/store"
)

// Operators understood by the evaluator.
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpGreaterThan        = "greater_than"
	OpLessThan           = "less_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThanOrEqual    = "less_than_or_equal"
	OpBetween            = "between"
	OpContains           = "contains"
	OpIn                 = "in"
	OpNotIn              = "not_in"
)

// Logical combinators.
const (
	LogicalAnd = "AND"
	LogicalOr  = "OR"
)

// EmptyConditionsMatch is the result of a filter with no conditions, for
// both AND and OR. A rule with no conditions therefore targets every ad set
// in its campaign.
const EmptyConditionsMatch = true

var knownOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true,
	OpGreaterThan: true, OpLessThan: true,
	OpGreaterThanOrEqual: true, OpLessThanOrEqual: true,
	OpBetween: true, OpContains: true,
	OpIn: true, OpNotIn: true,
}

// Operators returns the supported operator names.
func Operators() []string {
	return []string{
		OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
		OpGreaterThanOrEqual, OpLessThanOrEqual, OpBetween,
		OpContains, OpIn, OpNotIn,
	}
}

// compiled is a condition with its operands decoded once.
type compiled struct {
	field    string
	operator string
	value    Value
	value2   Value
	bad      bool
}

func compile(c store.Condition) compiled {
	out := compiled{field: c.Field, operator: c.Operator}
	var err error
	if out.value, err = Decode(c.Value); err != nil {
		out.bad = true
	}
	if out.value2, err = Decode(c.Value2); err != nil {
		out.bad = true
	}
	return out
}

// Matches evaluates expr against entity. AND requires every condition, OR
// any one. Conditions with an unknown operator or undecodable value are
// false.
func Matches(entity Entity, expr store.FilterConfig) bool {
	if len(expr.Conditions) == 0 {
		return EmptyConditionsMatch
	}

	or := strings.EqualFold(expr.LogicalOperator, LogicalOr)
	for _, c := range expr.Conditions {
		ok := evaluate(entity, compile(c))
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

func evaluate(entity Entity, c compiled) bool {
	if c.bad || !knownOperators[c.operator] {
		return false
	}
	field := entity.Resolve(c.field)

	if field.IsNull() || c.value.IsNull() {
		switch c.operator {
		case OpEquals:
			return field.IsNull() && c.value.IsNull()
		case OpNotEquals:
			return c.value.IsNull() && !field.IsNull()
		default:
			return false
		}
	}

	switch c.operator {
	case OpEquals:
		return looseEqual(field, c.value)
	case OpNotEquals:
		return !looseEqual(field, c.value)
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		a, ok1 := field.AsNumber()
		b, ok2 := c.value.AsNumber()
		if !ok1 || !ok2 {
			return false
		}
		switch c.operator {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterThanOrEqual:
			return a >= b
		default:
			return a <= b
		}
	case OpBetween:
		x, ok := field.AsNumber()
		lo, ok1 := c.value.AsNumber()
		hi, ok2 := c.value2.AsNumber()
		if !ok || !ok1 || !ok2 {
			return false
		}
		return x >= lo && x <= hi
	case OpContains:
		return strings.Contains(strings.ToLower(field.String()), strings.ToLower(c.value.String()))
	case OpIn, OpNotIn:
		if c.value.Kind() != KindList {
			return false
		}
		found := false
		for _, it := range c.value.Items() {
			if looseEqual(field, it) {
				found = true
				break
			}
		}
		if c.operator == OpIn {
			return found
		}
		return !found
	}
	return false
}

// looseEqual is Equal, except that a Number and a numeric String compare
// numerically. Meta serialises most metrics as strings.
func looseEqual(a, b Value) bool {
	if a.Kind() == b.Kind() {
		return Equal(a, b)
	}
	if (a.Kind() == KindNumber && b.Kind() == KindString) || (a.Kind() == KindString && b.Kind() == KindNumber) {
		x, ok1 := a.AsNumber()
		y, ok2 := b.AsNumber()
		return ok1 && ok2 && x == y
	}
	return false
}

// Validate rejects filters the evaluator could never satisfy: unknown
// operators or combinators, an empty field, between without both bounds,
// and in/not_in without a list. It also normalises LogicalOperator.
func Validate(expr *store.FilterConfig) error {
	switch strings.ToUpper(expr.LogicalOperator) {
	case "", LogicalAnd:
		expr.LogicalOperator = LogicalAnd
	case LogicalOr:
		expr.LogicalOperator = LogicalOr
	default:
		return fmt.Errorf("logical_operator %q: %w", expr.LogicalOperator, store.ErrValidation)
	}

	for i, c := range expr.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("condition %d: empty field: %w", i, store.ErrValidation)
		}
		if !knownOperators[c.Operator] {
			return fmt.Errorf("condition %d: unknown operator %q: %w", i, c.Operator, store.ErrValidation)
		}
		v, err := Decode(c.Value)
		if err != nil {
			return fmt.Errorf("condition %d: %v: %w", i, err, store.ErrValidation)
		}
		v2, err := Decode(c.Value2)
		if err != nil {
			return fmt.Errorf("condition %d: %v: %w", i, err, store.ErrValidation)
		}

		switch c.Operator {
		case OpBetween:
			_, ok1 := v.AsNumber()
			_, ok2 := v2.AsNumber()
			if !ok1 || !ok2 {
				return fmt.Errorf("condition %d: between needs numeric value and value2: %w", i, store.ErrValidation)
			}
		case OpIn, OpNotIn:
			if v.Kind() != KindList {
				return fmt.Errorf("condition %d: %s needs a list value: %w", i, c.Operator, store.ErrValidation)
			}
		case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
			if _, ok := v.AsNumber(); !ok {
				return fmt.Errorf("condition %d: %s needs a numeric value: %w", i, c.Operator, store.ErrValidation)
			}
		}
	}
	return nil
}
