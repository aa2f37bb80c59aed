// Package approval decides whether a proposed remediation may execute
// automatically or needs human sign-off. Rules are declarative condition
// lists evaluated in declaration order; the first full match wins.
package approval

import (
	"fmt"
	"path"
	"strconv"
)

// Operator is a comparison applied by a rule condition.
type Operator string

const (
	OpEq  Operator = "eq"
	OpIn  Operator = "in"
	OpGte Operator = "gte"
	OpGt  Operator = "gt"
	OpLte Operator = "lte"
	OpLt  Operator = "lt"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpIn, OpGte, OpGt, OpLte, OpLt:
		return true
	}
	return false
}

// Condition is one typed predicate over the evaluation input: a field
// name, an operator, and a comparison value.
type Condition struct {
	Field    string   `yaml:"field"`
	Operator Operator `yaml:"operator"`
	Value    any      `yaml:"value"`
}

// Rule is one auto-approval rule. Declaration order in the rules file is
// its priority.
type Rule struct {
	ID             string      `yaml:"id"`
	Enabled        bool        `yaml:"enabled"`
	Conditions     []Condition `yaml:"conditions"`
	ActionPatterns []string    `yaml:"action_patterns"`
	MaxRisk        float64     `yaml:"max_risk"`
}

// Validate checks structural correctness of a rule independent of any
// incident.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if len(r.ActionPatterns) == 0 {
		return fmt.Errorf("rule %s: at least one action pattern is required", r.ID)
	}
	for _, p := range r.ActionPatterns {
		if _, err := path.Match(p, "probe"); err != nil {
			return fmt.Errorf("rule %s: bad action pattern %q: %w", r.ID, p, err)
		}
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("rule %s: condition %d has empty field", r.ID, i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("rule %s: condition %d has unknown operator %q", r.ID, i, c.Operator)
		}
		switch c.Operator {
		case OpGte, OpGt, OpLte, OpLt:
			if _, ok := toFloat(c.Value); !ok {
				return fmt.Errorf("rule %s: condition %d: operator %s needs a numeric value, got %T", r.ID, i, c.Operator, c.Value)
			}
		case OpIn:
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("rule %s: condition %d: operator in needs a list value, got %T", r.ID, i, c.Value)
			}
		}
	}
	if r.MaxRisk < 0 || r.MaxRisk > 1 {
		return fmt.Errorf("rule %s: max_risk %v out of range [0,1]", r.ID, r.MaxRisk)
	}
	return nil
}

// matches reports whether every condition holds, every proposed action
// name matches at least one pattern, and the risk score is within the
// rule's ceiling.
func (r Rule) matches(in Input) bool {
	for _, c := range r.Conditions {
		v, ok := in.field(c.Field)
		if !ok || !c.holds(v) {
			return false
		}
	}
	if len(in.Actions) == 0 {
		return false
	}
	for _, action := range in.Actions {
		if !matchesAny(r.ActionPatterns, action) {
			return false
		}
	}
	return in.Risk <= r.MaxRisk
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (c Condition) holds(v any) bool {
	switch c.Operator {
	case OpEq:
		return equal(v, c.Value)
	case OpIn:
		members, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, m := range members {
			if equal(v, m) {
				return true
			}
		}
		return false
	case OpGte, OpGt, OpLte, OpLt:
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpGte:
			return a >= b
		case OpGt:
			return a > b
		case OpLte:
			return a <= b
		default:
			return a < b
		}
	}
	return false
}

// equal compares numerically when both sides are numbers, otherwise by
// string form. YAML hands us untyped scalars, so "high" == "high" and
// 0.9 == 0.9 both work without the rule author caring about Go types.
func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
