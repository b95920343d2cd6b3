package quality

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// evaluate reports whether c holds for fields.
func evaluate(c *Condition, fields map[string]any) (bool, error) {
	switch c.Type {
	case ConditionField, "":
		return evaluateField(c, fields)
	case ConditionAnd:
		for i := range c.Conditions {
			ok, err := evaluate(&c.Conditions[i], fields)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case ConditionOr:
		for i := range c.Conditions {
			ok, err := evaluate(&c.Conditions[i], fields)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case ConditionNot:
		if len(c.Conditions) != 1 {
			return false, fmt.Errorf("not condition requires exactly one operand")
		}
		ok, err := evaluate(&c.Conditions[0], fields)
		return !ok, err
	default:
		return false, fmt.Errorf("unknown condition type: %s", c.Type)
	}
}

func evaluateField(c *Condition, fields map[string]any) (bool, error) {
	value, exists := fields[c.Field]
	if exists && value == "" {
		exists = false
	}

	switch c.Operator {
	case OpExists:
		return exists, nil
	case OpNotExists:
		return !exists, nil
	case OpEquals:
		return exists && equalValues(value, c.Value, c.CaseSensitive), nil
	case OpNotEquals:
		return !exists || !equalValues(value, c.Value, c.CaseSensitive), nil
	case OpContains:
		return exists && containsValue(value, c.Value, c.CaseSensitive), nil
	case OpNotContains:
		return !exists || !containsValue(value, c.Value, c.CaseSensitive), nil
	case OpMatches, OpNotMatches:
		if !exists {
			return c.Operator == OpNotMatches, nil
		}
		re := c.re
		if re == nil {
			var err error
			if re, err = compilePattern(c.Value); err != nil {
				return false, err
			}
		}
		matched := re.MatchString(fmt.Sprint(value))
		return matched == (c.Operator == OpMatches), nil
	case OpGT, OpGTE, OpLT, OpLTE:
		if !exists {
			return false, nil
		}
		return compareNumeric(value, c.Value, c.Operator)
	case OpIn:
		return exists && inList(value, c.Value), nil
	case OpNotIn:
		return !exists || !inList(value, c.Value), nil
	default:
		return false, fmt.Errorf("unknown operator: %s", c.Operator)
	}
}

func compilePattern(v any) (*regexp.Regexp, error) {
	pattern, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("regex pattern must be a string")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return re, nil
}

func normalize(v any, caseSensitive bool) string {
	s := fmt.Sprint(v)
	if !caseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

func equalValues(a, b any, caseSensitive bool) bool {
	return normalize(a, caseSensitive) == normalize(b, caseSensitive)
}

func containsValue(a, b any, caseSensitive bool) bool {
	return strings.Contains(normalize(a, caseSensitive), normalize(b, caseSensitive))
}

func inList(v, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equalValues(v, item, true) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func compareNumeric(a, b any, op FieldOperator) (bool, error) {
	x, err := toFloat(a)
	if err != nil {
		return false, err
	}
	y, err := toFloat(b)
	if err != nil {
		return false, err
	}
	switch op {
	case OpGT:
		return x > y, nil
	case OpGTE:
		return x >= y, nil
	case OpLT:
		return x < y, nil
	default:
		return x <= y, nil
	}
}
