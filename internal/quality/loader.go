package quality

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const defaultWeight = 1.0

// LoadFile reads and validates a rules file.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes a rule set, applies defaults and compiles patterns.
func Parse(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if rs.SchemaVersion == "" {
		return nil, fmt.Errorf("schema_version is required")
	}
	if rs.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version: %s", rs.SchemaVersion)
	}

	ids := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if ids[r.ID] {
			return nil, fmt.Errorf("duplicate rule id: %s", r.ID)
		}
		ids[r.ID] = true

		if r.Weight < 0 {
			return nil, fmt.Errorf("rule %s: weight must not be negative", r.ID)
		}
		if r.Weight == 0 {
			r.Weight = defaultWeight
		}
		if r.Severity == "" {
			r.Severity = SeverityError
		}
		if err := prepare(&r.Condition); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return &rs, nil
}

func prepare(c *Condition) error {
	switch c.Type {
	case ConditionField, "":
		if c.Field == "" {
			return fmt.Errorf("field condition requires a field")
		}
		if c.Operator == "" {
			return fmt.Errorf("field condition requires an operator")
		}
		if c.Operator == OpMatches || c.Operator == OpNotMatches {
			re, err := compilePattern(c.Value)
			if err != nil {
				return err
			}
			c.re = re
		}
	case ConditionAnd, ConditionOr:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s condition requires operands", c.Type)
		}
	case ConditionNot:
		if len(c.Conditions) != 1 {
			return fmt.Errorf("not condition requires exactly one operand")
		}
	default:
		return fmt.Errorf("unknown condition type: %s", c.Type)
	}
	for i := range c.Conditions {
		if err := prepare(&c.Conditions[i]); err != nil {
			return err
		}
	}
	return nil
}
