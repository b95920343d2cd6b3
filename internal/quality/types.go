// Package quality scores build results against declarative rules loaded
// from YAML. A RuleCritic can stand in for, or tighten, the Evaluator's
// critic.
package quality

import "regexp"

const SchemaVersion = "1.0.0"

// ConditionType selects how a condition is evaluated.
type ConditionType string

const (
	ConditionField ConditionType = "field"
	ConditionAnd   ConditionType = "and"
	ConditionOr    ConditionType = "or"
	ConditionNot   ConditionType = "not"
)

// FieldOperator compares a build field with a rule value.
type FieldOperator string

const (
	OpExists      FieldOperator = "exists"
	OpNotExists   FieldOperator = "not_exists"
	OpEquals      FieldOperator = "equals"
	OpNotEquals   FieldOperator = "not_equals"
	OpContains    FieldOperator = "contains"
	OpNotContains FieldOperator = "not_contains"
	OpMatches     FieldOperator = "matches"
	OpNotMatches  FieldOperator = "not_matches"
	OpGT          FieldOperator = "gt"
	OpGTE         FieldOperator = "gte"
	OpLT          FieldOperator = "lt"
	OpLTE         FieldOperator = "lte"
	OpIn          FieldOperator = "in"
	OpNotIn       FieldOperator = "not_in"
)

// Severity of a failed rule. A failed critical rule zeroes the score.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// RuleSet is the document stored in a rules file.
type RuleSet struct {
	SchemaVersion string `yaml:"schema_version"`
	Rules         []Rule `yaml:"rules"`
}

// Rule is one weighted check.
type Rule struct {
	ID        string    `yaml:"id"`
	Message   string    `yaml:"message"`
	Weight    float64   `yaml:"weight"`
	Severity  Severity  `yaml:"severity"`
	Disabled  bool      `yaml:"disabled,omitempty"`
	Condition Condition `yaml:"condition"`
}

// Condition is either a field comparison or a combination of conditions.
type Condition struct {
	Type          ConditionType `yaml:"type"`
	Field         string        `yaml:"field,omitempty"`
	Operator      FieldOperator `yaml:"operator,omitempty"`
	Value         any           `yaml:"value,omitempty"`
	CaseSensitive bool          `yaml:"case_sensitive,omitempty"`
	Conditions    []Condition   `yaml:"conditions,omitempty"`

	re *regexp.Regexp
}

// Result is the outcome of one rule.
type Result struct {
	RuleID   string   `json:"ruleId"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}
