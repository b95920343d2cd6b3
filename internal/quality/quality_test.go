package quality

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/a2a_engine/internal/model"
)

const sampleRules = `
schema_version: "1.0.0"
rules:
  - id: has-preview
    message: build has no preview
    weight: 2
    condition:
      field: previewUrl
      operator: exists
  - id: long-enough
    message: video shorter than 10s
    condition:
      field: durationSec
      operator: gte
      value: 10
  - id: bundle-format
    message: unexpected bundle reference
    severity: critical
    condition:
      field: bundleRef
      operator: matches
      value: "^bundle_[0-9a-f]{12}$"
`

type fixedScorer struct {
	score    float64
	feedback string
	err      error
}

func (s fixedScorer) Critique(ctx context.Context, b model.BuildReady) (float64, string, error) {
	return s.score, s.feedback, s.err
}

func mustParse(t *testing.T, doc string) *RuleSet {
	t.Helper()
	rs, err := Parse([]byte(doc))
	require.NoError(t, err)
	return rs
}

func goodBuild() model.BuildReady {
	return model.BuildReady{BundleRef: "bundle_0123456789ab", PreviewURL: "preview://x.mp4", DurationSec: 15}
}

func TestParse_Defaults(t *testing.T) {
	rs := mustParse(t, sampleRules)
	require.Len(t, rs.Rules, 3)
	assert.Equal(t, 2.0, rs.Rules[0].Weight)
	assert.Equal(t, defaultWeight, rs.Rules[1].Weight)
	assert.Equal(t, SeverityError, rs.Rules[1].Severity)
	assert.NotNil(t, rs.Rules[2].Condition.re, "patterns are compiled at load")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing version", "rules: []"},
		{"wrong version", `schema_version: "2.0.0"`},
		{"missing id", "schema_version: \"1.0.0\"\nrules:\n  - condition: {field: x, operator: exists}\n"},
		{"duplicate id", "schema_version: \"1.0.0\"\nrules:\n  - {id: a, condition: {field: x, operator: exists}}\n  - {id: a, condition: {field: x, operator: exists}}\n"},
		{"negative weight", "schema_version: \"1.0.0\"\nrules:\n  - {id: a, weight: -1, condition: {field: x, operator: exists}}\n"},
		{"missing field", "schema_version: \"1.0.0\"\nrules:\n  - {id: a, condition: {operator: exists}}\n"},
		{"bad regex", "schema_version: \"1.0.0\"\nrules:\n  - {id: a, condition: {field: x, operator: matches, value: \"(\"}}\n"},
		{"empty and", "schema_version: \"1.0.0\"\nrules:\n  - {id: a, condition: {type: and}}\n"},
		{"unknown type", "schema_version: \"1.0.0\"\nrules:\n  - {id: a, condition: {type: xor}}\n"},
		{"malformed", "rules: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestEvaluateField_Operators(t *testing.T) {
	fields := map[string]any{"name": "Storm Scene", "n": 15, "empty": ""}
	tests := []struct {
		cond Condition
		want bool
	}{
		{Condition{Field: "name", Operator: OpExists}, true},
		{Condition{Field: "empty", Operator: OpExists}, false},
		{Condition{Field: "missing", Operator: OpNotExists}, true},
		{Condition{Field: "name", Operator: OpEquals, Value: "storm scene"}, true},
		{Condition{Field: "name", Operator: OpEquals, Value: "storm scene", CaseSensitive: true}, false},
		{Condition{Field: "name", Operator: OpNotEquals, Value: "calm"}, true},
		{Condition{Field: "name", Operator: OpContains, Value: "STORM"}, true},
		{Condition{Field: "name", Operator: OpNotContains, Value: "calm"}, true},
		{Condition{Field: "name", Operator: OpMatches, Value: "^Storm"}, true},
		{Condition{Field: "name", Operator: OpNotMatches, Value: "^Calm"}, true},
		{Condition{Field: "n", Operator: OpGT, Value: 10}, true},
		{Condition{Field: "n", Operator: OpGTE, Value: 15.0}, true},
		{Condition{Field: "n", Operator: OpLT, Value: "15"}, false},
		{Condition{Field: "n", Operator: OpLTE, Value: 15}, true},
		{Condition{Field: "missing", Operator: OpGT, Value: 1}, false},
		{Condition{Field: "n", Operator: OpIn, Value: []any{5, 15}}, true},
		{Condition{Field: "n", Operator: OpNotIn, Value: []any{5}}, true},
	}
	for _, tt := range tests {
		got, err := evaluate(&tt.cond, fields)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.cond.Field, tt.cond.Operator, err)
		}
		if got != tt.want {
			t.Errorf("%s %s %v: got %v, want %v", tt.cond.Field, tt.cond.Operator, tt.cond.Value, got, tt.want)
		}
	}
}

func TestEvaluate_Composite(t *testing.T) {
	fields := map[string]any{"a": 1, "b": "x"}
	isOne := Condition{Field: "a", Operator: OpEquals, Value: 1}
	isY := Condition{Field: "b", Operator: OpEquals, Value: "y"}

	and := Condition{Type: ConditionAnd, Conditions: []Condition{isOne, isY}}
	or := Condition{Type: ConditionOr, Conditions: []Condition{isOne, isY}}
	not := Condition{Type: ConditionNot, Conditions: []Condition{isY}}

	for name, tc := range map[string]struct {
		c    Condition
		want bool
	}{"and": {and, false}, "or": {or, true}, "not": {not, true}} {
		got, err := evaluate(&tc.c, fields)
		require.NoError(t, err, name)
		assert.Equal(t, tc.want, got, name)
	}

	_, err := evaluate(&Condition{Field: "a", Operator: OpGT, Value: "many"}, fields)
	assert.Error(t, err, "non-numeric comparison")
}

func TestRuleCritic_Scores(t *testing.T) {
	rs := mustParse(t, sampleRules)

	score, feedback, err := NewRuleCritic(rs, nil).Critique(context.Background(), goodBuild())
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
	assert.Empty(t, feedback)

	short := goodBuild()
	short.DurationSec = 5
	short.PreviewURL = ""
	score, feedback, err = NewRuleCritic(rs, nil).Critique(context.Background(), short)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/4.0, score, 1e-9, "only the critical rule (weight 1 of 4) passes")
	assert.Contains(t, feedback, "no preview")
	assert.Contains(t, feedback, "shorter than 10s")
}

func TestRuleCritic_CriticalFailureZeroes(t *testing.T) {
	rs := mustParse(t, sampleRules)
	b := goodBuild()
	b.BundleRef = "other"

	score, feedback, err := NewRuleCritic(rs, nil).Critique(context.Background(), b)
	require.NoError(t, err)
	assert.Zero(t, score)
	assert.Contains(t, feedback, "unexpected bundle reference")
}

func TestRuleCritic_BaseScorer(t *testing.T) {
	rs := mustParse(t, sampleRules)

	score, feedback, err := NewRuleCritic(rs, fixedScorer{score: 0.6, feedback: "slow pacing"}).Critique(context.Background(), goodBuild())
	require.NoError(t, err)
	assert.Equal(t, 0.6, score, "the lower score wins")
	assert.Equal(t, "slow pacing", feedback)

	_, _, err = NewRuleCritic(rs, fixedScorer{err: errors.New("down")}).Critique(context.Background(), goodBuild())
	assert.Error(t, err)
}

func TestRuleCritic_SkipsDisabled(t *testing.T) {
	rs := mustParse(t, sampleRules)
	rs.Rules[1].Disabled = true

	results, err := NewRuleCritic(rs, nil).Check(goodBuild())
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))

	rs, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, rs.Rules, 3)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
