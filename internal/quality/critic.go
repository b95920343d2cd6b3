package quality

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/msageha/a2a_engine/internal/model"
)

// Scorer is the critic a RuleCritic tightens.
type Scorer interface {
	Critique(ctx context.Context, build model.BuildReady) (float64, string, error)
}

// RuleCritic scores a build by the weighted share of passing rules. With
// a base scorer the lower of the two scores wins.
type RuleCritic struct {
	rules *RuleSet
	base  Scorer
}

func NewRuleCritic(rules *RuleSet, base Scorer) *RuleCritic {
	return &RuleCritic{rules: rules, base: base}
}

// Fields exposes a build to rule conditions.
func Fields(b model.BuildReady) map[string]any {
	return map[string]any{
		"bundleRef":   b.BundleRef,
		"previewUrl":  b.PreviewURL,
		"durationSec": b.DurationSec,
		"revision":    b.Revision,
	}
}

// Check evaluates every enabled rule.
func (c *RuleCritic) Check(build model.BuildReady) ([]Result, error) {
	fields := Fields(build)
	var results []Result
	for i := range c.rules.Rules {
		r := &c.rules.Rules[i]
		if r.Disabled {
			continue
		}
		ok, err := evaluate(&r.Condition, fields)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		results = append(results, Result{RuleID: r.ID, Passed: ok, Severity: r.Severity, Message: r.Message})
	}
	return results, nil
}

func (c *RuleCritic) Critique(ctx context.Context, build model.BuildReady) (float64, string, error) {
	results, err := c.Check(build)
	if err != nil {
		return 0, "", err
	}

	score := 1.0
	var total, passed float64
	var notes []string
	weights := make(map[string]float64, len(c.rules.Rules))
	for _, r := range c.rules.Rules {
		weights[r.ID] = r.Weight
	}
	for _, res := range results {
		w := weights[res.RuleID]
		total += w
		if res.Passed {
			passed += w
			continue
		}
		if res.Severity == SeverityCritical {
			score = 0
		}
		msg := res.Message
		if msg == "" {
			msg = "rule " + res.RuleID + " failed"
		}
		notes = append(notes, msg)
	}
	if total > 0 && score > 0 {
		score = passed / total
	}

	if c.base != nil {
		baseScore, feedback, err := c.base.Critique(ctx, build)
		if err != nil {
			return 0, "", err
		}
		score = math.Min(score, baseScore)
		if feedback != "" {
			notes = append([]string{feedback}, notes...)
		}
	}
	return score, strings.Join(notes, "; "), nil
}
