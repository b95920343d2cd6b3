package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/a2a_engine/internal/model"
)

const (
	defaultDurationSec  = 15
	defaultSceneSeconds = 5
	defaultBaseScore    = 0.6
	defaultRevisionGain = 0.2
	staticLanguage      = "a2a-scene"
)

// StaticGenerator is a deterministic stand-in for the model-backed
// services. It serves as Generator, Builder and Critic for local runs and
// tests. Scores rise by RevisionGain per revision starting at BaseScore.
type StaticGenerator struct {
	SceneSeconds int
	BaseScore    float64
	RevisionGain float64
	// Latency simulates work on every call.
	Latency time.Duration
}

func (g *StaticGenerator) sceneSeconds() int {
	if g.SceneSeconds <= 0 {
		return defaultSceneSeconds
	}
	return g.SceneSeconds
}

func (g *StaticGenerator) wait(ctx context.Context) error {
	if g.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(g.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *StaticGenerator) Plan(ctx context.Context, req model.PlanRequest) (model.PlanReady, error) {
	if err := g.wait(ctx); err != nil {
		return model.PlanReady{}, err
	}
	duration := req.DurationSec
	if duration <= 0 {
		duration = defaultDurationSec
	}
	per := g.sceneSeconds()
	count := (duration + per - 1) / per

	beats := sentences(req.Prompt)
	scenes := make([]model.Scene, count)
	remaining := duration
	for i := range scenes {
		d := min(per, remaining)
		remaining -= d
		beat := beats[i%len(beats)]
		scenes[i] = model.Scene{
			Title:       fmt.Sprintf("Scene %d", i+1),
			Description: beat,
			DurationSec: d,
		}
	}

	style := req.Style
	if style == "" {
		style = "default"
	}
	return model.PlanReady{
		Plan:   fmt.Sprintf("%d scenes, %ds, style %s: %s", count, duration, style, strings.TrimSpace(req.Prompt)),
		Scenes: scenes,
	}, nil
}

func (g *StaticGenerator) Code(ctx context.Context, plan model.PlanReady, feedback string, revision int) (model.CodeReady, error) {
	if err := g.wait(ctx); err != nil {
		return model.CodeReady{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# revision %d\n", revision)
	if feedback != "" {
		fmt.Fprintf(&b, "# feedback: %s\n", feedback)
	}
	for _, s := range plan.Scenes {
		fmt.Fprintf(&b, "scene %q duration=%d\n", s.Title, s.DurationSec)
	}
	if len(plan.Scenes) == 0 {
		fmt.Fprintf(&b, "scene %q duration=%d\n", plan.Plan, g.sceneSeconds())
	}
	return model.CodeReady{Code: b.String(), Language: staticLanguage, Revision: revision}, nil
}

func (g *StaticGenerator) Build(ctx context.Context, code model.CodeReady) (model.BuildReady, error) {
	if err := g.wait(ctx); err != nil {
		return model.BuildReady{}, err
	}
	source := code.Code
	if source == "" {
		source = code.BundleRef
	}
	sum := sha256.Sum256([]byte(source))
	ref := "bundle_" + hex.EncodeToString(sum[:6])

	duration := 0
	for _, line := range strings.Split(source, "\n") {
		var title string
		var d int
		if _, err := fmt.Sscanf(line, "scene %q duration=%d", &title, &d); err == nil {
			duration += d
		}
	}
	return model.BuildReady{
		BundleRef:   ref,
		PreviewURL:  "preview://" + ref + ".mp4",
		DurationSec: duration,
		Revision:    code.Revision,
	}, nil
}

func (g *StaticGenerator) Critique(ctx context.Context, build model.BuildReady) (float64, string, error) {
	if err := g.wait(ctx); err != nil {
		return 0, "", err
	}
	base, gain := g.BaseScore, g.RevisionGain
	if base <= 0 {
		base = defaultBaseScore
	}
	if gain <= 0 {
		gain = defaultRevisionGain
	}
	score := min(1.0, base+gain*float64(build.Revision))
	feedback := ""
	if score < 1 {
		feedback = "tighten pacing between scenes"
	}
	return score, feedback, nil
}

// sentences splits a prompt into scene beats. It always returns at least
// one element.
func sentences(prompt string) []string {
	var out []string
	for _, s := range strings.FieldsFunc(prompt, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = []string{strings.TrimSpace(prompt)}
	}
	return out
}
