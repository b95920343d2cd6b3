// Package agents implements the built-in video pipeline: Planner, CodeGen,
// Builder and Evaluator. Language model calls and rendering are reached
// through the Generator, Builder and Critic interfaces.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/msageha/a2a_engine/internal/model"
)

// Generator turns prompts into storyboards and storyboards into
// composition code.
type Generator interface {
	Plan(ctx context.Context, req model.PlanRequest) (model.PlanReady, error)
	Code(ctx context.Context, plan model.PlanReady, feedback string, revision int) (model.CodeReady, error)
}

// Builder renders composition code into a bundle.
type Builder interface {
	Build(ctx context.Context, code model.CodeReady) (model.BuildReady, error)
}

// Critic scores a rendered bundle in [0, 1].
type Critic interface {
	Critique(ctx context.Context, build model.BuildReady) (score float64, feedback string, err error)
}

// TaskReader gives agents read access to the artifacts of their task.
type TaskReader interface {
	Get(ctx context.Context, id string) (*model.Task, error)
}

const promptQuestion = "Describe the video you want to generate."

// PlannerAgent answers plan-request with a storyboard. A blank prompt
// suspends the task with an input-required addressed to the client.
type PlannerAgent struct {
	desc model.AgentDescriptor
	gen  Generator
	next string
}

func (a *PlannerAgent) Descriptor() model.AgentDescriptor { return a.desc }

func (a *PlannerAgent) Handle(ctx context.Context, msg model.Message) ([]model.Message, error) {
	var req model.PlanRequest
	switch msg.Type {
	case model.MessageTypePlanRequest:
		if err := msg.DecodePayload(&req); err != nil {
			return nil, fmt.Errorf("decode plan request: %w", err)
		}
	case model.MessageTypeInputResponse:
		var in model.InputResponse
		if err := msg.DecodePayload(&in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		req = requestFromInput(in)
	default:
		return nil, unsupported(a.desc.Name, msg.Type)
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return reply(a.desc.Name, model.ParticipantClient, msg, model.MessageTypeInputRequired, model.InputRequired{
			Question: promptQuestion,
			Fields:   []string{"prompt", "durationSec", "style"},
		})
	}

	plan, err := a.gen.Plan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return reply(a.desc.Name, a.next, msg, model.MessageTypePlanReady, plan)
}

func requestFromInput(in model.InputResponse) model.PlanRequest {
	req := model.PlanRequest{Prompt: in.Answer}
	if v := in.Values["prompt"]; v != "" {
		req.Prompt = v
	}
	req.Style = in.Values["style"]
	if n, err := strconv.Atoi(in.Values["durationSec"]); err == nil && n > 0 {
		req.DurationSec = n
	}
	return req
}

// CodeGenAgent writes composition code for a plan. An evaluation-ready
// addressed to it is a revision request; the plan is read back from the
// task's artifacts.
type CodeGenAgent struct {
	desc  model.AgentDescriptor
	gen   Generator
	tasks TaskReader
	next  string
}

func (a *CodeGenAgent) Descriptor() model.AgentDescriptor { return a.desc }

func (a *CodeGenAgent) Handle(ctx context.Context, msg model.Message) ([]model.Message, error) {
	var (
		plan     model.PlanReady
		feedback string
		revision int
	)
	switch msg.Type {
	case model.MessageTypePlanReady:
		if err := msg.DecodePayload(&plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		feedback = plan.Feedback
	case model.MessageTypeEvaluationReady:
		var ev model.EvaluationReady
		if err := msg.DecodePayload(&ev); err != nil {
			return nil, fmt.Errorf("decode evaluation: %w", err)
		}
		p, err := a.planFor(ctx, msg.TaskID)
		if err != nil {
			return nil, err
		}
		plan, feedback, revision = p, ev.Feedback, ev.Revision
	default:
		return nil, unsupported(a.desc.Name, msg.Type)
	}

	code, err := a.gen.Code(ctx, plan, feedback, revision)
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	code.Revision = revision
	return reply(a.desc.Name, a.next, msg, model.MessageTypeCodeReady, code)
}

func (a *CodeGenAgent) planFor(ctx context.Context, taskID string) (model.PlanReady, error) {
	var plan model.PlanReady
	if a.tasks == nil {
		return plan, fmt.Errorf("revision of task %s: no task reader configured", taskID)
	}
	t, err := a.tasks.Get(ctx, taskID)
	if err != nil {
		return plan, fmt.Errorf("load task %s: %w", taskID, err)
	}
	raw, ok := t.Artifacts[model.ArtifactPlan]
	if !ok {
		return plan, fmt.Errorf("task %s has no plan artifact", taskID)
	}
	if err := json.Unmarshal(raw, &plan); err != nil {
		return plan, fmt.Errorf("decode plan artifact: %w", err)
	}
	return plan, nil
}

// BuilderAgent renders code-ready into build-ready.
type BuilderAgent struct {
	desc    model.AgentDescriptor
	builder Builder
	next    string
}

func (a *BuilderAgent) Descriptor() model.AgentDescriptor { return a.desc }

func (a *BuilderAgent) Handle(ctx context.Context, msg model.Message) ([]model.Message, error) {
	if msg.Type != model.MessageTypeCodeReady {
		return nil, unsupported(a.desc.Name, msg.Type)
	}
	var code model.CodeReady
	if err := msg.DecodePayload(&code); err != nil {
		return nil, fmt.Errorf("decode code: %w", err)
	}
	build, err := a.builder.Build(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	build.Revision = code.Revision
	return reply(a.desc.Name, a.next, msg, model.MessageTypeBuildReady, build)
}

// EvaluatorAgent scores a build. Below the pass score it asks CodeGen for
// another revision until maxRevisions is reached; after that, or on a
// pass, it completes the task.
type EvaluatorAgent struct {
	desc         model.AgentDescriptor
	critic       Critic
	reviser      string
	maxRevisions int
	passScore    float64
}

func (a *EvaluatorAgent) Descriptor() model.AgentDescriptor { return a.desc }

func (a *EvaluatorAgent) Handle(ctx context.Context, msg model.Message) ([]model.Message, error) {
	if msg.Type != model.MessageTypeBuildReady {
		return nil, unsupported(a.desc.Name, msg.Type)
	}
	var build model.BuildReady
	if err := msg.DecodePayload(&build); err != nil {
		return nil, fmt.Errorf("decode build: %w", err)
	}
	score, feedback, err := a.critic.Critique(ctx, build)
	if err != nil {
		return nil, fmt.Errorf("critique: %w", err)
	}

	passed := score >= a.passScore
	if !passed && build.Revision < a.maxRevisions {
		return reply(a.desc.Name, a.reviser, msg, model.MessageTypeEvaluationReady, model.EvaluationReady{
			Score:    score,
			Passed:   false,
			Feedback: feedback,
			Revision: build.Revision + 1,
		})
	}

	summary := fmt.Sprintf("video ready (score %.2f)", score)
	if !passed {
		summary = fmt.Sprintf("video ready below pass score (%.2f < %.2f) after %d revisions", score, a.passScore, build.Revision)
	}
	return reply(a.desc.Name, model.ParticipantClient, msg, model.MessageTypeTaskComplete, model.TaskComplete{
		Summary: summary,
		Outputs: map[string]string{
			"bundleRef":  build.BundleRef,
			"previewUrl": build.PreviewURL,
			"score":      strconv.FormatFloat(score, 'f', 2, 64),
			"revisions":  strconv.Itoa(build.Revision),
		},
	})
}

func reply(sender, recipient string, in model.Message, typ model.MessageType, payload any) ([]model.Message, error) {
	out, err := model.NewMessage(typ, sender, recipient, in.TaskID, payload)
	if err != nil {
		return nil, err
	}
	return []model.Message{out}, nil
}

func unsupported(name string, t model.MessageType) error {
	return fmt.Errorf("%s cannot handle %s messages", name, t)
}
