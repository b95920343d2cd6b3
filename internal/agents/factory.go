package agents

import (
	"fmt"
	"strings"

	"github.com/msageha/a2a_engine/internal/agent"
	"github.com/msageha/a2a_engine/internal/model"
)

// Agent kinds accepted in the agents section of config.yaml.
const (
	KindPlanner   = "planner"
	KindCodeGen   = "codegen"
	KindBuilder   = "builder"
	KindEvaluator = "evaluator"
)

const defaultVersion = "1.0.0"

type kindSpec struct {
	name         string
	display      string
	capabilities []model.MessageType
}

var kinds = map[string]kindSpec{
	KindPlanner: {"Planner", "Storyboard planner",
		[]model.MessageType{model.MessageTypePlanRequest, model.MessageTypeInputResponse}},
	KindCodeGen: {"CodeGen", "Composition code generator",
		[]model.MessageType{model.MessageTypePlanReady, model.MessageTypeEvaluationReady}},
	KindBuilder: {"Builder", "Bundle builder",
		[]model.MessageType{model.MessageTypeCodeReady}},
	KindEvaluator: {"Evaluator", "Output evaluator",
		[]model.MessageType{model.MessageTypeBuildReady}},
}

// Deps are the services behind the pipeline agents. Nil services fall
// back to a shared StaticGenerator.
type Deps struct {
	Generator Generator
	Builder   Builder
	Critic    Critic
	Tasks     TaskReader
	Pipeline  model.PipelineConfig
}

func (d Deps) withDefaults() Deps {
	static := &StaticGenerator{}
	if d.Generator == nil {
		d.Generator = static
	}
	if d.Builder == nil {
		d.Builder = static
	}
	if d.Critic == nil {
		d.Critic = static
	}
	if d.Pipeline.PassScore <= 0 {
		d.Pipeline.PassScore = 0.7
	}
	if d.Pipeline.MaxRevisions < 0 {
		d.Pipeline.MaxRevisions = 0
	}
	return d
}

// DefaultConfigs declares one agent of each kind under its default name.
func DefaultConfigs() []model.AgentConfig {
	return []model.AgentConfig{
		{Kind: KindPlanner},
		{Kind: KindCodeGen},
		{Kind: KindBuilder},
		{Kind: KindEvaluator},
	}
}

// Name returns the registry name for cfg: its configured name, or the
// default name of its kind.
func Name(cfg model.AgentConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	if spec, ok := kinds[strings.ToLower(cfg.Kind)]; ok {
		return spec.name
	}
	return cfg.Kind
}

// Build constructs the enabled agents in cfgs. Each agent hands off to the
// first enabled agent of the next kind; when that kind is absent the
// default name is used, so the handoff is dead-lettered at dispatch.
func Build(cfgs []model.AgentConfig, deps Deps) ([]agent.Agent, error) {
	deps = deps.withDefaults()

	route := map[string]string{}
	for kind, spec := range kinds {
		route[kind] = spec.name
	}
	seenKind := map[string]bool{}
	for _, c := range cfgs {
		kind := strings.ToLower(c.Kind)
		if _, ok := kinds[kind]; !ok {
			return nil, fmt.Errorf("agent %q: unknown kind %q", c.Name, c.Kind)
		}
		if c.IsEnabled() && !seenKind[kind] {
			route[kind] = Name(c)
			seenKind[kind] = true
		}
	}

	var out []agent.Agent
	names := map[string]bool{}
	for _, c := range cfgs {
		if !c.IsEnabled() {
			continue
		}
		kind := strings.ToLower(c.Kind)
		desc := descriptor(c, kinds[kind])
		if names[desc.Name] {
			return nil, fmt.Errorf("duplicate agent name %q", desc.Name)
		}
		names[desc.Name] = true

		switch kind {
		case KindPlanner:
			out = append(out, &PlannerAgent{desc: desc, gen: deps.Generator, next: route[KindCodeGen]})
		case KindCodeGen:
			out = append(out, &CodeGenAgent{desc: desc, gen: deps.Generator, tasks: deps.Tasks, next: route[KindBuilder]})
		case KindBuilder:
			out = append(out, &BuilderAgent{desc: desc, builder: deps.Builder, next: route[KindEvaluator]})
		case KindEvaluator:
			out = append(out, &EvaluatorAgent{
				desc:         desc,
				critic:       deps.Critic,
				reviser:      route[KindCodeGen],
				maxRevisions: deps.Pipeline.MaxRevisions,
				passScore:    deps.Pipeline.PassScore,
			})
		}
	}
	return out, nil
}

func descriptor(c model.AgentConfig, spec kindSpec) model.AgentDescriptor {
	d := model.AgentDescriptor{
		Name:         Name(c),
		DisplayName:  c.DisplayName,
		Version:      c.Version,
		Capabilities: append([]model.MessageType(nil), spec.capabilities...),
	}
	if d.DisplayName == "" {
		d.DisplayName = spec.display
	}
	if d.Version == "" {
		d.Version = defaultVersion
	}
	return d
}
