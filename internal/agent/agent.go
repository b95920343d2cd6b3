// Package agent defines the agent contract and the registry that maps
// agent names to live instances.
package agent

import (
	"context"

	"github.com/msageha/a2a_engine/internal/model"
)

// Agent is a participant that consumes one message and produces zero or
// more messages. An error return means the agent could not process the
// message; the task it belongs to fails with AgentExecutionError.
type Agent interface {
	Descriptor() model.AgentDescriptor
	Handle(ctx context.Context, msg model.Message) ([]model.Message, error)
}

// HandlerFunc processes a delivered message. The bus installs one per
// registered agent and Subscribe can replace it.
type HandlerFunc func(ctx context.Context, msg model.Message) ([]model.Message, error)

type funcAgent struct {
	desc model.AgentDescriptor
	fn   HandlerFunc
}

// Func adapts a plain function into an Agent.
func Func(desc model.AgentDescriptor, fn HandlerFunc) Agent {
	return &funcAgent{desc: desc, fn: fn}
}

func (a *funcAgent) Descriptor() model.AgentDescriptor { return a.desc }

func (a *funcAgent) Handle(ctx context.Context, msg model.Message) ([]model.Message, error) {
	return a.fn(ctx, msg)
}
