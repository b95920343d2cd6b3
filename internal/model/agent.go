package model

import "slices"

// AgentDescriptor is the public description of a registered agent.
type AgentDescriptor struct {
	Name         string        `json:"name" yaml:"name"`
	DisplayName  string        `json:"displayName,omitempty" yaml:"display_name,omitempty"`
	Version      string        `json:"version,omitempty" yaml:"version,omitempty"`
	Capabilities []MessageType `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// Accepts reports whether the agent declares t as a capability. An agent
// with no declared capabilities accepts every type.
func (d AgentDescriptor) Accepts(t MessageType) bool {
	if len(d.Capabilities) == 0 {
		return true
	}
	return slices.Contains(d.Capabilities, t)
}
