package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Reserved participant names. Neither is ever registered as an agent; a
// reply addressed to one of them ends the task successfully.
const (
	ParticipantSystem = "System"
	ParticipantClient = "Client"
)

func IsReservedParticipant(name string) bool {
	return name == ParticipantSystem || name == ParticipantClient
}

type MessageType string

const (
	MessageTypePlanRequest     MessageType = "plan-request"
	MessageTypePlanReady       MessageType = "plan-ready"
	MessageTypeCodeReady       MessageType = "code-ready"
	MessageTypeBuildReady      MessageType = "build-ready"
	MessageTypeEvaluationReady MessageType = "evaluation-ready"
	MessageTypeInputRequired   MessageType = "input-required"
	MessageTypeInputResponse   MessageType = "input-response"
	MessageTypeTaskComplete    MessageType = "task-complete"
	MessageTypeError           MessageType = "error"
	MessageTypeDiscoverAgents  MessageType = "discover-agents"
	MessageTypeAgentsList      MessageType = "agents-list"
)

// Artifact names under which payloads are retained on the task.
const (
	ArtifactPlan       = "plan"
	ArtifactCode       = "code"
	ArtifactBuild      = "build"
	ArtifactEvaluation = "evaluation"
	ArtifactInput      = "input"
	ArtifactResult     = "result"
	ArtifactError      = "error"
)

var artifactByType = map[MessageType]string{
	MessageTypePlanReady:       ArtifactPlan,
	MessageTypeCodeReady:       ArtifactCode,
	MessageTypeBuildReady:      ArtifactBuild,
	MessageTypeEvaluationReady: ArtifactEvaluation,
	MessageTypeInputResponse:   ArtifactInput,
	MessageTypeTaskComplete:    ArtifactResult,
	MessageTypeError:           ArtifactError,
}

// ArtifactName returns the artifact slot a message type's payload is kept
// under, or "" when the type produces no artifact.
func (t MessageType) ArtifactName() string {
	return artifactByType[t]
}

// RequiresTask reports whether messages of this type must carry a task id.
func (t MessageType) RequiresTask() bool {
	return t != MessageTypeDiscoverAgents && t != MessageTypeAgentsList
}

// Message is immutable once built; construct it with NewMessage.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	TaskID    string          `json:"taskId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds a message with a fresh id. payload may be a
// json.RawMessage, a payload struct, or nil.
func NewMessage(typ MessageType, sender, recipient, taskID string, payload any) (Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Message{
		ID:        NewMessageID(),
		Type:      typ,
		Sender:    sender,
		Recipient: recipient,
		TaskID:    taskID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// WithTaskID returns a copy of m bound to taskID.
func (m Message) WithTaskID(taskID string) Message {
	m.TaskID = taskID
	return m
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(bytes.TrimSpace(p)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// NewMessageID returns a lexically sortable message id.
func NewMessageID() string {
	return ulid.Make().String()
}

type PlanRequest struct {
	Prompt      string `json:"prompt"`
	DurationSec int    `json:"durationSec,omitempty"`
	Style       string `json:"style,omitempty"`
}

type Scene struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DurationSec int    `json:"durationSec,omitempty"`
}

type PlanReady struct {
	Plan     string  `json:"plan"`
	Scenes   []Scene `json:"scenes,omitempty"`
	Feedback string  `json:"feedback,omitempty"`
}

type CodeReady struct {
	Code      string `json:"code,omitempty"`
	BundleRef string `json:"bundleRef,omitempty"`
	Language  string `json:"language,omitempty"`
	Revision  int    `json:"revision,omitempty"`
}

type BuildReady struct {
	BundleRef   string `json:"bundleRef"`
	PreviewURL  string `json:"previewUrl,omitempty"`
	DurationSec int    `json:"durationSec,omitempty"`
	Revision    int    `json:"revision,omitempty"`
}

// EvaluationReady carries a score. When it is addressed back to the code
// generator, Revision is the revision being requested.
type EvaluationReady struct {
	Score    float64 `json:"score"`
	Passed   bool    `json:"passed"`
	Feedback string  `json:"feedback,omitempty"`
	Revision int     `json:"revision,omitempty"`
}

type InputRequired struct {
	Question string   `json:"question"`
	Fields   []string `json:"fields,omitempty"`
}

type InputResponse struct {
	Answer string            `json:"answer,omitempty"`
	Values map[string]string `json:"values,omitempty"`
}

type TaskComplete struct {
	Summary string            `json:"summary,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type AgentsList struct {
	Agents []AgentDescriptor `json:"agents"`
}

var payloadValidators = map[MessageType]func(json.RawMessage, *ValidationErrors){
	MessageTypePlanRequest: func(raw json.RawMessage, ve *ValidationErrors) {
		var p PlanRequest
		if decodeInto(raw, &p, ve) && p.DurationSec < 0 {
			ve.Add("payload.durationSec", "must not be negative")
		}
	},
	MessageTypePlanReady: func(raw json.RawMessage, ve *ValidationErrors) {
		var p PlanReady
		if decodeInto(raw, &p, ve) && strings.TrimSpace(p.Plan) == "" {
			ve.Add("payload.plan", "is required")
		}
	},
	MessageTypeCodeReady: func(raw json.RawMessage, ve *ValidationErrors) {
		var p CodeReady
		if decodeInto(raw, &p, ve) && p.Code == "" && p.BundleRef == "" {
			ve.Add("payload", "one of code or bundleRef is required")
		}
	},
	MessageTypeBuildReady: func(raw json.RawMessage, ve *ValidationErrors) {
		var p BuildReady
		if decodeInto(raw, &p, ve) && p.BundleRef == "" {
			ve.Add("payload.bundleRef", "is required")
		}
	},
	MessageTypeEvaluationReady: func(raw json.RawMessage, ve *ValidationErrors) {
		var p EvaluationReady
		decodeInto(raw, &p, ve)
	},
	MessageTypeInputRequired: func(raw json.RawMessage, ve *ValidationErrors) {
		var p InputRequired
		if decodeInto(raw, &p, ve) && strings.TrimSpace(p.Question) == "" {
			ve.Add("payload.question", "is required")
		}
	},
	MessageTypeInputResponse: func(raw json.RawMessage, ve *ValidationErrors) {
		var p InputResponse
		if decodeInto(raw, &p, ve) && p.Answer == "" && len(p.Values) == 0 {
			ve.Add("payload", "one of answer or values is required")
		}
	},
	MessageTypeTaskComplete: func(raw json.RawMessage, ve *ValidationErrors) {
		var p TaskComplete
		decodeInto(raw, &p, ve)
	},
	MessageTypeError: func(raw json.RawMessage, ve *ValidationErrors) {
		var p ErrorPayload
		if decodeInto(raw, &p, ve) && p.Error == "" {
			ve.Add("payload.error", "is required")
		}
	},
	MessageTypeDiscoverAgents: func(raw json.RawMessage, ve *ValidationErrors) {
		var p struct{}
		decodeInto(raw, &p, ve)
	},
	MessageTypeAgentsList: func(raw json.RawMessage, ve *ValidationErrors) {
		var p AgentsList
		decodeInto(raw, &p, ve)
	},
}

func decodeInto(raw json.RawMessage, v any, ve *ValidationErrors) bool {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		ve.Add("payload", fmt.Sprintf("does not match schema: %v", err))
		return false
	}
	return true
}

// IsKnownMessageType reports whether t belongs to the closed set of types.
func IsKnownMessageType(t MessageType) bool {
	_, ok := payloadValidators[t]
	return ok
}

// ValidateMessage checks envelope fields and the payload schema for the
// message type. The returned error wraps ErrInvalidMessage.
func ValidateMessage(m Message) error {
	var ve ValidationErrors
	if m.ID == "" {
		ve.Add("id", "is required")
	}
	if m.Sender == "" {
		ve.Add("sender", "is required")
	}
	if m.Recipient == "" {
		ve.Add("recipient", "is required")
	}
	validate, ok := payloadValidators[m.Type]
	if !ok {
		ve.Add("type", fmt.Sprintf("unknown message type %q", m.Type))
	} else {
		if m.Type.RequiresTask() && m.TaskID == "" {
			ve.Add("taskId", fmt.Sprintf("is required for %s", m.Type))
		}
		validate(m.Payload, &ve)
	}
	if ve.HasErrors() {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, &ve)
	}
	return nil
}
