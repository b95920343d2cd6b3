// Package model defines the task, message and agent types shared by the
// engine's components, along with the state machine, configuration and
// error taxonomy.
package model

import (
	"encoding/json"
	"time"
)

// DefaultHistoryTail is the number of history entries carried in a snapshot.
const DefaultHistoryTail = 5

type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   Message   `json:"message"`
}

// Task is a unit of requested work. Records are owned by the store; every
// other component works on copies obtained through Clone.
//
// Pending holds handoffs still queued when the task suspended; they are
// dispatched after the input response. Steps counts agent dispatches over
// the task's whole life.
type Task struct {
	ID             string                     `json:"id"`
	ProjectID      string                     `json:"projectId"`
	IdempotencyKey string                     `json:"idempotencyKey,omitempty"`
	State          TaskState                  `json:"state"`
	Reason         string                     `json:"reason,omitempty"`
	ErrorKind      ErrorKind                  `json:"errorKind,omitempty"`
	AwaitingAgent  string                     `json:"awaitingAgent,omitempty"`
	Pending        []Message                  `json:"pending,omitempty"`
	Steps          int                        `json:"steps"`
	History        []HistoryEntry             `json:"history"`
	Artifacts      map[string]json.RawMessage `json:"artifacts"`
	CreatedAt      time.Time                  `json:"createdAt"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
}

// NewTask allocates a submitted task with a fresh id scoped to projectID.
func NewTask(projectID, idempotencyKey string) (*Task, error) {
	id, err := NewTaskID(projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Task{
		ID:             id,
		ProjectID:      projectID,
		IdempotencyKey: idempotencyKey,
		State:          TaskStateSubmitted,
		History:        []HistoryEntry{},
		Artifacts:      map[string]json.RawMessage{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (t *Task) IsTerminal() bool {
	return IsTerminal(t.State)
}

// Clone returns a deep copy. Message payloads are immutable and shared.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.History = make([]HistoryEntry, len(t.History))
	copy(c.History, t.History)
	if t.Pending != nil {
		c.Pending = make([]Message, len(t.Pending))
		copy(c.Pending, t.Pending)
	}
	c.Artifacts = make(map[string]json.RawMessage, len(t.Artifacts))
	for k, v := range t.Artifacts {
		c.Artifacts[k] = v
	}
	return &c
}

// Transition moves the task to a new state, validating it against the state
// machine and stamping UpdatedAt.
func (t *Task) Transition(to TaskState, reason string) error {
	if err := ValidateTaskTransition(t.State, to); err != nil {
		return err
	}
	t.State = to
	if reason != "" {
		t.Reason = reason
	}
	if to != TaskStateInputRequired {
		t.AwaitingAgent = ""
	}
	if IsTerminal(to) {
		t.Pending = nil
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail transitions the task to failed and records the taxonomy kind. The
// error detail is also kept as the "error" artifact.
func (t *Task) Fail(kind ErrorKind, reason string) error {
	if err := t.Transition(TaskStateFailed, reason); err != nil {
		return err
	}
	t.ErrorKind = kind
	raw, _ := json.Marshal(ErrorPayload{Error: reason, Code: string(kind)})
	t.Artifacts[ArtifactError] = raw
	return nil
}

// AppendHistory records msg and stamps UpdatedAt.
func (t *Task) AppendHistory(msg Message) {
	now := time.Now().UTC()
	t.History = append(t.History, HistoryEntry{Timestamp: now, Message: msg})
	t.UpdatedAt = now
}

func (t *Task) SetArtifact(name string, payload json.RawMessage) {
	if t.Artifacts == nil {
		t.Artifacts = map[string]json.RawMessage{}
	}
	t.Artifacts[name] = payload
}

// Snapshot returns the streamed view of the task with the last n history
// entries. n <= 0 uses DefaultHistoryTail.
func (t *Task) Snapshot(n int) TaskSnapshot {
	if n <= 0 {
		n = DefaultHistoryTail
	}
	start := len(t.History) - n
	if start < 0 {
		start = 0
	}
	tail := make([]HistoryEntry, len(t.History)-start)
	copy(tail, t.History[start:])
	artifacts := make(map[string]json.RawMessage, len(t.Artifacts))
	for k, v := range t.Artifacts {
		artifacts[k] = v
	}
	return TaskSnapshot{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		State:       t.State,
		Reason:      t.Reason,
		ErrorKind:   t.ErrorKind,
		HistoryTail: tail,
		Artifacts:   artifacts,
		UpdatedAt:   t.UpdatedAt,
	}
}

// TaskSnapshot is the point-in-time view delivered to status subscribers.
type TaskSnapshot struct {
	ID          string                     `json:"id"`
	ProjectID   string                     `json:"projectId"`
	State       TaskState                  `json:"state"`
	Reason      string                     `json:"reason,omitempty"`
	ErrorKind   ErrorKind                  `json:"errorKind,omitempty"`
	HistoryTail []HistoryEntry             `json:"historyTail"`
	Artifacts   map[string]json.RawMessage `json:"artifacts"`
	UpdatedAt   time.Time                  `json:"updatedAt"`
}

func (s TaskSnapshot) IsTerminal() bool {
	return IsTerminal(s.State)
}
