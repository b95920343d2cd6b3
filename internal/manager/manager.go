// Package manager is the public task API: it validates requests, creates
// task records and hands them to the processor.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/a2a_engine/internal/agent"
	"github.com/msageha/a2a_engine/internal/events"
	"github.com/msageha/a2a_engine/internal/logging"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/processor"
	"github.com/msageha/a2a_engine/internal/store"
	"github.com/msageha/a2a_engine/internal/stream"
)

// ReasonCanceled is recorded on tasks canceled through CancelTask.
const ReasonCanceled = "canceled by client"

// CreateParams describes a new task. Only ProjectID is required; the seed
// message defaults to a plan-request addressed to the entry agent.
type CreateParams struct {
	ProjectID      string          `json:"projectId"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Agent          string          `json:"agent,omitempty"`
	Type           string          `json:"type,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Prompt         string          `json:"prompt,omitempty"`
	DurationSec    int             `json:"durationSec,omitempty"`
	Style          string          `json:"style,omitempty"`
}

type Config struct {
	EntryAgent  string
	CreateWait  time.Duration
	HistoryTail int
}

type Manager struct {
	store     store.Store
	processor *processor.Processor
	registry  *agent.Registry
	streamer  *stream.Streamer
	eventBus  *events.Bus
	logger    *logging.Logger
	cfg       Config

	creates singleflight.Group
}

func New(st store.Store, proc *processor.Processor, registry *agent.Registry, streamer *stream.Streamer, cfg Config, logger *logging.Logger) *Manager {
	if cfg.EntryAgent == "" {
		cfg.EntryAgent = "Planner"
	}
	if cfg.HistoryTail <= 0 {
		cfg.HistoryTail = model.DefaultHistoryTail
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		store:     st,
		processor: proc,
		registry:  registry,
		streamer:  streamer,
		logger:    logger.With("manager"),
		cfg:       cfg,
	}
}

// SetEventBus sets the event bus for task_created events.
func (m *Manager) SetEventBus(eb *events.Bus) {
	m.eventBus = eb
}

// CreateTask stores a submitted task and starts its dispatch. It waits up
// to the configured window for the first dispatch, so the returned state is
// submitted or working. Requests sharing a (project, idempotency key) pair
// resolve to a single task.
func (m *Manager) CreateTask(ctx context.Context, p CreateParams) (*model.Task, error) {
	seedType, payload, err := m.validateCreate(p)
	if err != nil {
		return nil, err
	}

	if p.IdempotencyKey == "" {
		return m.create(ctx, p, seedType, payload)
	}

	key := p.ProjectID + "\x00" + p.IdempotencyKey
	v, err, shared := m.creates.Do(key, func() (any, error) {
		existing, err := m.store.FindByIdempotencyKey(ctx, p.ProjectID, p.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return m.create(ctx, p, seedType, payload)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debugf("create project=%s key=%s collapsed onto in-flight request", p.ProjectID, p.IdempotencyKey)
	}
	return v.(*model.Task).Clone(), nil
}

func (m *Manager) validateCreate(p CreateParams) (model.MessageType, json.RawMessage, error) {
	var ve model.ValidationErrors
	switch {
	case strings.TrimSpace(p.ProjectID) == "":
		ve.Add("projectId", "is required")
	case model.ProjectSlug(p.ProjectID) == "":
		ve.Add("projectId", "must contain a letter or digit")
	}
	seedType := model.MessageTypePlanRequest
	if p.Type != "" {
		seedType = model.MessageType(p.Type)
		if !model.IsKnownMessageType(seedType) {
			ve.Add("type", fmt.Sprintf("unknown message type %q", p.Type))
		}
	}
	if p.Agent != "" && model.IsReservedParticipant(p.Agent) {
		ve.Add("agent", fmt.Sprintf("%q is reserved", p.Agent))
	}
	payload := p.Payload
	if len(payload) == 0 && seedType == model.MessageTypePlanRequest {
		raw, err := json.Marshal(model.PlanRequest{Prompt: p.Prompt, DurationSec: p.DurationSec, Style: p.Style})
		if err != nil {
			return "", nil, err
		}
		payload = raw
	}
	if err := ve.Err(); err != nil {
		return "", nil, fmt.Errorf("%w: %w", model.ErrInvalidParams, err)
	}
	return seedType, payload, nil
}

func (m *Manager) create(ctx context.Context, p CreateParams, seedType model.MessageType, payload json.RawMessage) (*model.Task, error) {
	task, err := model.NewTask(p.ProjectID, p.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInternal, err)
	}

	recipient := p.Agent
	if recipient == "" {
		recipient = m.cfg.EntryAgent
	}
	seed, err := model.NewMessage(seedType, model.ParticipantClient, recipient, task.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidParams, err)
	}
	if err := model.ValidateMessage(seed); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidParams, err)
	}
	task.AppendHistory(seed)

	stored, err := m.store.Create(ctx, task)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost the race against another process sharing the store.
		return stored, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	m.logger.Infof("task=%s created project=%s entry=%s", stored.ID, stored.ProjectID, recipient)
	if m.eventBus != nil {
		m.eventBus.Publish(events.EventTaskCreated, map[string]any{
			"task_id":    stored.ID,
			"project_id": stored.ProjectID,
			"agent":      recipient,
			"message_id": seed.ID,
		})
	}

	var sub *stream.Subscription
	if m.cfg.CreateWait > 0 && m.streamer != nil {
		sub = m.streamer.Subscribe(stored.ID)
		defer sub.Close()
	}
	m.processor.Start(stored.ID, seed)
	if sub != nil {
		m.awaitDispatch(ctx, sub, stored)
	}
	return stored, nil
}

// awaitDispatch upgrades the returned record to working if the seed was
// dispatched within the create window. Any later state implies the task
// passed through working.
func (m *Manager) awaitDispatch(ctx context.Context, sub *stream.Subscription, t *model.Task) {
	timer := time.NewTimer(m.cfg.CreateWait)
	defer timer.Stop()
	select {
	case snap, ok := <-sub.C():
		if !ok {
			return
		}
		switch snap.State {
		case model.TaskStateWorking, model.TaskStateInputRequired, model.TaskStateCompleted:
			t.State = model.TaskStateWorking
			t.UpdatedAt = snap.UpdatedAt
		case model.TaskStateFailed:
			// Only an unresolvable entry agent fails a task before dispatch.
			if snap.ErrorKind != model.KindAgentNotFound || len(snap.HistoryTail) > 1 {
				t.State = model.TaskStateWorking
				t.UpdatedAt = snap.UpdatedAt
			}
		}
	case <-timer.C:
	case <-ctx.Done():
	}
}

// GetTaskStatus returns the committed task record.
func (m *Manager) GetTaskStatus(ctx context.Context, taskID string) (*model.Task, error) {
	if err := requireTaskID(taskID); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, taskID)
}

// CancelTask stops further dispatch and moves the task to canceled. A task
// that is already terminal is returned unchanged without error.
func (m *Manager) CancelTask(ctx context.Context, taskID string) (*model.Task, error) {
	if err := requireTaskID(taskID); err != nil {
		return nil, err
	}
	current, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal() {
		return current, nil
	}

	m.processor.Cancel(taskID)
	var prev model.TaskState
	task, err := m.store.Update(ctx, taskID, func(t *model.Task) error {
		prev = t.State
		return t.Transition(model.TaskStateCanceled, ReasonCanceled)
	})
	if errors.Is(err, store.ErrTerminal) {
		return m.store.Get(ctx, taskID)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Infof("task=%s canceled (was %s)", taskID, prev)
	m.processor.Announce(task, prev)
	return task, nil
}

// SubmitTaskInput resumes a task suspended in input-required.
func (m *Manager) SubmitTaskInput(ctx context.Context, taskID string, input model.InputResponse) (*model.Task, error) {
	if err := requireTaskID(taskID); err != nil {
		return nil, err
	}
	return m.processor.SubmitInput(ctx, taskID, input)
}

// DiscoverAgents lists the registered agents.
func (m *Manager) DiscoverAgents() []model.AgentDescriptor {
	return m.registry.List()
}

// Watch subscribes to a task's snapshots. The stored state is delivered
// first; the subscription ends after a terminal snapshot.
func (m *Manager) Watch(ctx context.Context, taskID string) (*stream.Subscription, error) {
	if err := requireTaskID(taskID); err != nil {
		return nil, err
	}
	if _, err := m.store.Get(ctx, taskID); err != nil {
		return nil, err
	}
	sub := m.streamer.Subscribe(taskID)
	current, err := m.store.Get(ctx, taskID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	sub.Offer(current.Snapshot(m.cfg.HistoryTail))
	return sub, nil
}

func requireTaskID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: taskId is required", model.ErrInvalidParams)
	}
	return nil
}
