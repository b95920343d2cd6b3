// Package processor runs the per-task dispatch loop: it resolves the
// recipient of each pending message, delivers it through the bus, classifies
// the replies and persists the resulting transition.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/a2a_engine/internal/agent"
	"github.com/msageha/a2a_engine/internal/bus"
	"github.com/msageha/a2a_engine/internal/diag"
	"github.com/msageha/a2a_engine/internal/events"
	"github.com/msageha/a2a_engine/internal/logging"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/store"
	"github.com/msageha/a2a_engine/internal/stream"
)

// ReasonRestart is recorded on tasks failed by Recover.
const ReasonRestart = "interrupted by daemon restart"

type Config struct {
	AgentTimeout   time.Duration
	ResolveRetries int
	ResolveBackoff time.Duration
	MaxSteps       int
	HistoryTail    int
}

// ConfigFrom converts the config.yaml sections into processor settings.
func ConfigFrom(pc model.ProcessorConfig, sc model.StreamConfig) Config {
	return Config{
		AgentTimeout:   time.Duration(pc.AgentTimeoutSec) * time.Second,
		ResolveRetries: pc.ResolveRetries,
		ResolveBackoff: time.Duration(pc.ResolveBackoffMs) * time.Millisecond,
		MaxSteps:       pc.MaxSteps,
		HistoryTail:    sc.HistoryTail,
	}
}

func (c *Config) applyDefaults() {
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 120 * time.Second
	}
	if c.ResolveRetries <= 0 {
		c.ResolveRetries = 1
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 64
	}
	if c.HistoryTail <= 0 {
		c.HistoryTail = model.DefaultHistoryTail
	}
}

// Processor owns agent dispatch. At most one loop runs per task id; a loop
// started while another is finishing waits for it.
type Processor struct {
	store    store.Store
	registry *agent.Registry
	bus      *bus.Bus
	streamer *stream.Streamer
	eventBus *events.Bus
	diag     *diag.Recorder
	logger   *logging.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	loops    map[string]chan struct{}
	canceled map[string]bool
}

func New(st store.Store, registry *agent.Registry, b *bus.Bus, streamer *stream.Streamer, cfg Config, logger *logging.Logger) *Processor {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:    st,
		registry: registry,
		bus:      b,
		streamer: streamer,
		logger:   logger.With("processor"),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		loops:    make(map[string]chan struct{}),
		canceled: make(map[string]bool),
	}
}

// SetEventBus sets the event bus for lifecycle events.
func (p *Processor) SetEventBus(eb *events.Bus) {
	p.eventBus = eb
}

// SetDiagnostics sets the recorder that keeps per-task failure details.
func (p *Processor) SetDiagnostics(r *diag.Recorder) {
	p.diag = r
}

// Start launches the dispatch loop for a freshly stored task. seed must
// already be the task's first history entry.
func (p *Processor) Start(taskID string, seed model.Message) {
	p.spawn(taskID, []model.Message{seed})
}

// SubmitInput answers a suspended task: the response is addressed to the
// agent that asked for input, appended to history and dispatched ahead of
// the handoffs left pending at suspension.
func (p *Processor) SubmitInput(ctx context.Context, taskID string, input model.InputResponse) (*model.Task, error) {
	var queue []model.Message
	task, err := p.store.Update(ctx, taskID, func(t *model.Task) error {
		if t.State != model.TaskStateInputRequired {
			return fmt.Errorf("%w: task %s is %s, not %s", model.ErrInvalidState, t.ID, t.State, model.TaskStateInputRequired)
		}
		m, err := model.NewMessage(model.MessageTypeInputResponse, model.ParticipantClient, t.AwaitingAgent, t.ID, input)
		if err != nil {
			return err
		}
		if err := model.ValidateMessage(m); err != nil {
			return fmt.Errorf("%w: %w", model.ErrInvalidParams, err)
		}
		queue = append([]model.Message{m}, t.Pending...)
		t.Pending = nil
		t.AppendHistory(m)
		t.SetArtifact(model.ArtifactInput, m.Payload)
		return t.Transition(model.TaskStateWorking, "")
	})
	if err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return nil, fmt.Errorf("%w: task %s is terminal", model.ErrInvalidState, taskID)
		}
		return nil, err
	}

	p.announce(task, model.TaskStateInputRequired)
	p.spawn(taskID, queue)
	return task, nil
}

// Cancel raises the cancellation flag for a running loop. It reports
// whether a loop was running; a suspended task has none.
func (p *Processor) Cancel(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.loops[taskID]; !ok {
		return false
	}
	p.canceled[taskID] = true
	return true
}

func (p *Processor) isCanceled(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled[taskID]
}

// ActiveCount returns the number of running dispatch loops.
func (p *Processor) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

// Recover fails tasks that a previous process left submitted or working.
// Suspended tasks keep their pending handoffs in the store and stay
// input-required.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	stale, err := p.store.List(ctx, store.Filter{
		States: []model.TaskState{model.TaskStateSubmitted, model.TaskStateWorking},
	})
	if err != nil {
		return 0, fmt.Errorf("list interrupted tasks: %w", err)
	}

	recovered := 0
	for _, t := range stale {
		prev := t.State
		updated, err := p.store.Update(ctx, t.ID, func(tk *model.Task) error {
			return tk.Fail(model.KindInternal, ReasonRestart)
		})
		if err != nil {
			p.logger.Warnf("recover task=%s: %v", t.ID, err)
			continue
		}
		p.announce(updated, prev)
		recovered++
	}
	if recovered > 0 {
		p.logger.Infof("recovered %d interrupted task(s)", recovered)
	}
	return recovered, nil
}

// Shutdown stops all loops and waits for them until ctx expires. Tasks
// still running are left for Recover on the next start.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processor shutdown: %w", ctx.Err())
	}
}

func (p *Processor) spawn(taskID string, queue []model.Message) {
	p.mu.Lock()
	prev := p.loops[taskID]
	done := make(chan struct{})
	p.loops[taskID] = done
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			if p.loops[taskID] == done {
				delete(p.loops, taskID)
				delete(p.canceled, taskID)
			}
			p.mu.Unlock()
			close(done)
		}()
		if prev != nil {
			<-prev
		}
		p.run(taskID, queue)
	}()
}

// Announce pushes a persisted change made outside the loop, such as a
// cancellation, to subscribers and the event bus.
func (p *Processor) Announce(t *model.Task, prev model.TaskState) {
	p.announce(t, prev)
}

// announce pushes the persisted task to stream subscribers and the event bus.
func (p *Processor) announce(t *model.Task, prev model.TaskState) {
	if p.streamer != nil {
		p.streamer.Notify(t.ID, t.Snapshot(p.cfg.HistoryTail))
	}
	if p.eventBus != nil && t.State != prev {
		p.eventBus.Publish(events.EventTaskStateChanged, map[string]any{
			"task_id":    t.ID,
			"state":      string(t.State),
			"previous":   string(prev),
			"reason":     t.Reason,
			"error_kind": string(t.ErrorKind),
		})
	}
}
