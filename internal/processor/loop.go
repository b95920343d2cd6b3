package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/msageha/a2a_engine/internal/bus"
	"github.com/msageha/a2a_engine/internal/logging"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/store"
)

// outcome is the decision taken after classifying one batch of replies.
type outcome int

const (
	outcomeContinue outcome = iota
	outcomeSuspend
	outcomeComplete
	outcomeFail
)

// errStop ends the loop without another transition.
var errStop = errors.New("stop dispatch")

// errStepLimit is returned by beginStep once the task used up MaxSteps.
var errStepLimit = errors.New("step limit reached")

// run drains queue in order. Handoffs produced by each step are appended;
// a suspension persists whatever is still queued on the task.
func (p *Processor) run(taskID string, queue []model.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("panic in dispatch loop task=%s: %v\n%s", taskID, r, debug.Stack())
			p.fail(taskID, model.KindInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	for {
		if p.stopped(taskID) {
			return
		}
		if len(queue) == 0 {
			p.fail(taskID, model.KindInternal, "no follow-up message")
			return
		}

		msg := queue[0]
		queue = queue[1:]

		replies, err := p.dispatch(taskID, msg)
		if errors.Is(err, errStop) {
			return
		}
		if errors.Is(err, errStepLimit) {
			p.fail(taskID, model.KindInternal, fmt.Sprintf("exceeded %d dispatch steps", p.cfg.MaxSteps))
			return
		}
		if err != nil {
			p.fail(taskID, model.Kind(err), err.Error())
			return
		}
		if p.stopped(taskID) {
			p.logger.Debugf("task=%s canceled while %s was running; result discarded", taskID, msg.Recipient)
			return
		}

		next, result, err := p.classify(taskID, replies, queue)
		if errors.Is(err, errStop) {
			return
		}
		if err != nil {
			p.fail(taskID, model.Kind(err), err.Error())
			return
		}
		switch result {
		case outcomeSuspend, outcomeComplete, outcomeFail:
			return
		}
		queue = append(queue, next...)
	}
}

func (p *Processor) stopped(taskID string) bool {
	return p.ctx.Err() != nil || p.isCanceled(taskID)
}

// dispatch delivers msg and waits for the recipient's replies.
func (p *Processor) dispatch(taskID string, msg model.Message) ([]model.Message, error) {
	if !p.resolve(msg.Recipient) {
		p.bus.DeadLetter(msg, model.KindAgentNotFound, fmt.Sprintf("unresolved after %d attempt(s)", p.cfg.ResolveRetries))
		p.record(logging.LevelWarn, taskID, "agent not found: %s (message=%s)", msg.Recipient, msg.ID)
		return nil, fmt.Errorf("%w: %s", model.ErrAgentNotFound, msg.Recipient)
	}

	if err := p.beginStep(taskID); err != nil {
		return nil, err
	}

	d, err := p.bus.Publish(msg)
	if err != nil {
		if errors.Is(err, bus.ErrClosed) {
			return nil, errStop
		}
		p.record(logging.LevelWarn, taskID, "publish %s to %s: %v", msg.ID, msg.Recipient, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.AgentTimeout)
	defer cancel()
	replies, err := d.Wait(ctx)
	switch {
	case err == nil:
		return replies, nil
	case errors.Is(err, bus.ErrClosed), errors.Is(err, context.Canceled):
		return nil, errStop
	case errors.Is(err, model.ErrTimeout):
		p.record(logging.LevelWarn, taskID, "%s did not reply to %s within %s", msg.Recipient, msg.ID, p.cfg.AgentTimeout)
		return nil, fmt.Errorf("%w: %s did not reply within %s", model.ErrTimeout, msg.Recipient, p.cfg.AgentTimeout)
	default:
		p.record(logging.LevelError, taskID, "agent %s failed on message %s: %v", msg.Recipient, msg.ID, err)
		return nil, err
	}
}

// resolve looks the recipient up, retrying with backoff to tolerate
// registration races.
func (p *Processor) resolve(name string) bool {
	for attempt := 0; attempt < p.cfg.ResolveRetries; attempt++ {
		if _, ok := p.registry.Resolve(name); ok {
			return true
		}
		if attempt == p.cfg.ResolveRetries-1 {
			break
		}
		select {
		case <-time.After(p.cfg.ResolveBackoff * time.Duration(attempt+1)):
		case <-p.ctx.Done():
			return false
		}
	}
	return false
}

// beginStep counts one dispatch against the task's persisted step budget
// and performs the submitted → working transition on the first one.
func (p *Processor) beginStep(taskID string) error {
	var prev model.TaskState
	task, err := p.store.Update(p.ctx, taskID, func(t *model.Task) error {
		prev = t.State
		if t.Steps >= p.cfg.MaxSteps {
			return errStepLimit
		}
		t.Steps++
		if t.State == model.TaskStateSubmitted {
			return t.Transition(model.TaskStateWorking, "")
		}
		return nil
	})
	switch {
	case errors.Is(err, errStepLimit):
		return err
	case err != nil:
		return p.persistError(taskID, err)
	}
	if task.State != prev {
		p.announce(task, prev)
	}
	return nil
}

// classify records the replies and decides how the loop continues. Replies
// after the first decisive one (error, input-required, completion) are
// ignored. On suspension the still queued messages and this batch's earlier
// handoffs are kept on the task as Pending.
func (p *Processor) classify(taskID string, replies []model.Message, queued []model.Message) ([]model.Message, outcome, error) {
	var (
		next   []model.Message
		result = outcomeContinue
		prev   model.TaskState
	)
	task, err := p.store.Update(p.ctx, taskID, func(t *model.Task) error {
		prev = t.State
		next = nil
		result = outcomeContinue
		for _, r := range replies {
			if r.TaskID == "" {
				r = r.WithTaskID(t.ID)
			}
			if r.TaskID != t.ID {
				return fmt.Errorf("%w: reply %s from %s belongs to task %q", model.ErrInternal, r.ID, r.Sender, r.TaskID)
			}
			if err := model.ValidateMessage(r); err != nil {
				return err
			}
			t.AppendHistory(r)
			if name := r.Type.ArtifactName(); name != "" {
				t.SetArtifact(name, r.Payload)
			}

			switch {
			case r.Type == model.MessageTypeError:
				var ep model.ErrorPayload
				_ = r.DecodePayload(&ep)
				result = outcomeFail
				return t.Fail(model.KindAgentExecution, fmt.Sprintf("%s: %s", r.Sender, ep.Error))
			case r.Type == model.MessageTypeInputRequired:
				result = outcomeSuspend
				if err := t.Transition(model.TaskStateInputRequired, ""); err != nil {
					return err
				}
				t.AwaitingAgent = r.Sender
				t.Pending = append(append([]model.Message(nil), queued...), next...)
				return nil
			case r.Type == model.MessageTypeTaskComplete || model.IsReservedParticipant(r.Recipient):
				result = outcomeComplete
				return t.Transition(model.TaskStateCompleted, "")
			default:
				next = append(next, r)
			}
		}
		if len(next) == 0 && len(queued) == 0 {
			result = outcomeFail
			return t.Fail(model.KindInternal, "no follow-up message")
		}
		t.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, outcomeFail, p.persistError(taskID, err)
	}

	p.announce(task, prev)
	switch result {
	case outcomeSuspend:
		p.logger.Infof("task=%s suspended awaiting input from %s pending=%d", taskID, task.AwaitingAgent, len(task.Pending))
	case outcomeComplete:
		p.logger.Infof("task=%s completed", taskID)
	case outcomeFail:
		p.record(logging.LevelWarn, taskID, "task failed: %s", task.Reason)
	}
	return next, result, nil
}

// persistError maps a store failure to the loop's next step. A terminal
// task (canceled concurrently) stops the loop quietly.
func (p *Processor) persistError(taskID string, err error) error {
	if errors.Is(err, store.ErrTerminal) || errors.Is(err, context.Canceled) {
		return errStop
	}
	if errors.Is(err, model.ErrInvalidMessage) || errors.Is(err, model.ErrInternal) {
		return err
	}
	p.logger.Errorf("persist task=%s: %v", taskID, err)
	return fmt.Errorf("%w: %v", model.ErrInternal, err)
}

// fail moves the task to failed. Store errors are logged; a task that
// already reached a terminal state is left alone.
func (p *Processor) fail(taskID string, kind model.ErrorKind, reason string) {
	if kind == model.KindNone {
		kind = model.KindInternal
	}
	var prev model.TaskState
	task, err := p.store.Update(context.Background(), taskID, func(t *model.Task) error {
		prev = t.State
		return t.Fail(kind, reason)
	})
	if err != nil {
		if !errors.Is(err, store.ErrTerminal) {
			p.logger.Errorf("fail task=%s (%s: %s): %v", taskID, kind, reason, err)
		}
		return
	}
	p.record(logging.LevelWarn, taskID, "task failed kind=%s reason=%s", kind, reason)
	p.announce(task, prev)
}

func (p *Processor) record(level logging.Level, taskID, format string, args ...any) {
	if p.diag != nil {
		p.diag.Record(level, "processor", taskID, format, args...)
		return
	}
	p.logger.Logf(level, "task="+taskID+" "+format, args...)
}
