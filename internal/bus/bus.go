// Package bus routes messages from senders to registered agents. Each
// recipient has a mailbox drained in publish order, one handler call at a
// time; messages for unknown recipients go to the dead-letter sink.
package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/a2a_engine/internal/agent"
	"github.com/msageha/a2a_engine/internal/events"
	"github.com/msageha/a2a_engine/internal/logging"
	"github.com/msageha/a2a_engine/internal/model"
)

var ErrClosed = errors.New("bus closed")

// Bus delivers messages to agents resolved through the shared registry.
type Bus struct {
	registry    *agent.Registry
	deadLetters *DeadLetterSink
	eventBus    *events.Bus
	logger      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// handlers bounds handler calls in flight across all recipients.
	// nil means one per recipient with no global cap.
	handlers *semaphore.Weighted

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    bool

	mailboxWG sync.WaitGroup
}

func New(registry *agent.Registry, deadLetters *DeadLetterSink, logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Discard()
	}
	if deadLetters == nil {
		deadLetters = NewDeadLetterSink(256, "", logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		registry:    registry,
		deadLetters: deadLetters,
		logger:      logger.With("bus"),
		ctx:         ctx,
		cancel:      cancel,
		mailboxes:   make(map[string]*mailbox),
	}
}

// SetEventBus wires delivery and dead-letter notifications.
// Must be called before the first Publish.
func (b *Bus) SetEventBus(eb *events.Bus) {
	b.eventBus = eb
}

// SetMaxHandlers caps the number of handler calls running at once across
// all recipients. n <= 0 removes the cap. Must be called before the first
// Publish.
func (b *Bus) SetMaxHandlers(n int) {
	if n <= 0 {
		b.handlers = nil
		return
	}
	b.handlers = semaphore.NewWeighted(int64(n))
}

func (b *Bus) DeadLetters() *DeadLetterSink {
	return b.deadLetters
}

// Publish validates msg and queues it for its recipient. A message that
// fails validation, names an unregistered recipient, or has a type the
// recipient does not accept is dead-lettered and an error is returned.
func (b *Bus) Publish(msg model.Message) (*Delivery, error) {
	if err := model.ValidateMessage(msg); err != nil {
		b.DeadLetter(msg, model.KindInvalidMessage, err.Error())
		return nil, err
	}

	entry, ok := b.registry.Lookup(msg.Recipient)
	if !ok {
		b.DeadLetter(msg, model.KindAgentNotFound, "recipient not registered")
		return nil, fmt.Errorf("%w: %s", model.ErrAgentNotFound, msg.Recipient)
	}
	if !entry.Descriptor().Accepts(msg.Type) {
		detail := fmt.Sprintf("%s does not accept %s", msg.Recipient, msg.Type)
		b.DeadLetter(msg, model.KindInvalidMessage, detail)
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidMessage, detail)
	}

	d := newDelivery(b.ctx, msg)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	mb, ok := b.mailboxes[msg.Recipient]
	if !ok {
		mb = newMailbox(msg.Recipient)
		b.mailboxes[msg.Recipient] = mb
		b.mailboxWG.Add(1)
		go b.drain(mb)
	}
	mb.push(d)
	b.mu.Unlock()

	return d, nil
}

// Subscribe replaces the delivery handler for a registered agent. The
// returned function restores the agent's own Handle.
func (b *Bus) Subscribe(name string, h agent.HandlerFunc) (func(), error) {
	if !b.registry.SetHandler(name, h) {
		return nil, fmt.Errorf("%w: %s", model.ErrAgentNotFound, name)
	}
	var once sync.Once
	return func() {
		once.Do(func() { b.registry.SetHandler(name, nil) })
	}, nil
}

// Pending reports queued but not yet dispatched deliveries per recipient.
func (b *Bus) Pending() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.mailboxes))
	for name, mb := range b.mailboxes {
		out[name] = mb.len()
	}
	return out
}

// Close stops accepting messages, fails queued deliveries with ErrClosed,
// cancels the context passed to handlers and waits for the running ones
// until ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, mb := range b.mailboxes {
		mb.close()
	}
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.mailboxWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus close: %w", ctx.Err())
	}
}

// drain hands deliveries to the recipient in FIFO order and waits for each
// handler to return before popping the next, so a handler never sees two
// messages at once. Other recipients drain on their own goroutines.
func (b *Bus) drain(mb *mailbox) {
	defer b.mailboxWG.Done()
	for {
		d, ok := mb.pop()
		if !ok {
			return
		}
		if mb.isClosed() {
			d.complete(nil, ErrClosed)
			d.release()
			continue
		}
		b.dispatch(d)
	}
}

func (b *Bus) dispatch(d *Delivery) {
	defer d.release()
	msg := d.Message
	if d.ctx.Err() != nil {
		// the publisher stopped waiting before the handler got a turn
		b.logger.Debugf("skip abandoned message=%s recipient=%s", msg.ID, msg.Recipient)
		d.complete(nil, fmt.Errorf("%w: %s: delivery abandoned", model.ErrTimeout, msg.Recipient))
		return
	}

	entry, ok := b.registry.Lookup(msg.Recipient)
	if !ok {
		b.DeadLetter(msg, model.KindAgentNotFound, "recipient unregistered before delivery")
		d.complete(nil, fmt.Errorf("%w: %s", model.ErrAgentNotFound, msg.Recipient))
		return
	}

	if b.handlers != nil {
		if err := b.handlers.Acquire(d.ctx, 1); err != nil {
			if b.ctx.Err() != nil {
				err = ErrClosed
			}
			d.complete(nil, err)
			return
		}
		defer b.handlers.Release(1)
	}

	b.logger.Debugf("deliver message=%s type=%s sender=%s recipient=%s task=%s",
		msg.ID, msg.Type, msg.Sender, msg.Recipient, msg.TaskID)
	b.publishEvent(events.EventMessageDelivered, msg, nil)

	replies, err := b.invoke(d.ctx, entry.HandlerFunc(), msg)
	d.complete(replies, err)
}

func (b *Bus) invoke(ctx context.Context, h agent.HandlerFunc, msg model.Message) (replies []model.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("panic in agent=%s message=%s: %v\n%s", msg.Recipient, msg.ID, r, debug.Stack())
			replies = nil
			err = fmt.Errorf("%w: %s panicked: %v", model.ErrAgentExecution, msg.Recipient, r)
		}
	}()
	replies, err = h(ctx, msg)
	if err != nil && !errors.Is(err, model.ErrAgentExecution) {
		err = fmt.Errorf("%w: %s: %w", model.ErrAgentExecution, msg.Recipient, err)
	}
	return replies, err
}

// DeadLetter records msg in the sink and announces it on the event bus.
func (b *Bus) DeadLetter(msg model.Message, reason model.ErrorKind, detail string) DeadLetter {
	dl := b.deadLetters.Record(msg, reason, detail)
	b.publishEvent(events.EventDeadLetter, msg, map[string]any{
		"reason":         string(dl.Reason),
		"dead_letter_id": dl.ID,
		"detail":         detail,
	})
	return dl
}

func (b *Bus) publishEvent(t events.EventType, msg model.Message, extra map[string]any) {
	if b.eventBus == nil {
		return
	}
	data := map[string]any{
		"message_id":   msg.ID,
		"message_type": string(msg.Type),
		"agent":        msg.Recipient,
		"sender":       msg.Sender,
		"task_id":      msg.TaskID,
	}
	for k, v := range extra {
		data[k] = v
	}
	b.eventBus.Publish(t, data)
}
