package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/msageha/a2a_engine/internal/model"
)

// Delivery tracks one published message until its handler returns.
type Delivery struct {
	Message model.Message

	// ctx is handed to the handler. It ends when the bus closes or the
	// publisher gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	done    chan struct{}
	once    sync.Once
	replies []model.Message
	err     error
}

func newDelivery(parent context.Context, msg model.Message) *Delivery {
	ctx, cancel := context.WithCancel(parent)
	return &Delivery{Message: msg, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (d *Delivery) release() {
	d.cancel()
}

func (d *Delivery) complete(replies []model.Message, err error) {
	d.once.Do(func() {
		d.replies = replies
		d.err = err
		close(d.done)
	})
}

// Done is closed once the handler has returned.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the handler returns or ctx ends. A context deadline is
// reported as model.ErrTimeout. Giving up cancels the handler's context so
// the recipient's mailbox can move on; a delivery still queued is skipped.
func (d *Delivery) Wait(ctx context.Context) ([]model.Message, error) {
	select {
	case <-d.done:
		return d.replies, d.err
	case <-ctx.Done():
		d.cancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s did not reply", model.ErrTimeout, d.Message.Recipient)
		}
		return nil, ctx.Err()
	}
}

// mailbox is an unbounded FIFO for one recipient. Publishers never block.
type mailbox struct {
	name   string
	mu     sync.Mutex
	queue  []*Delivery
	signal chan struct{}
	closed bool
}

func newMailbox(name string) *mailbox {
	return &mailbox{name: name, signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(d *Delivery) {
	m.mu.Lock()
	m.queue = append(m.queue, d)
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a delivery is queued. It returns false once the mailbox
// is closed and empty.
func (m *mailbox) pop() (*Delivery, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			d := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return d, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, false
		}
		<-m.signal
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
