// Package events carries task and agent lifecycle notifications to
// observers (audit log, metrics) without coupling them to the engine.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/a2a_engine/internal/model"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventTaskCreated is published after a task record is stored.
	EventTaskCreated EventType = "task_created"
	// EventTaskStateChanged is published after every persisted transition.
	EventTaskStateChanged EventType = "task_state_changed"
	// EventMessageDelivered is published when the bus hands a message to an agent.
	EventMessageDelivered EventType = "message_delivered"
	// EventDeadLetter is published when a message cannot be delivered.
	EventDeadLetter EventType = "dead_letter"
	// EventAgentRegistered and EventAgentUnregistered track registry changes.
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentUnregistered EventType = "agent_unregistered"

	// EventAny subscribes to every event type.
	EventAny EventType = "*"
)

// Event represents a system event.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// String returns Data[key] as a string, or "".
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus delivers events asynchronously through one buffered channel per
// subscriber. A full channel drops the event for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool

	dropped atomic.Uint64
	panics  atomic.Uint64
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType (or EventAny) and returns an
// unsubscribe function. fn runs on a dedicated goroutine; panics are
// recovered and counted.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			b.deliver(fn, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[eventType]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
		}
	}()
	fn(event)
}

// Publish sends an event to subscribers of its type and to EventAny
// subscribers. It never blocks.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		ID:        model.NewEventID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, key := range []EventType{eventType, EventAny} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped reports how many events were discarded because a subscriber was
// not keeping up.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Panics reports how many subscriber invocations panicked.
func (b *Bus) Panics() uint64 {
	return b.panics.Load()
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
