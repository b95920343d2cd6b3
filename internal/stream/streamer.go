// Package stream fans task snapshots out to observers. Notify never blocks:
// each subscription holds at most one undelivered snapshot and a newer one
// replaces it.
package stream

import (
	"sync"
	"sync/atomic"

	"github.com/msageha/a2a_engine/internal/model"
)

type Streamer struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool

	coalesced atomic.Uint64
}

func New() *Streamer {
	return &Streamer{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscription receives snapshots for one task. The channel is closed after
// a terminal snapshot, on Close, or when the streamer shuts down.
type Subscription struct {
	TaskID string

	s    *Streamer
	ch   chan model.TaskSnapshot
	mu   sync.Mutex
	last model.TaskSnapshot
	seen bool
	done bool
}

func (sub *Subscription) C() <-chan model.TaskSnapshot {
	return sub.ch
}

// Close detaches the subscription. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.s.remove(sub)
	sub.finish()
}

// Offer delivers snap to this subscription only. Used to seed a new
// subscriber with the stored state.
func (sub *Subscription) Offer(snap model.TaskSnapshot) {
	if sub.offer(snap) {
		sub.s.remove(sub)
	}
}

// offer reports whether the subscription finished.
func (sub *Subscription) offer(snap model.TaskSnapshot) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.done {
		return true
	}
	if sub.seen && snap.UpdatedAt.Before(sub.last.UpdatedAt) {
		return false
	}
	if sub.seen && sub.last.IsTerminal() {
		return false
	}
	sub.last = snap
	sub.seen = true

	select {
	case <-sub.ch:
		sub.s.coalesced.Add(1)
	default:
	}
	sub.ch <- snap

	if snap.IsTerminal() {
		sub.done = true
		close(sub.ch)
		return true
	}
	return false
}

func (sub *Subscription) finish() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.done {
		sub.done = true
		close(sub.ch)
	}
}

// Subscribe registers an observer for taskID. After Close the returned
// subscription is already finished.
func (s *Streamer) Subscribe(taskID string) *Subscription {
	sub := &Subscription{TaskID: taskID, s: s, ch: make(chan model.TaskSnapshot, 1)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.done = true
		close(sub.ch)
		return sub
	}
	set, ok := s.subs[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		s.subs[taskID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Notify pushes snap to every subscriber of taskID.
func (s *Streamer) Notify(taskID string, snap model.TaskSnapshot) {
	s.mu.Lock()
	set := s.subs[taskID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		if sub.offer(snap) {
			s.remove(sub)
		}
	}
}

// Subscribers returns the number of live subscriptions for taskID.
func (s *Streamer) Subscribers(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[taskID])
}

// Coalesced counts snapshots replaced before the subscriber read them.
func (s *Streamer) Coalesced() uint64 {
	return s.coalesced.Load()
}

func (s *Streamer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	all := s.subs
	s.subs = make(map[string]map[*Subscription]struct{})
	s.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.finish()
		}
	}
}

func (s *Streamer) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[sub.TaskID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(s.subs, sub.TaskID)
	}
}
