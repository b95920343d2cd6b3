package agent

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/msageha/a2a_engine/internal/model"
)

var ErrInvalidAgent = errors.New("invalid agent")

// Entry is the registry's view of one agent name. Entries are immutable;
// changes publish a new entry.
type Entry struct {
	Agent   Agent
	Handler HandlerFunc // nil means Agent.Handle
}

func (e Entry) Descriptor() model.AgentDescriptor {
	return e.Agent.Descriptor()
}

// HandlerFunc returns the subscribed handler, falling back to the agent.
func (e Entry) HandlerFunc() HandlerFunc {
	if e.Handler != nil {
		return e.Handler
	}
	return e.Agent.Handle
}

type entries map[string]Entry

// Registry maps agent names to instances. Reads load an immutable snapshot
// and never block; writers copy the map under mu and swap it in.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[entries]
	onChange []func(name string, present bool)
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := entries{}
	r.snapshot.Store(&empty)
	return r
}

// OnChange registers fn to be called after every Register or Unregister.
// Must be called before the registry is shared.
func (r *Registry) OnChange(fn func(name string, present bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Register inserts or replaces the agent under its descriptor name. The
// last registration for a name wins and any subscribed handler is dropped.
func (r *Registry) Register(a Agent) error {
	if a == nil {
		return fmt.Errorf("%w: nil agent", ErrInvalidAgent)
	}
	desc := a.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAgent)
	}
	if model.IsReservedParticipant(desc.Name) {
		return fmt.Errorf("%w: %q is a reserved participant", ErrInvalidAgent, desc.Name)
	}

	e := Entry{Agent: a}
	r.update(func(m entries) { m[desc.Name] = e })
	r.notify(desc.Name, true)
	return nil
}

// Unregister removes name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	var existed bool
	r.update(func(m entries) {
		_, existed = m[name]
		delete(m, name)
	})
	if existed {
		r.notify(name, false)
	}
	return existed
}

// Resolve returns the agent registered under name. Absence is a normal
// outcome, not an error.
func (r *Registry) Resolve(name string) (Agent, bool) {
	e, ok := (*r.snapshot.Load())[name]
	if !ok {
		return nil, false
	}
	return e.Agent, true
}

// Lookup returns the full entry for name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := (*r.snapshot.Load())[name]
	return e, ok
}

// SetHandler replaces the delivery handler for a registered name. A nil
// handler restores Agent.Handle. Returns false if name is not registered.
func (r *Registry) SetHandler(name string, h HandlerFunc) bool {
	var ok bool
	r.update(func(m entries) {
		var e Entry
		e, ok = m[name]
		if !ok {
			return
		}
		e.Handler = h
		m[name] = e
	})
	return ok
}

// List returns the descriptors of all registered agents sorted by name.
func (r *Registry) List() []model.AgentDescriptor {
	snap := *r.snapshot.Load()
	out := make([]model.AgentDescriptor, 0, len(snap))
	for _, name := range slices.Sorted(maps.Keys(snap)) {
		out = append(out, snap[name].Descriptor())
	}
	return out
}

func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

func (r *Registry) update(fn func(entries)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := maps.Clone(*r.snapshot.Load())
	if next == nil {
		next = entries{}
	}
	fn(next)
	r.snapshot.Store(&next)
}

func (r *Registry) notify(name string, present bool) {
	r.mu.Lock()
	hooks := slices.Clone(r.onChange)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(name, present)
	}
}
