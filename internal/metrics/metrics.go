// Package metrics keeps engine counters and renders them in the Prometheus
// text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/a2a_engine/internal/events"
)

type Metrics struct {
	TasksCreated      atomic.Int64
	MessagesDelivered atomic.Int64
	DeadLetters       atomic.Int64
	RPCRequests       atomic.Int64
	RPCErrors         atomic.Int64
	AgentsRegistered  atomic.Int64

	mu          sync.Mutex
	transitions map[string]int64 // by target state

	// ActiveTasks is sampled at scrape time when set.
	ActiveTasks func() int

	startTime time.Time
}

func New() *Metrics {
	return &Metrics{
		transitions: make(map[string]int64),
		startTime:   time.Now(),
	}
}

func (m *Metrics) RecordTransition(state string) {
	m.mu.Lock()
	m.transitions[state]++
	m.mu.Unlock()
}

func (m *Metrics) Transitions(state string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions[state]
}

func (m *Metrics) RecordRPC(failed bool) {
	m.RPCRequests.Add(1)
	if failed {
		m.RPCErrors.Add(1)
	}
}

// Attach derives counters from lifecycle events and returns the
// unsubscribe function.
func (m *Metrics) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.EventAny, func(e events.Event) {
		switch e.Type {
		case events.EventTaskCreated:
			m.TasksCreated.Add(1)
		case events.EventTaskStateChanged:
			m.RecordTransition(e.String("state"))
		case events.EventMessageDelivered:
			m.MessagesDelivered.Add(1)
		case events.EventDeadLetter:
			m.DeadLetters.Add(1)
		case events.EventAgentRegistered:
			m.AgentsRegistered.Add(1)
		case events.EventAgentUnregistered:
			m.AgentsRegistered.Add(-1)
		}
	})
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.WriteTo(w)
	}
}

func (m *Metrics) WriteTo(w io.Writer) {
	gauge(w, "a2a_uptime_seconds", "Time since the daemon started", fmt.Sprintf("%.2f", time.Since(m.startTime).Seconds()))
	counter(w, "a2a_tasks_created_total", "Tasks accepted by tasks/create", m.TasksCreated.Load())
	counter(w, "a2a_messages_delivered_total", "Messages handed to agents", m.MessagesDelivered.Load())
	counter(w, "a2a_dead_letters_total", "Messages that could not be delivered", m.DeadLetters.Load())
	counter(w, "a2a_rpc_requests_total", "JSON-RPC requests handled", m.RPCRequests.Load())
	counter(w, "a2a_rpc_errors_total", "JSON-RPC requests answered with an error", m.RPCErrors.Load())
	gauge(w, "a2a_agents_registered", "Agents currently registered", fmt.Sprint(m.AgentsRegistered.Load()))
	if m.ActiveTasks != nil {
		gauge(w, "a2a_tasks_active", "Tasks with a running dispatch loop", fmt.Sprint(m.ActiveTasks()))
	}

	m.mu.Lock()
	states := make([]string, 0, len(m.transitions))
	for s := range m.transitions {
		states = append(states, s)
	}
	slices.Sort(states)
	fmt.Fprintf(w, "# HELP a2a_task_transitions_total Task state transitions by target state\n")
	fmt.Fprintf(w, "# TYPE a2a_task_transitions_total counter\n")
	for _, s := range states {
		fmt.Fprintf(w, "a2a_task_transitions_total{state=%q} %d\n", s, m.transitions[s])
	}
	m.mu.Unlock()
}

func counter(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, v)
}

func gauge(w io.Writer, name, help, v string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %s\n\n", name, help, name, name, v)
}
