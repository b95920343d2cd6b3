package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/a2a_engine/internal/events"
)

func TestMetrics_AttachCountsEvents(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()

	m := New()
	unsub := m.Attach(bus)
	defer unsub()

	bus.Publish(events.EventTaskCreated, map[string]any{"task_id": "task_1"})
	bus.Publish(events.EventTaskStateChanged, map[string]any{"task_id": "task_1", "state": "working"})
	bus.Publish(events.EventTaskStateChanged, map[string]any{"task_id": "task_1", "state": "completed"})
	bus.Publish(events.EventDeadLetter, map[string]any{"agent": "Ghost"})
	bus.Publish(events.EventAgentRegistered, map[string]any{"agent": "Planner"})

	require.Eventually(t, func() bool {
		return m.TasksCreated.Load() == 1 &&
			m.Transitions("completed") == 1 &&
			m.DeadLetters.Load() == 1 &&
			m.AgentsRegistered.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordRPC(false)
	m.RecordRPC(true)
	m.RecordTransition("failed")
	m.ActiveTasks = func() int { return 3 }

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, body, "a2a_rpc_requests_total 2")
	assert.Contains(t, body, "a2a_rpc_errors_total 1")
	assert.Contains(t, body, `a2a_task_transitions_total{state="failed"} 1`)
	assert.Contains(t, body, "a2a_tasks_active 3")
}
