package diag

import (
	"fmt"
	"time"

	"github.com/msageha/a2a_engine/internal/logging"
)

// Entry is one diagnostic record.
type Entry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	TaskID    string    `json:"taskId,omitempty"`
	Message   string    `json:"message"`
}

// Recorder keeps the most recent diagnostics in memory and mirrors them to
// the daemon log.
type Recorder struct {
	ring   *Ring[Entry]
	logger *logging.Logger
}

func NewRecorder(capacity int, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{ring: NewRing[Entry](capacity), logger: logger}
}

// Record stores a diagnostic for component. taskID may be empty.
func (r *Recorder) Record(level logging.Level, component, taskID, format string, args ...any) {
	if r == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.ring.Push(Entry{
		Time:      time.Now().UTC(),
		Level:     level.String(),
		Component: component,
		TaskID:    taskID,
		Message:   msg,
	})
	if taskID != "" {
		r.logger.With(component).Logf(level, "task=%s %s", taskID, msg)
		return
	}
	r.logger.With(component).Logf(level, "%s", msg)
}

// Recent returns up to n of the newest entries (all when n <= 0).
func (r *Recorder) Recent(n int) []Entry {
	return r.ring.Last(n)
}

// ForTask filters retained entries by task id.
func (r *Recorder) ForTask(taskID string) []Entry {
	var out []Entry
	for _, e := range r.ring.Items() {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Total() uint64 {
	return r.ring.Total()
}
