package logging

import (
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogger_FiltersByLevel(t *testing.T) {
	l, buf := NewBuffer(LevelWarn)
	proc := l.With("processor")

	proc.Infof("dispatch task=%s", "task_1")
	proc.Warnf("resolve retry task=%s attempt=%d", "task_1", 2)

	out := buf.String()
	if strings.Contains(out, "dispatch") {
		t.Errorf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "WARN processor: resolve retry task=task_1 attempt=2") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestLogger_SetLevelShared(t *testing.T) {
	root, buf := NewBuffer(LevelError)
	child := root.With("bus")

	root.SetLevel(LevelDebug)
	child.Debugf("mailbox started recipient=%s", "Planner")

	if !strings.Contains(buf.String(), "DEBUG bus: mailbox started recipient=Planner") {
		t.Errorf("child logger did not observe level change: %q", buf.String())
	}
}
