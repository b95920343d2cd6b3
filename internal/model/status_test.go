package model

import (
	"errors"
	"testing"
)

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStateSubmitted, false},
		{TaskStateWorking, false},
		{TaskStateInputRequired, false},
		{TaskStateCompleted, true},
		{TaskStateFailed, true},
		{TaskStateCanceled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminal(tt.state); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.state, got, tt.terminal)
			}
		})
	}
}

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		from, to TaskState
		wantErr  bool
	}{
		{TaskStateSubmitted, TaskStateWorking, false},
		{TaskStateSubmitted, TaskStateFailed, false},
		{TaskStateSubmitted, TaskStateCanceled, false},
		{TaskStateSubmitted, TaskStateCompleted, true},
		{TaskStateSubmitted, TaskStateInputRequired, true},
		{TaskStateWorking, TaskStateWorking, false},
		{TaskStateWorking, TaskStateInputRequired, false},
		{TaskStateWorking, TaskStateCompleted, false},
		{TaskStateWorking, TaskStateFailed, false},
		{TaskStateWorking, TaskStateCanceled, false},
		{TaskStateWorking, TaskStateSubmitted, true},
		{TaskStateInputRequired, TaskStateWorking, false},
		{TaskStateInputRequired, TaskStateCanceled, false},
		{TaskStateInputRequired, TaskStateCompleted, true},
		{TaskStateCompleted, TaskStateWorking, true},
		{TaskStateFailed, TaskStateWorking, true},
		{TaskStateCanceled, TaskStateCanceled, true},
		{"bogus", TaskStateWorking, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTaskTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateTaskTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidState) {
				t.Errorf("expected ErrInvalidState, got %v", err)
			}
		})
	}
}

func TestIsValidTaskState(t *testing.T) {
	for _, s := range []TaskState{TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired, TaskStateCompleted, TaskStateFailed, TaskStateCanceled} {
		if !IsValidTaskState(s) {
			t.Errorf("IsValidTaskState(%q) = false", s)
		}
	}
	if IsValidTaskState("pending") {
		t.Error("IsValidTaskState(pending) = true")
	}
}
