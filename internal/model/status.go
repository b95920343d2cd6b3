package model

import "fmt"

type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

var terminalTaskStates = map[TaskState]bool{
	TaskStateCompleted: true,
	TaskStateFailed:    true,
	TaskStateCanceled:  true,
}

// submitted → working → (input-required ↔ working) → completed|failed|canceled
// working → working is a handoff between agents within the same task.
var validTaskTransitions = map[TaskState]map[TaskState]bool{
	TaskStateSubmitted: {
		TaskStateWorking:  true,
		TaskStateFailed:   true,
		TaskStateCanceled: true,
	},
	TaskStateWorking: {
		TaskStateWorking:       true,
		TaskStateInputRequired: true,
		TaskStateCompleted:     true,
		TaskStateFailed:        true,
		TaskStateCanceled:      true,
	},
	TaskStateInputRequired: {
		TaskStateWorking:  true,
		TaskStateFailed:   true,
		TaskStateCanceled: true,
	},
}

func IsTerminal(s TaskState) bool {
	return terminalTaskStates[s]
}

func IsValidTaskState(s TaskState) bool {
	if terminalTaskStates[s] {
		return true
	}
	_, ok := validTaskTransitions[s]
	return ok
}

func ValidateTaskTransition(from, to TaskState) error {
	if IsTerminal(from) {
		return fmt.Errorf("%w: cannot transition from terminal state %q", ErrInvalidState, from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidState, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: invalid task transition: %q → %q", ErrInvalidState, from, to)
	}
	return nil
}
