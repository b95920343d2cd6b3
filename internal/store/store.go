// Package store persists task records. Writers for the same task id are
// serialized; a task in a terminal state is never modified again.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/msageha/a2a_engine/internal/model"
)

var (
	// ErrTerminal is returned by Update when the task already reached a
	// terminal state.
	ErrTerminal = fmt.Errorf("%w: task is in a terminal state", model.ErrInvalidState)
	// ErrDuplicate is returned by Create when the (project, idempotency
	// key) pair is already taken.
	ErrDuplicate = errors.New("duplicate idempotency key")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ProjectID string
	States    []model.TaskState
	Limit     int
}

func (f Filter) matches(t *model.Task) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}

// UpdateFunc mutates a private copy of the task. Returning an error
// discards the mutation.
type UpdateFunc func(t *model.Task) error

type Store interface {
	// Create stores a new task. On an idempotency key collision it returns
	// the existing task together with ErrDuplicate.
	Create(ctx context.Context, t *model.Task) (*model.Task, error)
	// Get returns a copy of the task or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Task, error)
	FindByIdempotencyKey(ctx context.Context, projectID, key string) (*model.Task, error)
	// Update applies fn under the task's write lock and persists the
	// result. Terminal tasks are refused with ErrTerminal.
	Update(ctx context.Context, id string, fn UpdateFunc) (*model.Task, error)
	// List returns tasks ordered by creation time, oldest first.
	List(ctx context.Context, f Filter) ([]*model.Task, error)
	Close() error
}

// applyUpdate runs fn against a copy of current and checks the record
// invariants that every backend enforces.
func applyUpdate(current *model.Task, fn UpdateFunc) (*model.Task, error) {
	if current.IsTerminal() {
		return nil, fmt.Errorf("update %s: %w", current.ID, ErrTerminal)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := checkInvariants(current, next); err != nil {
		return nil, fmt.Errorf("update %s: %w", current.ID, err)
	}
	return next, nil
}

func checkInvariants(prev, next *model.Task) error {
	if next.ID != prev.ID || next.ProjectID != prev.ProjectID || next.IdempotencyKey != prev.IdempotencyKey {
		return fmt.Errorf("%w: identity fields are immutable", model.ErrInternal)
	}
	if !model.IsValidTaskState(next.State) {
		return fmt.Errorf("%w: unknown state %q", model.ErrInternal, next.State)
	}
	if next.State != prev.State {
		if err := model.ValidateTaskTransition(prev.State, next.State); err != nil {
			return err
		}
	}
	if next.Steps < prev.Steps {
		return fmt.Errorf("%w: step count went backwards", model.ErrInternal)
	}
	if len(next.History) < len(prev.History) {
		return fmt.Errorf("%w: history is append-only", model.ErrInternal)
	}
	for i := range prev.History {
		if next.History[i].Message.ID != prev.History[i].Message.ID {
			return fmt.Errorf("%w: history is append-only", model.ErrInternal)
		}
	}
	for _, h := range next.History[len(prev.History):] {
		if h.Message.TaskID != next.ID {
			return fmt.Errorf("%w: history message %s belongs to task %q", model.ErrInternal, h.Message.ID, h.Message.TaskID)
		}
	}
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
}

// Open builds the backend selected by cfg. Relative sqlite paths are
// resolved against baseDir.
func Open(cfg model.StoreConfig, baseDir string) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "":
		path := cfg.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
