package store

import (
	"context"
	"slices"
	"sync"

	"github.com/msageha/a2a_engine/internal/lock"
	"github.com/msageha/a2a_engine/internal/model"
)

type idemKey struct{ project, key string }

// Memory is a process-local Store. Records are lost on restart.
type Memory struct {
	locks *lock.MutexMap

	mu    sync.RWMutex
	tasks map[string]*model.Task
	idem  map[idemKey]string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		locks: lock.NewMutexMap(),
		tasks: make(map[string]*model.Task),
		idem:  make(map[idemKey]string),
	}
}

func (m *Memory) Create(ctx context.Context, t *model.Task) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.IdempotencyKey != "" {
		k := idemKey{t.ProjectID, t.IdempotencyKey}
		if id, ok := m.idem[k]; ok {
			return m.tasks[id].Clone(), ErrDuplicate
		}
		m.idem[k] = t.ID
	}
	m.tasks[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (m *Memory) Get(ctx context.Context, id string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	return t.Clone(), nil
}

func (m *Memory) FindByIdempotencyKey(ctx context.Context, projectID, key string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.idem[idemKey{projectID, key}]
	if !ok {
		return nil, notFound(projectID + "/" + key)
	}
	return m.tasks[id].Clone(), nil
}

func (m *Memory) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Task, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	m.mu.RLock()
	current, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}

	next, err := applyUpdate(current, fn)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tasks[id] = next
	m.mu.Unlock()
	return next.Clone(), nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]*model.Task, error) {
	m.mu.RLock()
	var out []*model.Task
	for _, t := range m.tasks {
		if f.matches(t) {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *model.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
