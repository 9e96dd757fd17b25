package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process StatePort.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]Status
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Status)}
}

// Put creates or overwrites a task. It bypasses the transition table and is
// meant for seeding by the task lifecycle owner.
func (m *MemoryStore) Put(id string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id] = status
}

func (m *MemoryStore) Get(_ context.Context, id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tasks[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return s, nil
}

func (m *MemoryStore) GetActiveTasks(_ context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for id, s := range m.tasks {
		if s == StatusNullified || s == StatusQuarantined {
			continue
		}
		out = append(out, Task{ID: id, Status: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AtomicTransition(_ context.Context, taskID string, from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{TaskID: taskID, From: from, To: to}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if current != from {
		return &ConcurrencyError{TaskID: taskID, Expected: from, Actual: current}
	}
	m.tasks[taskID] = to
	return nil
}
