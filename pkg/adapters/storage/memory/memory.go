package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

// Store implements ports.TaskStore with in-memory maps. Used in tests and
// single-node development; the optimistic-version semantics match the
// durable adapters exactly so code under test sees the same conflicts.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*domain.ExecutionContext
	tasks    map[string]*domain.Task
	edges    map[string][]domain.Edge // execution context id -> edges
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		contexts: make(map[string]*domain.ExecutionContext),
		tasks:    make(map[string]*domain.Task),
		edges:    make(map[string][]domain.Edge),
	}
}

// CreateContext stores a new execution context.
func (s *Store) CreateContext(ctx context.Context, ec *domain.ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts[ec.ID]; exists {
		return fmt.Errorf("execution context %s: %w", ec.ID, ports.ErrAlreadyExists)
	}
	cp := *ec
	s.contexts[ec.ID] = &cp
	return nil
}

// GetContext returns a copy of the stored execution context.
func (s *Store) GetContext(ctx context.Context, id string) (*domain.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ec, ok := s.contexts[id]
	if !ok {
		return nil, fmt.Errorf("execution context %s: %w", id, ports.ErrNotFound)
	}
	cp := *ec
	return &cp, nil
}

// UpdateContext replaces the stored row if the version matches.
func (s *Store) UpdateContext(ctx context.Context, ec *domain.ExecutionContext, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.contexts[ec.ID]
	if !ok {
		return fmt.Errorf("execution context %s: %w", ec.ID, ports.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("execution context %s at version %d, expected %d: %w",
			ec.ID, stored.Version, expectedVersion, ports.ErrVersionConflict)
	}

	cp := *ec
	cp.Version = expectedVersion + 1
	s.contexts[ec.ID] = &cp
	ec.Version = cp.Version
	return nil
}

// ListContexts returns copies of all stored execution contexts.
func (s *Store) ListContexts(ctx context.Context) ([]*domain.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ExecutionContext, 0, len(s.contexts))
	for _, ec := range s.contexts {
		cp := *ec
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteContext removes the context and cascades to its tasks and edges.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[id]; !ok {
		return fmt.Errorf("execution context %s: %w", id, ports.ErrNotFound)
	}
	delete(s.contexts, id)
	delete(s.edges, id)
	for taskID, t := range s.tasks {
		if t.ExecutionContextID == id {
			delete(s.tasks, taskID)
		}
	}
	return nil
}

// CreateTask stores a new task row.
func (s *Store) CreateTask(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s: %w", t.ID, ports.ErrAlreadyExists)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// GetTask returns a copy of the stored task.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ports.ErrNotFound)
	}
	return t.Clone(), nil
}

// UpdateTask replaces the stored row if the version matches.
func (s *Store) UpdateTask(ctx context.Context, t *domain.Task, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ports.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("task %s at version %d, expected %d: %w",
			t.ID, stored.Version, expectedVersion, ports.ErrVersionConflict)
	}

	cp := t.Clone()
	cp.Version = expectedVersion + 1
	s.tasks[t.ID] = cp
	t.Version = cp.Version
	return nil
}

// ListTasks returns copies of the context's tasks.
func (s *Store) ListTasks(ctx context.Context, executionContextID string) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.ExecutionContextID == executionContextID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// CountUnfinishedTasks counts the context's tasks not in a terminal state.
func (s *Store) CountUnfinishedTasks(ctx context.Context, executionContextID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, t := range s.tasks {
		if t.ExecutionContextID == executionContextID && !t.ExecState.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// CreateEdges appends edge rows, skipping exact duplicates.
func (s *Store) CreateEdges(ctx context.Context, edges []domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range edges {
		if s.hasEdgeLocked(e) {
			continue
		}
		s.edges[e.ExecutionContextID] = append(s.edges[e.ExecutionContextID], e)
	}
	return nil
}

// DeleteEdges removes exactly the given edge rows; missing rows are ignored.
func (s *Store) DeleteEdges(ctx context.Context, edges []domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range edges {
		stored := s.edges[e.ExecutionContextID]
		out := stored[:0]
		for _, candidate := range stored {
			if candidate != e {
				out = append(out, candidate)
			}
		}
		s.edges[e.ExecutionContextID] = out
	}
	return nil
}

// ListEdges returns copies of the context's edges.
func (s *Store) ListEdges(ctx context.Context, executionContextID string) ([]domain.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.Edge(nil), s.edges[executionContextID]...), nil
}

func (s *Store) hasEdgeLocked(e domain.Edge) bool {
	for _, candidate := range s.edges[e.ExecutionContextID] {
		if candidate == e {
			return true
		}
	}
	return false
}
