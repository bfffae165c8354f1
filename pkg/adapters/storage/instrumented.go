package storage

import (
	"context"
	"errors"

	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

// InstrumentedStore wraps a TaskStore and counts optimistic-lock
// conflicts on the update paths. All other calls pass through.
type InstrumentedStore struct {
	ports.TaskStore
	metrics ports.MetricsCollector
}

// Instrument wraps the store with conflict counting.
func Instrument(store ports.TaskStore, metrics ports.MetricsCollector) *InstrumentedStore {
	return &InstrumentedStore{TaskStore: store, metrics: metrics}
}

// UpdateTask counts version conflicts on task rows.
func (s *InstrumentedStore) UpdateTask(ctx context.Context, t *domain.Task, expectedVersion int64) error {
	err := s.TaskStore.UpdateTask(ctx, t, expectedVersion)
	if errors.Is(err, ports.ErrVersionConflict) {
		s.metrics.RecordVersionConflict("task")
	}
	return err
}

// UpdateContext counts version conflicts on execution-context rows.
func (s *InstrumentedStore) UpdateContext(ctx context.Context, ec *domain.ExecutionContext, expectedVersion int64) error {
	err := s.TaskStore.UpdateContext(ctx, ec, expectedVersion)
	if errors.Is(err, ports.ErrVersionConflict) {
		s.metrics.RecordVersionConflict("context")
	}
	return err
}
