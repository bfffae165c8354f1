package ports

import (
	"context"

	"github.com/expgrid/dispatchd/pkg/domain"
)

// TaskStore is the durable store for execution contexts, tasks and edges.
//
// All Update* methods are compare-and-swap: they succeed only when the
// stored optimistic version equals expectedVersion, bump the version by one
// and reflect the new version on the passed entity. On mismatch they return
// ErrVersionConflict and leave the row untouched.
type TaskStore interface {
	CreateContext(ctx context.Context, ec *domain.ExecutionContext) error
	GetContext(ctx context.Context, id string) (*domain.ExecutionContext, error)
	UpdateContext(ctx context.Context, ec *domain.ExecutionContext, expectedVersion int64) error
	ListContexts(ctx context.Context) ([]*domain.ExecutionContext, error)
	// DeleteContext removes the context and cascades to its tasks and edges.
	DeleteContext(ctx context.Context, id string) error

	CreateTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	UpdateTask(ctx context.Context, t *domain.Task, expectedVersion int64) error
	ListTasks(ctx context.Context, executionContextID string) ([]*domain.Task, error)
	CountUnfinishedTasks(ctx context.Context, executionContextID string) (int, error)

	CreateEdges(ctx context.Context, edges []domain.Edge) error
	// DeleteEdges removes exactly the given edge rows; missing rows are
	// ignored. Used when a runtime splice rewires existing dependencies.
	DeleteEdges(ctx context.Context, edges []domain.Edge) error
	ListEdges(ctx context.Context, executionContextID string) ([]domain.Edge, error)
}
