package taskstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

// ErrRetriesExhausted is returned when a compare-and-swap cycle kept
// colliding for the full retry budget. Conflicts are expected under
// concurrent reporting and reconciliation; exhaustion is not.
var ErrRetriesExhausted = errors.New("optimistic retries exhausted")

// UpdateTaskWithRetry is the single read-modify-write helper every task
// mutation path goes through. It loads the task, applies mutate, and
// writes back with the loaded version as the CAS guard, retrying the whole
// cycle on version conflicts up to maxAttempts times.
//
// mutate returns false to abort without writing (for example when another
// writer already produced the desired state); the freshly loaded task is
// still returned so the caller can observe it.
func UpdateTaskWithRetry(
	ctx context.Context,
	store ports.TaskStore,
	taskID string,
	maxAttempts int,
	mutate func(t *domain.Task) (bool, error),
) (*domain.Task, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		t, err := store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}

		apply, err := mutate(t)
		if err != nil {
			return nil, err
		}
		if !apply {
			return t, nil
		}

		err = store.UpdateTask(ctx, t, t.Version)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: task %s: %v", ErrRetriesExhausted, taskID, lastErr)
}

// UpdateContextWithRetry is the execution-context counterpart of
// UpdateTaskWithRetry.
func UpdateContextWithRetry(
	ctx context.Context,
	store ports.TaskStore,
	executionContextID string,
	maxAttempts int,
	mutate func(ec *domain.ExecutionContext) (bool, error),
) (*domain.ExecutionContext, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ec, err := store.GetContext(ctx, executionContextID)
		if err != nil {
			return nil, err
		}

		apply, err := mutate(ec)
		if err != nil {
			return nil, err
		}
		if !apply {
			return ec, nil
		}

		err = store.UpdateContext(ctx, ec, ec.Version)
		if err == nil {
			return ec, nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: context %s: %v", ErrRetriesExhausted, executionContextID, lastErr)
}
