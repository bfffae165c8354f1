package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/expgrid/dispatchd/internal/application/queue"
	"github.com/expgrid/dispatchd/internal/application/taskstate"
	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

// PollTask hands at most one assignable task to the polling worker, or nil
// when nothing suits it. The queue proposes candidates; the claim below
// settles races through the durable compare-and-swap, so two concurrent
// polls can never both win the same task.
func (c *Controller) PollTask(ctx context.Context, worker domain.WorkerDescriptor) (*domain.TaskAssignment, error) {
	if worker.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if c.queue.IsQueueEmpty() {
		return nil, nil
	}

	return c.queue.FindUnassignedTaskAndAssign(worker,
		func(executionContextID, taskID string, w domain.WorkerDescriptor) (*domain.TaskAssignment, error) {
			return c.claimTask(ctx, executionContextID, taskID, w)
		})
}

func (c *Controller) claimTask(ctx context.Context, executionContextID, taskID string, worker domain.WorkerDescriptor) (*domain.TaskAssignment, error) {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, queue.ErrStaleTask
		}
		return nil, err
	}
	if t.ExecState != domain.ExecStateNone {
		return nil, queue.ErrStaleTask
	}

	// Capability check: a worker restricted to cryptographically signed
	// work never sees unsigned tasks.
	if worker.AcceptsOnlySigned && !t.Signed {
		return nil, queue.ErrSkipTask
	}

	// Schema check: params newer than the worker supports must be
	// downgradable, otherwise the task is skipped for this worker only.
	params := t.Params
	paramsVersion := t.ParamsVersion
	if t.ParamsVersion > worker.MaxParamsVersion {
		if c.codec == nil || !c.codec.CanDowngrade(t.ParamsVersion, worker.MaxParamsVersion) {
			return nil, queue.ErrSkipTask
		}
		downgraded, err := c.codec.Downgrade(t.Params, t.ParamsVersion, worker.MaxParamsVersion)
		if err != nil {
			c.logger.Warn("params downgrade failed, skipping task for worker",
				zap.String("task_id", taskID),
				zap.String("worker_id", worker.WorkerID),
				zap.Error(err))
			return nil, queue.ErrSkipTask
		}
		params = downgraded
		paramsVersion = worker.MaxParamsVersion
	}

	guard := c.locks.Write(executionContextID)
	defer guard.Release()

	updated, err := taskstate.UpdateTaskWithRetry(ctx, c.store, taskID, c.cfg.MaxUpdateAttempts,
		func(t *domain.Task) (bool, error) {
			if t.ExecState != domain.ExecStateNone {
				return false, nil
			}
			if err := taskstate.Assign(t, worker.WorkerID, time.Now()); err != nil {
				return false, err
			}
			return true, nil
		})
	if err != nil {
		return nil, err
	}
	if updated.ExecState != domain.ExecStateInProgress || updated.AssignedWorkerID != worker.WorkerID {
		// Another worker won the row.
		return nil, queue.ErrStaleTask
	}

	g, err := c.graphLocked(ctx, executionContextID, guard)
	if err != nil {
		return nil, err
	}
	if _, err := g.UpdateTaskExecState(taskID, domain.ExecStateInProgress, updated.ContextID); err != nil {
		return nil, err
	}

	ec, err := c.store.GetContext(ctx, executionContextID)
	if err != nil {
		return nil, err
	}

	c.metrics.RecordTaskAssigned(worker.WorkerID)
	c.publishEvent(ctx, domain.EventTypeTaskAssigned, executionContextID, taskID, map[string]interface{}{
		"worker_id": worker.WorkerID,
	})
	c.logger.Debug("task assigned",
		zap.String("task_id", taskID),
		zap.String("execution_context_id", executionContextID),
		zap.String("worker_id", worker.WorkerID))

	return &domain.TaskAssignment{
		TaskID:             taskID,
		ExecutionContextID: executionContextID,
		Params:             params,
		ParamsVersion:      paramsVersion,
		LifecycleState:     ec.LifecycleState,
	}, nil
}
