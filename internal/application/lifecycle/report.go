package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/expgrid/dispatchd/internal/application/graph"
	"github.com/expgrid/dispatchd/internal/application/locks"
	"github.com/expgrid/dispatchd/internal/application/taskstate"
	"github.com/expgrid/dispatchd/pkg/domain"
)

// ReportResult records a worker's result for a task. The state-machine
// transition is applied synchronously so a result is never lost; the
// graph propagation and queue bookkeeping it triggers are dispatched to
// the background pool so the worker's call returns quickly.
func (c *Controller) ReportResult(ctx context.Context, report domain.WorkerReport) error {
	t, err := c.store.GetTask(ctx, report.TaskID)
	if err != nil {
		return err
	}
	executionContextID := t.ExecutionContextID

	guard := c.locks.Write(executionContextID)
	start := time.Now()

	var terminal bool
	updated, err := taskstate.UpdateTaskWithRetry(ctx, c.store, report.TaskID, c.cfg.MaxUpdateAttempts,
		func(t *domain.Task) (bool, error) {
			reached, err := taskstate.ApplyResult(t, report, time.Now())
			if err != nil {
				return false, err
			}
			terminal = reached
			return true, nil
		})
	if err != nil {
		guard.Release()
		return fmt.Errorf("failed to apply report for task %s: %w", report.TaskID, err)
	}
	guard.Release()

	status := string(updated.ExecState)
	c.metrics.RecordTaskReported(status, time.Since(start))
	c.logger.Info("worker report applied",
		zap.String("task_id", report.TaskID),
		zap.String("execution_context_id", executionContextID),
		zap.String("worker_id", report.WorkerID),
		zap.Bool("success", report.Success),
		zap.String("exec_state", status))

	if terminal {
		state := updated.ExecState
		c.dispatcher.enqueue(func(jobCtx context.Context) {
			c.propagateTerminal(jobCtx, executionContextID, report.TaskID, state)
		})
	}
	return nil
}

// ConfirmUpload records an out-of-band output upload confirmation and
// completes the task once the finish gate passes.
func (c *Controller) ConfirmUpload(ctx context.Context, confirmation domain.UploadConfirmation) error {
	if !confirmation.Uploaded {
		return nil
	}

	t, err := c.store.GetTask(ctx, confirmation.TaskID)
	if err != nil {
		return err
	}
	executionContextID := t.ExecutionContextID

	guard := c.locks.Write(executionContextID)

	var finished bool
	updated, err := taskstate.UpdateTaskWithRetry(ctx, c.store, confirmation.TaskID, c.cfg.MaxUpdateAttempts,
		func(t *domain.Task) (bool, error) {
			if !taskstate.ConfirmUpload(t, confirmation.OutputID) {
				return false, fmt.Errorf("task %s has no output %s", t.ID, confirmation.OutputID)
			}
			finished = taskstate.TryFinish(t, time.Now())
			return true, nil
		})
	if err != nil {
		guard.Release()
		return err
	}
	guard.Release()

	c.logger.Debug("output upload confirmed",
		zap.String("task_id", confirmation.TaskID),
		zap.String("output_id", confirmation.OutputID),
		zap.Bool("task_finished", finished))

	if finished {
		state := updated.ExecState
		c.dispatcher.enqueue(func(jobCtx context.Context) {
			c.propagateTerminal(jobCtx, executionContextID, confirmation.TaskID, state)
		})
	}
	return nil
}

// propagateTerminal applies a task's terminal state to the graph,
// persists the resulting BROKEN set, refreshes the queue and checks the
// finish gate. Runs on the dispatcher pool.
func (c *Controller) propagateTerminal(ctx context.Context, executionContextID, taskID string, state domain.ExecState) {
	guard := c.locks.Write(executionContextID)
	defer guard.Release()
	c.propagateTerminalLocked(ctx, executionContextID, taskID, state, guard)
}

func (c *Controller) propagateTerminalLocked(ctx context.Context, executionContextID, taskID string, state domain.ExecState, guard *locks.Guard) {
	guard.MustHold(executionContextID, true)

	g, err := c.graphLocked(ctx, executionContextID, guard)
	if err != nil {
		c.logger.Error("failed to load graph for propagation",
			zap.String("execution_context_id", executionContextID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}

	changes, err := g.UpdateTaskExecState(taskID, state, "")
	if err != nil {
		c.logger.Error("failed to propagate task state",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}

	broken := 0
	for _, change := range changes {
		if change.TaskID == taskID {
			// The reported task's durable row was already written on the
			// report path.
			continue
		}
		if err := c.persistStateChange(ctx, change); err != nil {
			c.logger.Error("failed to persist propagated state",
				zap.String("task_id", change.TaskID),
				zap.String("new_state", string(change.NewState)),
				zap.Error(err))
			continue
		}
		if change.NewState == domain.ExecStateBroken {
			broken++
			c.queue.DeregisterTask(executionContextID, change.TaskID)
			c.publishEvent(ctx, domain.EventTypeTaskBroken, executionContextID, change.TaskID, nil)
		}
	}
	if broken > 0 {
		c.metrics.RecordTasksBroken(broken)
	}

	c.queue.MarkTaskFinished(executionContextID, taskID)
	for _, v := range g.FindAllForAssigning() {
		c.queue.RegisterTask(executionContextID, v)
	}
	c.recordQueueDepth(executionContextID)

	switch state {
	case domain.ExecStateOK:
		c.publishEvent(ctx, domain.EventTypeTaskOK, executionContextID, taskID, nil)
	case domain.ExecStateError:
		c.publishEvent(ctx, domain.EventTypeTaskError, executionContextID, taskID, nil)
	}

	if err := c.maybeFinishLocked(ctx, executionContextID, guard); err != nil {
		c.logger.Error("finish check failed",
			zap.String("execution_context_id", executionContextID),
			zap.Error(err))
	}
}

// ResetTask returns a task to NONE: operator re-run, or timeout reclaim
// when invoked by the reconciler. Permitted from any non-terminal state
// and from terminal ERROR/BROKEN.
func (c *Controller) ResetTask(ctx context.Context, taskID, reason string) error {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	executionContextID := t.ExecutionContextID

	guard := c.locks.Write(executionContextID)
	defer guard.Release()
	return c.resetTaskLocked(ctx, executionContextID, taskID, reason)
}

func (c *Controller) resetTaskLocked(ctx context.Context, executionContextID, taskID, reason string) error {
	updated, err := taskstate.UpdateTaskWithRetry(ctx, c.store, taskID, c.cfg.MaxUpdateAttempts,
		func(t *domain.Task) (bool, error) {
			if err := taskstate.Reset(t, time.Now()); err != nil {
				return false, err
			}
			return true, nil
		})
	if err != nil {
		return err
	}

	cached, ok := c.graphs.Load(executionContextID)
	if ok {
		g := cached.(*graph.Graph)
		if _, err := g.UpdateTaskExecState(taskID, domain.ExecStateNone, ""); err != nil {
			return err
		}
		if v, ok := g.Vertex(taskID); ok {
			c.queue.ReleaseAssignment(executionContextID, v)
		}
	}
	c.recordQueueDepth(executionContextID)

	c.metrics.RecordTaskReset(reason)
	c.publishEvent(ctx, domain.EventTypeTaskReset, executionContextID, taskID, map[string]interface{}{
		"reason": reason,
	})
	c.logger.Info("task reset",
		zap.String("task_id", taskID),
		zap.String("execution_context_id", executionContextID),
		zap.String("reason", reason),
		zap.Int64("version", updated.Version))
	return nil
}
