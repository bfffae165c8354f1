package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/expgrid/dispatchd/internal/application/graph"
	"github.com/expgrid/dispatchd/internal/application/locks"
	"github.com/expgrid/dispatchd/internal/application/taskstate"
	"github.com/expgrid/dispatchd/pkg/domain"
)

// ReconcileContext runs one repair sweep over a STARTED context. The
// durable store is the source of truth: where the in-memory graph and
// the rows disagree outside the grace window, the row wins.
//
// Repairs, in order:
//  1. forced completion of IN_PROGRESS rows whose finish gate already
//     passes (result received, uploads confirmed) but whose terminal
//     write was lost,
//  2. reset of IN_PROGRESS rows assigned longer ago than the task's
//     timeout, capped by the hard ceiling,
//  3. pushing drifted durable states into the graph, with normal failure
//     propagation,
//  4. a structural check: a non-empty graph without root vertices moves
//     the context to ERROR,
//  5. the usual finish check.
func (c *Controller) ReconcileContext(ctx context.Context, executionContextID string) error {
	start := time.Now()
	defer func() {
		c.metrics.RecordReconcilePass(time.Since(start))
	}()

	guard := c.locks.Write(executionContextID)
	defer guard.Release()

	ec, err := c.store.GetContext(ctx, executionContextID)
	if err != nil {
		return err
	}
	if ec.LifecycleState != domain.LifecycleStateStarted {
		return nil
	}

	g, err := c.graphLocked(ctx, executionContextID, guard)
	if err != nil {
		// A cycle or structural corruption in the persisted edges cannot
		// heal on a later sweep; fail the context instead of retrying.
		if errors.Is(err, graph.ErrCycleFound) || errors.Is(err, graph.ErrInvalidGraph) {
			return c.markErrorLocked(ctx, executionContextID, err.Error())
		}
		return err
	}
	if g.Size() > 0 && len(g.Roots()) == 0 {
		return c.markErrorLocked(ctx, executionContextID, "no root vertices")
	}

	tasks, err := c.store.ListTasks(ctx, executionContextID)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, t := range tasks {
		if t.ExecState == domain.ExecStateInProgress {
			if c.repairStuck(ctx, executionContextID, t, now, guard) {
				continue
			}
		}
		c.repairDrift(ctx, executionContextID, g, t, now)
	}

	// After a restart the queue starts empty; the sweep rebuilds it, and
	// only runs for STARTED contexts, so the flag is safe to set here.
	c.queue.SetContextStarted(executionContextID, true)
	for _, v := range g.FindAllForAssigning() {
		c.queue.RegisterTask(executionContextID, v)
	}
	c.recordQueueDepth(executionContextID)

	return c.maybeFinishLocked(ctx, executionContextID, guard)
}

// repairStuck handles IN_PROGRESS rows: completes the ones whose finish
// gate passes, resets the ones assigned past their timeout. Returns true
// when the row was repaired. Caller holds the context write lock.
func (c *Controller) repairStuck(ctx context.Context, executionContextID string, t *domain.Task, now time.Time, guard *locks.Guard) bool {
	if taskstate.CheckTaskCanBeFinished(t) {
		updated, err := taskstate.UpdateTaskWithRetry(ctx, c.store, t.ID, c.cfg.MaxUpdateAttempts,
			func(t *domain.Task) (bool, error) {
				return taskstate.TryFinish(t, now), nil
			})
		if err != nil {
			c.logger.Error("failed to force-complete task",
				zap.String("task_id", t.ID), zap.Error(err))
			return false
		}
		if updated.ExecState != domain.ExecStateOK {
			return false
		}
		c.metrics.RecordDriftRepaired("forced_ok")
		c.logger.Warn("completed task whose terminal write was lost",
			zap.String("task_id", t.ID),
			zap.String("execution_context_id", executionContextID))
		c.propagateTerminalLocked(ctx, executionContextID, t.ID, domain.ExecStateOK, guard)
		return true
	}

	if t.AssignedOn == nil {
		return false
	}
	timeout := t.TimeoutBeforeTerm
	if timeout <= 0 {
		timeout = c.cfg.DefaultTaskTimeout
	}
	if timeout <= 0 || timeout > c.cfg.TimeoutHardCeiling {
		timeout = c.cfg.TimeoutHardCeiling
	}
	if now.Sub(*t.AssignedOn) < timeout {
		return false
	}

	c.logger.Warn("reclaiming timed-out assignment",
		zap.String("task_id", t.ID),
		zap.String("execution_context_id", executionContextID),
		zap.String("worker_id", t.AssignedWorkerID),
		zap.Duration("timeout", timeout))
	if err := c.resetTaskLocked(ctx, executionContextID, t.ID, "timeout"); err != nil {
		c.logger.Error("failed to reset timed-out task",
			zap.String("task_id", t.ID), zap.Error(err))
		return false
	}
	return true
}

// repairDrift pushes a durable state that disagrees with the graph into
// the graph, honoring the grace window so in-flight mutations are not
// mistaken for drift. Caller holds the context write lock.
func (c *Controller) repairDrift(ctx context.Context, executionContextID string, g *graph.Graph, t *domain.Task, now time.Time) {
	// Earlier repairs in the same pass may have rewritten this row; the
	// sweep snapshot cannot be trusted for the comparison.
	fresh, err := c.store.GetTask(ctx, t.ID)
	if err != nil {
		c.logger.Error("failed to reload task during drift check",
			zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	t = fresh

	v, ok := g.Vertex(t.ID)
	if !ok {
		// Row exists but the cached graph predates it; rebuild next pass.
		c.graphs.Delete(executionContextID)
		c.metrics.RecordDriftRepaired("missing_vertex")
		return
	}
	if v.ExecState == t.ExecState {
		return
	}
	if now.Sub(t.UpdatedOn) < c.cfg.ReconcileGraceWindow {
		return
	}

	changes, err := g.UpdateTaskExecState(t.ID, t.ExecState, t.ContextID)
	if err != nil {
		c.logger.Error("failed to push drifted state into graph",
			zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	for _, change := range changes {
		if change.TaskID == t.ID {
			continue
		}
		if err := c.persistStateChange(ctx, change); err != nil {
			c.logger.Error("failed to persist propagated state",
				zap.String("task_id", change.TaskID), zap.Error(err))
			continue
		}
		if change.NewState == domain.ExecStateBroken {
			c.queue.DeregisterTask(executionContextID, change.TaskID)
		}
	}
	if t.ExecState.IsTerminal() {
		c.queue.MarkTaskFinished(executionContextID, t.ID)
	}

	c.metrics.RecordDriftRepaired("state_drift")
	c.logger.Warn("repaired graph drift from durable state",
		zap.String("task_id", t.ID),
		zap.String("execution_context_id", executionContextID),
		zap.String("graph_state", string(v.ExecState)),
		zap.String("durable_state", string(t.ExecState)))
}
