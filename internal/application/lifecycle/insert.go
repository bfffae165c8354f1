package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/expgrid/dispatchd/internal/application/locks"
	"github.com/expgrid/dispatchd/pkg/domain"
)

// InsertTasks adds producer-supplied tasks to a context.
//
// During PRODUCING the rows and parent edges are persisted directly; the
// graph is validated wholesale when the producer marks the context
// produced. On a STARTED context this is a runtime fan-out: the new
// vertices are spliced between the named parents and those parents'
// existing descendants, so downstream ordering survives, and any
// immediately assignable vertices go straight to the queue.
func (c *Controller) InsertTasks(ctx context.Context, executionContextID string, parentTaskIDs []string, tasks []*domain.Task) ([]*domain.Task, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks to insert")
	}

	guard := c.locks.Write(executionContextID)
	defer guard.Release()

	ec, err := c.store.GetContext(ctx, executionContextID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.ExecutionContextID = executionContextID
		t.ExecState = domain.ExecStateNone
		t.CreatedOn = now
		t.UpdatedOn = now
	}

	switch ec.LifecycleState {
	case domain.LifecycleStateProducing:
		err = c.insertProducing(ctx, executionContextID, parentTaskIDs, tasks)
	case domain.LifecycleStateStarted:
		err = c.insertStarted(ctx, executionContextID, parentTaskIDs, tasks, guard)
	default:
		return nil, fmt.Errorf("cannot insert tasks into execution context in %s", ec.LifecycleState)
	}
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		c.publishEvent(ctx, domain.EventTypeTaskInserted, executionContextID, t.ID, nil)
	}
	c.logger.Info("tasks inserted",
		zap.String("execution_context_id", executionContextID),
		zap.Int("count", len(tasks)),
		zap.Strings("parent_task_ids", parentTaskIDs),
		zap.String("lifecycle_state", string(ec.LifecycleState)))
	return tasks, nil
}

func (c *Controller) insertProducing(ctx context.Context, executionContextID string, parentTaskIDs []string, tasks []*domain.Task) error {
	for _, t := range tasks {
		if err := c.store.CreateTask(ctx, t); err != nil {
			return fmt.Errorf("failed to persist task %s: %w", t.ID, err)
		}
	}

	var edges []domain.Edge
	for _, p := range parentTaskIDs {
		for _, t := range tasks {
			edges = append(edges, domain.Edge{
				ExecutionContextID: executionContextID,
				FromTaskID:         p,
				ToTaskID:           t.ID,
			})
		}
	}
	if len(edges) == 0 {
		return nil
	}
	if err := c.store.CreateEdges(ctx, edges); err != nil {
		return fmt.Errorf("failed to persist edges: %w", err)
	}
	return nil
}

func (c *Controller) insertStarted(ctx context.Context, executionContextID string, parentTaskIDs []string, tasks []*domain.Task, guard *locks.Guard) error {
	guard.MustHold(executionContextID, true)

	g, err := c.graphLocked(ctx, executionContextID, guard)
	if err != nil {
		return err
	}

	vertices := make([]domain.TaskVertex, 0, len(tasks))
	for _, t := range tasks {
		vertices = append(vertices, t.Vertex())
	}

	// Validate the splice in memory first so a cycle never reaches storage.
	diff, err := g.AddNewTasksToGraph(parentTaskIDs, vertices)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if err := c.store.CreateTask(ctx, t); err != nil {
			return fmt.Errorf("failed to persist task %s: %w", t.ID, err)
		}
	}
	if len(diff.Removed) > 0 {
		if err := c.store.DeleteEdges(ctx, diff.Removed); err != nil {
			return fmt.Errorf("failed to delete displaced edges: %w", err)
		}
	}
	if len(diff.Added) > 0 {
		if err := c.store.CreateEdges(ctx, diff.Added); err != nil {
			return fmt.Errorf("failed to persist spliced edges: %w", err)
		}
	}

	for _, v := range g.FindAllForAssigning() {
		c.queue.RegisterTask(executionContextID, v)
	}
	c.recordQueueDepth(executionContextID)
	return nil
}
