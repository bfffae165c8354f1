package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

// TaskStore implements ports.TaskStore on Redis. Rows are JSON values;
// the optimistic-version check runs inside a WATCH/MULTI transaction so a
// concurrent writer aborts the commit and surfaces as a version conflict.
type TaskStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewTaskStore creates a Redis-backed task store.
func NewTaskStore(client *redis.Client, logger *zap.Logger) *TaskStore {
	return &TaskStore{
		client: client,
		logger: logger,
	}
}

// CreateContext stores a new execution context.
func (s *TaskStore) CreateContext(ctx context.Context, ec *domain.ExecutionContext) error {
	key := contextKey(ec.ID)

	data, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution context: %w", err)
	}

	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save execution context: %w", err)
	}
	if !ok {
		return fmt.Errorf("execution context %s: %w", ec.ID, ports.ErrAlreadyExists)
	}

	if err := s.client.SAdd(ctx, contextIndexKey, ec.ID).Err(); err != nil {
		return fmt.Errorf("failed to index execution context: %w", err)
	}
	return nil
}

// GetContext retrieves an execution context.
func (s *TaskStore) GetContext(ctx context.Context, id string) (*domain.ExecutionContext, error) {
	data, err := s.client.Get(ctx, contextKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("execution context %s: %w", id, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get execution context: %w", err)
	}

	var ec domain.ExecutionContext
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution context: %w", err)
	}
	return &ec, nil
}

// UpdateContext replaces the stored row if the version matches.
func (s *TaskStore) UpdateContext(ctx context.Context, ec *domain.ExecutionContext, expectedVersion int64) error {
	key := contextKey(ec.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("execution context %s: %w", ec.ID, ports.ErrNotFound)
			}
			return fmt.Errorf("failed to get execution context: %w", err)
		}

		var stored domain.ExecutionContext
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal execution context: %w", err)
		}
		if stored.Version != expectedVersion {
			return fmt.Errorf("execution context %s at version %d, expected %d: %w",
				ec.ID, stored.Version, expectedVersion, ports.ErrVersionConflict)
		}

		next := *ec
		next.Version = expectedVersion + 1
		payload, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to marshal execution context: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("execution context %s: %w", ec.ID, ports.ErrVersionConflict)
		}
		return err
	}

	ec.Version = expectedVersion + 1
	return nil
}

// ListContexts returns all stored execution contexts.
func (s *TaskStore) ListContexts(ctx context.Context) ([]*domain.ExecutionContext, error) {
	ids, err := s.client.SMembers(ctx, contextIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list execution contexts: %w", err)
	}

	out := make([]*domain.ExecutionContext, 0, len(ids))
	for _, id := range ids {
		ec, err := s.GetContext(ctx, id)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, ec)
	}
	return out, nil
}

// DeleteContext removes the context and cascades to its tasks and edges.
func (s *TaskStore) DeleteContext(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, contextKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check execution context: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("execution context %s: %w", id, ports.ErrNotFound)
	}

	taskIDs, err := s.client.SMembers(ctx, contextTasksKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to list context tasks: %w", err)
	}

	keys := []string{contextKey(id), contextTasksKey(id), edgesKey(id)}
	for _, taskID := range taskIDs {
		keys = append(keys, taskKey(taskID))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete execution context: %w", err)
	}
	if err := s.client.SRem(ctx, contextIndexKey, id).Err(); err != nil {
		return fmt.Errorf("failed to deindex execution context: %w", err)
	}

	s.logger.Debug("execution context deleted",
		zap.String("execution_context_id", id),
		zap.Int("tasks", len(taskIDs)))
	return nil
}

// CreateTask stores a new task row.
func (s *TaskStore) CreateTask(ctx context.Context, t *domain.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ok, err := s.client.SetNX(ctx, taskKey(t.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ports.ErrAlreadyExists)
	}

	if err := s.client.SAdd(ctx, contextTasksKey(t.ExecutionContextID), t.ID).Err(); err != nil {
		return fmt.Errorf("failed to index task: %w", err)
	}
	return nil
}

// GetTask retrieves a task row.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("task %s: %w", id, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var t domain.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &t, nil
}

// UpdateTask replaces the stored row if the version matches.
func (s *TaskStore) UpdateTask(ctx context.Context, t *domain.Task, expectedVersion int64) error {
	key := taskKey(t.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("task %s: %w", t.ID, ports.ErrNotFound)
			}
			return fmt.Errorf("failed to get task: %w", err)
		}

		var stored domain.Task
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}
		if stored.Version != expectedVersion {
			return fmt.Errorf("task %s at version %d, expected %d: %w",
				t.ID, stored.Version, expectedVersion, ports.ErrVersionConflict)
		}

		next := t.Clone()
		next.Version = expectedVersion + 1
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("task %s: %w", t.ID, ports.ErrVersionConflict)
		}
		return err
	}

	t.Version = expectedVersion + 1
	return nil
}

// ListTasks returns the context's tasks.
func (s *TaskStore) ListTasks(ctx context.Context, executionContextID string) ([]*domain.Task, error) {
	ids, err := s.client.SMembers(ctx, contextTasksKey(executionContextID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list context tasks: %w", err)
	}

	out := make([]*domain.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CountUnfinishedTasks counts the context's tasks not in a terminal state.
func (s *TaskStore) CountUnfinishedTasks(ctx context.Context, executionContextID string) (int, error) {
	tasks, err := s.ListTasks(ctx, executionContextID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range tasks {
		if !t.ExecState.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// CreateEdges appends edge rows, skipping exact duplicates.
func (s *TaskStore) CreateEdges(ctx context.Context, edges []domain.Edge) error {
	for _, e := range edges {
		member, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal edge: %w", err)
		}
		if err := s.client.SAdd(ctx, edgesKey(e.ExecutionContextID), member).Err(); err != nil {
			return fmt.Errorf("failed to save edge: %w", err)
		}
	}
	return nil
}

// DeleteEdges removes exactly the given edge rows; missing rows are ignored.
func (s *TaskStore) DeleteEdges(ctx context.Context, edges []domain.Edge) error {
	for _, e := range edges {
		member, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal edge: %w", err)
		}
		if err := s.client.SRem(ctx, edgesKey(e.ExecutionContextID), member).Err(); err != nil {
			return fmt.Errorf("failed to delete edge: %w", err)
		}
	}
	return nil
}

// ListEdges returns the context's edges.
func (s *TaskStore) ListEdges(ctx context.Context, executionContextID string) ([]domain.Edge, error) {
	members, err := s.client.SMembers(ctx, edgesKey(executionContextID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}

	out := make([]domain.Edge, 0, len(members))
	for _, m := range members {
		var e domain.Edge
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal edge: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

const contextIndexKey = "dispatchd:contexts"

func contextKey(id string) string {
	return fmt.Sprintf("dispatchd:context:%s", id)
}

func contextTasksKey(executionContextID string) string {
	return fmt.Sprintf("dispatchd:context:%s:tasks", executionContextID)
}

func taskKey(id string) string {
	return fmt.Sprintf("dispatchd:task:%s", id)
}

func edgesKey(executionContextID string) string {
	return fmt.Sprintf("dispatchd:context:%s:edges", executionContextID)
}
