package taskstate

import (
	"context"
	"errors"
	"testing"

	"github.com/expgrid/dispatchd/pkg/adapters/storage/memory"
	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

func seedTask(t *testing.T, store *memory.Store) *domain.Task {
	t.Helper()
	task := &domain.Task{ID: "task-1", ExecutionContextID: "ec-1", ExecState: domain.ExecStateNone}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return task
}

func TestUpdateTaskWithRetryApplies(t *testing.T) {
	store := memory.NewStore()
	seedTask(t, store)

	updated, err := UpdateTaskWithRetry(context.Background(), store, "task-1", 3, func(task *domain.Task) (bool, error) {
		task.ExecState = domain.ExecStateInProgress
		task.AssignedWorkerID = "worker-1"
		return true, nil
	})
	if err != nil {
		t.Fatalf("UpdateTaskWithRetry() error = %v", err)
	}
	if updated.ExecState != domain.ExecStateInProgress {
		t.Errorf("returned state = %s, want IN_PROGRESS", updated.ExecState)
	}

	stored, err := store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.ExecState != domain.ExecStateInProgress || stored.AssignedWorkerID != "worker-1" {
		t.Errorf("stored task = %s/%q", stored.ExecState, stored.AssignedWorkerID)
	}
	if stored.Version != updated.Version {
		t.Errorf("version mismatch: stored %d, returned %d", stored.Version, updated.Version)
	}
}

func TestUpdateTaskWithRetryAbort(t *testing.T) {
	store := memory.NewStore()
	seedTask(t, store)

	before, _ := store.GetTask(context.Background(), "task-1")

	loaded, err := UpdateTaskWithRetry(context.Background(), store, "task-1", 3, func(task *domain.Task) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("UpdateTaskWithRetry() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("aborted update must still return the loaded task")
	}

	after, _ := store.GetTask(context.Background(), "task-1")
	if after.Version != before.Version {
		t.Errorf("abort wrote to the store: version %d -> %d", before.Version, after.Version)
	}
}

func TestUpdateTaskWithRetrySurvivesConflict(t *testing.T) {
	store := memory.NewStore()
	seedTask(t, store)

	// A competing writer bumps the version between the load and the CAS on
	// the first attempt only.
	interfered := false
	_, err := UpdateTaskWithRetry(context.Background(), store, "task-1", 3, func(task *domain.Task) (bool, error) {
		if !interfered {
			interfered = true
			other, err := store.GetTask(context.Background(), task.ID)
			if err != nil {
				return false, err
			}
			other.Diagnostics = "competing write"
			if err := store.UpdateTask(context.Background(), other, other.Version); err != nil {
				return false, err
			}
		}
		task.ExecState = domain.ExecStateInProgress
		return true, nil
	})
	if err != nil {
		t.Fatalf("UpdateTaskWithRetry() error = %v", err)
	}

	stored, _ := store.GetTask(context.Background(), "task-1")
	if stored.ExecState != domain.ExecStateInProgress {
		t.Errorf("stored state = %s, want IN_PROGRESS", stored.ExecState)
	}
	if stored.Diagnostics != "competing write" {
		t.Error("retry overwrote the competing write instead of rebasing on it")
	}
}

func TestUpdateTaskWithRetryExhaustion(t *testing.T) {
	store := memory.NewStore()
	seedTask(t, store)

	// Every attempt loses the race.
	_, err := UpdateTaskWithRetry(context.Background(), store, "task-1", 2, func(task *domain.Task) (bool, error) {
		other, err := store.GetTask(context.Background(), task.ID)
		if err != nil {
			return false, err
		}
		if err := store.UpdateTask(context.Background(), other, other.Version); err != nil {
			return false, err
		}
		return true, nil
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("error = %v, want ErrRetriesExhausted", err)
	}
}

func TestUpdateTaskWithRetryMutateError(t *testing.T) {
	store := memory.NewStore()
	seedTask(t, store)

	boom := errors.New("boom")
	if _, err := UpdateTaskWithRetry(context.Background(), store, "task-1", 3, func(task *domain.Task) (bool, error) {
		return false, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
}

func TestUpdateTaskWithRetryNotFound(t *testing.T) {
	store := memory.NewStore()
	if _, err := UpdateTaskWithRetry(context.Background(), store, "missing", 3, func(task *domain.Task) (bool, error) {
		return true, nil
	}); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateContextWithRetry(t *testing.T) {
	store := memory.NewStore()
	ec := &domain.ExecutionContext{ID: "ec-1", LifecycleState: domain.LifecycleStateProducing}
	if err := store.CreateContext(context.Background(), ec); err != nil {
		t.Fatal(err)
	}

	updated, err := UpdateContextWithRetry(context.Background(), store, "ec-1", 3, func(ec *domain.ExecutionContext) (bool, error) {
		ec.LifecycleState = domain.LifecycleStateProduced
		return true, nil
	})
	if err != nil {
		t.Fatalf("UpdateContextWithRetry() error = %v", err)
	}
	if updated.LifecycleState != domain.LifecycleStateProduced {
		t.Errorf("state = %s, want PRODUCED", updated.LifecycleState)
	}

	stored, _ := store.GetContext(context.Background(), "ec-1")
	if stored.LifecycleState != domain.LifecycleStateProduced {
		t.Errorf("stored state = %s, want PRODUCED", stored.LifecycleState)
	}
}
