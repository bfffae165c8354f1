package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/expgrid/dispatchd/pkg/domain"
)

func TestReconcileResetsTimedOutAssignment(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	ec, err := c.CreateContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.InsertTasks(ctx, ec.ID, nil, []*domain.Task{{
		ID:                "task-a",
		TimeoutBeforeTerm: 10 * time.Millisecond,
	}}); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkProduced(ctx, ec.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.StartContext(ctx, ec.ID); err != nil {
		t.Fatal(err)
	}

	w := domain.WorkerDescriptor{WorkerID: "w1"}
	waitForAssignment(t, c, w)
	time.Sleep(30 * time.Millisecond)

	if err := c.ReconcileContext(ctx, ec.ID); err != nil {
		t.Fatalf("ReconcileContext() error = %v", err)
	}

	if got := taskState(t, store, "task-a"); got != domain.ExecStateNone {
		t.Fatalf("task-a = %s after timeout reclaim, want NONE", got)
	}
	task, _ := store.GetTask(ctx, "task-a")
	if task.AssignedWorkerID != "" {
		t.Errorf("assignment survived the reclaim: %q", task.AssignedWorkerID)
	}

	// The reclaimed task is offerable again.
	retry := waitForAssignment(t, c, w)
	if retry.TaskID != "task-a" {
		t.Fatalf("reassignment = %s, want task-a", retry.TaskID)
	}
}

func TestReconcileSparesLiveAssignment(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	ec, err := c.CreateContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// A generous explicit timeout: the assignment must survive the sweep.
	if _, err := c.InsertTasks(ctx, ec.ID, nil, []*domain.Task{{
		ID:                "task-a",
		TimeoutBeforeTerm: time.Minute,
	}}); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkProduced(ctx, ec.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.StartContext(ctx, ec.ID); err != nil {
		t.Fatal(err)
	}
	waitForAssignment(t, c, domain.WorkerDescriptor{WorkerID: "w1"})

	if err := c.ReconcileContext(ctx, ec.ID); err != nil {
		t.Fatalf("ReconcileContext() error = %v", err)
	}
	if got := taskState(t, store, "task-a"); got != domain.ExecStateInProgress {
		t.Fatalf("task-a = %s after sweep, want IN_PROGRESS", got)
	}
}

func TestReconcileForcesLostCompletion(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	ec, err := c.CreateContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	insert(t, c, ec.ID, nil, "task-a")
	insert(t, c, ec.ID, []string{"task-a"}, "task-b")
	if err := c.MarkProduced(ctx, ec.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.StartContext(ctx, ec.ID); err != nil {
		t.Fatal(err)
	}

	w := domain.WorkerDescriptor{WorkerID: "w1"}
	waitForAssignment(t, c, w)

	// Simulate a result whose terminal write was lost: the row carries the
	// received result but is stuck IN_PROGRESS.
	task, err := store.GetTask(ctx, "task-a")
	if err != nil {
		t.Fatal(err)
	}
	task.ResultReceived = true
	if err := store.UpdateTask(ctx, task, task.Version); err != nil {
		t.Fatal(err)
	}

	if err := c.ReconcileContext(ctx, ec.ID); err != nil {
		t.Fatalf("ReconcileContext() error = %v", err)
	}

	if got := taskState(t, store, "task-a"); got != domain.ExecStateOK {
		t.Fatalf("task-a = %s after repair, want OK", got)
	}
	// The forced completion unlocks the descendant.
	b := waitForAssignment(t, c, w)
	if b.TaskID != "task-b" {
		t.Fatalf("assignment after repair = %s, want task-b", b.TaskID)
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	ec, err := c.CreateContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	insert(t, c, ec.ID, nil, "task-a")
	insert(t, c, ec.ID, []string{"task-a"}, "task-b")
	if err := c.MarkProduced(ctx, ec.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.StartContext(ctx, ec.ID); err != nil {
		t.Fatal(err)
	}

	waitForAssignment(t, c, domain.WorkerDescriptor{WorkerID: "w1"})

	// Another replica recorded a failure; this replica's graph still shows
	// the task IN_PROGRESS.
	task, err := store.GetTask(ctx, "task-a")
	if err != nil {
		t.Fatal(err)
	}
	task.ExecState = domain.ExecStateError
	task.ResultReceived = true
	task.UpdatedOn = time.Now().Add(-time.Minute)
	if err := store.UpdateTask(ctx, task, task.Version); err != nil {
		t.Fatal(err)
	}

	if err := c.ReconcileContext(ctx, ec.ID); err != nil {
		t.Fatalf("ReconcileContext() error = %v", err)
	}

	// The durable failure propagated through the graph and the broken
	// descendant was persisted.
	if got := taskState(t, store, "task-b"); got != domain.ExecStateBroken {
		t.Fatalf("task-b = %s after drift repair, want BROKEN", got)
	}
	waitFor(t, func() bool {
		return contextState(t, store, ec.ID) == domain.LifecycleStateFinished
	}, "context never reached FINISHED after drift repair")
}

func TestReconcileRestoresQueueAfterRestart(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	ec, err := c.CreateContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	insert(t, c, ec.ID, nil, "task-a")
	insert(t, c, ec.ID, []string{"task-a"}, "task-b")
	if err := c.MarkProduced(ctx, ec.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.StartContext(ctx, ec.ID); err != nil {
		t.Fatal(err)
	}

	// A restarted process comes up with an empty queue and graph cache;
	// only the durable rows survive. The first sweep must make the STARTED
	// context's work offerable again.
	restarted := newControllerOver(t, store)
	if a, err := restarted.PollTask(ctx, domain.WorkerDescriptor{WorkerID: "w1"}); err != nil || a != nil {
		t.Fatalf("poll before sweep = (%v, %v), want nothing", a, err)
	}
	if err := restarted.ReconcileContext(ctx, ec.ID); err != nil {
		t.Fatalf("ReconcileContext() error = %v", err)
	}

	w := domain.WorkerDescriptor{WorkerID: "w1"}
	a := waitForAssignment(t, restarted, w)
	if a.TaskID != "task-a" {
		t.Fatalf("assignment after restart = %s, want task-a", a.TaskID)
	}

	// The recovered context runs to completion on the new process.
	reportOK(t, restarted, "task-a", "w1")
	b := waitForAssignment(t, restarted, w)
	if b.TaskID != "task-b" {
		t.Fatalf("assignment after task-a = %s, want task-b", b.TaskID)
	}
	reportOK(t, restarted, "task-b", "w1")
	waitFor(t, func() bool {
		return contextState(t, store, ec.ID) == domain.LifecycleStateFinished
	}, "recovered context never reached FINISHED")
}

func TestReconcileFailsContextOnCyclicCorruption(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()
	ecID := newStartedContext(t, c)

	// A misbehaving producer wrote a back edge straight to the store,
	// bypassing the insert validation.
	err := store.CreateEdges(ctx, []domain.Edge{{
		ExecutionContextID: ecID,
		FromTaskID:         "task-d",
		ToTaskID:           "task-a",
	}})
	if err != nil {
		t.Fatal(err)
	}
	c.graphs.Delete(ecID)

	if err := c.ReconcileContext(ctx, ecID); err != nil {
		t.Fatalf("ReconcileContext() error = %v", err)
	}
	if got := contextState(t, store, ecID); got != domain.LifecycleStateError {
		t.Fatalf("context = %s after cyclic corruption, want ERROR", got)
	}

	// A terminal context is not retried: the next sweep is a no-op.
	if err := c.ReconcileContext(ctx, ecID); err != nil {
		t.Fatalf("second ReconcileContext() error = %v", err)
	}
	if got := contextState(t, store, ecID); got != domain.LifecycleStateError {
		t.Fatalf("context = %s after second sweep, want ERROR", got)
	}
}

func TestReconcileIgnoresNonStartedContexts(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	ec, err := c.CreateContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	insert(t, c, ec.ID, nil, "task-a")

	if err := c.ReconcileContext(ctx, ec.ID); err != nil {
		t.Fatalf("ReconcileContext() error = %v", err)
	}
	if got := contextState(t, store, ec.ID); got != domain.LifecycleStateProducing {
		t.Fatalf("context = %s, want PRODUCING untouched", got)
	}
}

func TestStartedContextIDs(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	producing, err := c.CreateContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_ = producing

	started, err := c.CreateContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	insert(t, c, started.ID, nil, "task-a")
	if err := c.MarkProduced(ctx, started.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.StartContext(ctx, started.ID); err != nil {
		t.Fatal(err)
	}

	ids, err := c.StartedContextIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != started.ID {
		t.Fatalf("StartedContextIDs() = %v, want [%s]", ids, started.ID)
	}
}
