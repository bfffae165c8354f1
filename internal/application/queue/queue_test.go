package queue

import (
	"errors"
	"testing"

	"github.com/expgrid/dispatchd/pkg/domain"
)

func vertex(id string) domain.TaskVertex {
	return domain.TaskVertex{TaskID: id, ExecState: domain.ExecStateNone}
}

func worker(id string) domain.WorkerDescriptor {
	return domain.WorkerDescriptor{WorkerID: id}
}

// acceptAll claims every offered candidate.
func acceptAll(executionContextID, taskID string, w domain.WorkerDescriptor) (*domain.TaskAssignment, error) {
	return &domain.TaskAssignment{TaskID: taskID, ExecutionContextID: executionContextID}, nil
}

func TestRegisterAndAssign(t *testing.T) {
	q := New()
	q.SetContextStarted("ec-1", true)
	q.RegisterTask("ec-1", vertex("a"))

	assignment, err := q.FindUnassignedTaskAndAssign(worker("w1"), acceptAll)
	if err != nil {
		t.Fatalf("FindUnassignedTaskAndAssign() error = %v", err)
	}
	if assignment == nil || assignment.TaskID != "a" {
		t.Fatalf("assignment = %+v, want task a", assignment)
	}

	if w, ok := q.AssignedWorker("ec-1", "a"); !ok || w != "w1" {
		t.Errorf("AssignedWorker() = %q/%v, want w1", w, ok)
	}
	offerable, inFlight := q.Depth("ec-1")
	if offerable != 0 || inFlight != 1 {
		t.Errorf("Depth() = %d/%d, want 0/1", offerable, inFlight)
	}

	// The same task must not be offered twice.
	again, err := q.FindUnassignedTaskAndAssign(worker("w2"), acceptAll)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Errorf("in-flight task was offered again: %+v", again)
	}
}

func TestAssignSkipsNotStartedContexts(t *testing.T) {
	q := New()
	q.RegisterTask("ec-1", vertex("a"))

	assignment, err := q.FindUnassignedTaskAndAssign(worker("w1"), acceptAll)
	if err != nil {
		t.Fatal(err)
	}
	if assignment != nil {
		t.Fatalf("task from a non-started context was offered: %+v", assignment)
	}

	q.SetContextStarted("ec-1", true)
	if assignment, _ = q.FindUnassignedTaskAndAssign(worker("w1"), acceptAll); assignment == nil {
		t.Fatal("task not offered after the context started")
	}
}

func TestRegisterInFlightTaskIsNoop(t *testing.T) {
	q := New()
	q.SetContextStarted("ec-1", true)
	q.RegisterTask("ec-1", vertex("a"))
	if _, err := q.FindUnassignedTaskAndAssign(worker("w1"), acceptAll); err != nil {
		t.Fatal(err)
	}

	// A re-register while the task is in flight must not make it offerable.
	q.RegisterTask("ec-1", vertex("a"))
	offerable, inFlight := q.Depth("ec-1")
	if offerable != 0 || inFlight != 1 {
		t.Fatalf("Depth() = %d/%d, want 0/1", offerable, inFlight)
	}
}

func TestClaimSkipLeavesTaskOfferable(t *testing.T) {
	q := New()
	q.SetContextStarted("ec-1", true)
	q.RegisterTask("ec-1", vertex("a"))

	skip := func(executionContextID, taskID string, w domain.WorkerDescriptor) (*domain.TaskAssignment, error) {
		return nil, ErrSkipTask
	}
	assignment, err := q.FindUnassignedTaskAndAssign(worker("w1"), skip)
	if err != nil {
		t.Fatal(err)
	}
	if assignment != nil {
		t.Fatalf("skip produced an assignment: %+v", assignment)
	}

	offerable, _ := q.Depth("ec-1")
	if offerable != 1 {
		t.Errorf("offerable = %d, want 1 after skip", offerable)
	}
}

func TestClaimStaleDropsOfferableOnly(t *testing.T) {
	q := New()
	q.SetContextStarted("ec-1", true)
	q.RegisterTask("ec-1", vertex("a"))
	q.RegisterTask("ec-1", vertex("b"))

	// b goes in flight for w1.
	claimOnlyB := func(executionContextID, taskID string, w domain.WorkerDescriptor) (*domain.TaskAssignment, error) {
		if taskID != "b" {
			return nil, ErrSkipTask
		}
		return &domain.TaskAssignment{TaskID: taskID, ExecutionContextID: executionContextID}, nil
	}
	if _, err := q.FindUnassignedTaskAndAssign(worker("w1"), claimOnlyB); err != nil {
		t.Fatal(err)
	}

	// w2 finds a stale; the drop must not touch w1's in-flight entry.
	stale := func(executionContextID, taskID string, w domain.WorkerDescriptor) (*domain.TaskAssignment, error) {
		return nil, ErrStaleTask
	}
	if _, err := q.FindUnassignedTaskAndAssign(worker("w2"), stale); err != nil {
		t.Fatal(err)
	}

	offerable, inFlight := q.Depth("ec-1")
	if offerable != 0 || inFlight != 1 {
		t.Errorf("Depth() = %d/%d, want 0/1", offerable, inFlight)
	}
	if w, ok := q.AssignedWorker("ec-1", "b"); !ok || w != "w1" {
		t.Errorf("AssignedWorker(b) = %q/%v, want w1", w, ok)
	}
}

func TestClaimErrorStopsScan(t *testing.T) {
	q := New()
	q.SetContextStarted("ec-1", true)
	q.RegisterTask("ec-1", vertex("a"))

	boom := errors.New("storage down")
	fail := func(executionContextID, taskID string, w domain.WorkerDescriptor) (*domain.TaskAssignment, error) {
		return nil, boom
	}
	if _, err := q.FindUnassignedTaskAndAssign(worker("w1"), fail); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want storage error", err)
	}

	// The task stays offerable for a later retry.
	offerable, _ := q.Depth("ec-1")
	if offerable != 1 {
		t.Errorf("offerable = %d, want 1", offerable)
	}
}

func TestCandidateOrderIsDeterministic(t *testing.T) {
	q := New()
	q.SetContextStarted("ec-1", true)
	q.SetContextStarted("ec-2", true)
	q.RegisterTask("ec-2", vertex("z"))
	q.RegisterTask("ec-1", vertex("b"))
	q.RegisterTask("ec-1", vertex("a"))

	var seen []string
	record := func(executionContextID, taskID string, w domain.WorkerDescriptor) (*domain.TaskAssignment, error) {
		seen = append(seen, executionContextID+"/"+taskID)
		return nil, ErrSkipTask
	}
	if _, err := q.FindUnassignedTaskAndAssign(worker("w1"), record); err != nil {
		t.Fatal(err)
	}

	want := []string{"ec-1/a", "ec-1/b", "ec-2/z"}
	if len(seen) != len(want) {
		t.Fatalf("saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("saw %v, want %v", seen, want)
		}
	}
}

func TestFinishAndRelease(t *testing.T) {
	q := New()
	q.SetContextStarted("ec-1", true)
	q.RegisterTask("ec-1", vertex("a"))
	if _, err := q.FindUnassignedTaskAndAssign(worker("w1"), acceptAll); err != nil {
		t.Fatal(err)
	}

	q.MarkTaskFinished("ec-1", "a")
	if !q.AllTaskGroupFinished("ec-1") {
		t.Error("AllTaskGroupFinished() = false after finishing the only task")
	}
	if !q.IsQueueEmpty() {
		t.Error("IsQueueEmpty() = false after the group drained")
	}

	// Timeout reset path: a reclaimed task becomes offerable again.
	q.RegisterTask("ec-1", vertex("b"))
	if _, err := q.FindUnassignedTaskAndAssign(worker("w1"), acceptAll); err != nil {
		t.Fatal(err)
	}
	q.ReleaseAssignment("ec-1", vertex("b"))

	offerable, inFlight := q.Depth("ec-1")
	if offerable != 1 || inFlight != 0 {
		t.Errorf("Depth() = %d/%d, want 1/0 after release", offerable, inFlight)
	}
	if _, ok := q.AssignedWorker("ec-1", "b"); ok {
		t.Error("released task still shows an assigned worker")
	}
}

func TestRemoveContext(t *testing.T) {
	q := New()
	q.SetContextStarted("ec-1", true)
	q.RegisterTask("ec-1", vertex("a"))
	q.RegisterTask("ec-1", vertex("b"))

	q.RemoveContext("ec-1")

	if !q.IsQueueEmpty() {
		t.Error("IsQueueEmpty() = false after RemoveContext")
	}
	if assignment, _ := q.FindUnassignedTaskAndAssign(worker("w1"), acceptAll); assignment != nil {
		t.Errorf("removed context still offered a task: %+v", assignment)
	}
}

func TestAllTaskGroupFinishedUnknownContext(t *testing.T) {
	q := New()
	if !q.AllTaskGroupFinished("nope") {
		t.Error("unknown context must count as finished")
	}
}
