package queue

import (
	"errors"
	"sort"
	"sync"

	"github.com/expgrid/dispatchd/pkg/domain"
)

var (
	// ErrSkipTask is returned by a ClaimFunc when the candidate does not
	// suit this particular worker (capability or schema mismatch). The task
	// stays queued for other workers.
	ErrSkipTask = errors.New("task skipped for this worker")
	// ErrStaleTask is returned by a ClaimFunc when the durable row shows
	// the task is no longer assignable at all. The queue drops it.
	ErrStaleTask = errors.New("task no longer assignable")
)

// ClaimFunc attempts to assign one offerable task to the polling worker.
// It runs outside the queue mutex and may perform storage I/O; the durable
// compare-and-swap inside it is what enforces at-most-one assignment.
type ClaimFunc func(executionContextID, taskID string, worker domain.WorkerDescriptor) (*domain.TaskAssignment, error)

// Queue is the cross-execution-context index of offerable and in-flight
// tasks. It answers the frequent worker-poll question without a graph scan.
//
// One coarse process-wide mutex guards the index, deliberately coarser
// than the per-context graph locks: queue mutations stay short, never span
// storage calls, and a single lock avoids ordering hazards with the
// per-context locks.
type Queue struct {
	mu      sync.Mutex
	groups  map[string]*taskGroup
	started map[string]bool
}

// taskGroup is the per-execution-context readiness bucket. It is created
// when the first vertex becomes assignable and discarded once drained.
type taskGroup struct {
	offerable map[string]domain.TaskVertex
	inFlight  map[string]string // task id -> worker id
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		groups:  make(map[string]*taskGroup),
		started: make(map[string]bool),
	}
}

// SetContextStarted flags whether tasks of the context may be offered.
// Only STARTED contexts are polled from.
func (q *Queue) SetContextStarted(executionContextID string, started bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if started {
		q.started[executionContextID] = true
		return
	}
	delete(q.started, executionContextID)
}

// RemoveContext drops every queue entry of the context.
func (q *Queue) RemoveContext(executionContextID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.groups, executionContextID)
	delete(q.started, executionContextID)
}

// RegisterTask adds an assignable vertex to the live index. Registering an
// already-offerable or in-flight task is a no-op.
func (q *Queue) RegisterTask(executionContextID string, v domain.TaskVertex) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[executionContextID]
	if !ok {
		g = &taskGroup{
			offerable: make(map[string]domain.TaskVertex),
			inFlight:  make(map[string]string),
		}
		q.groups[executionContextID] = g
	}
	if _, busy := g.inFlight[v.TaskID]; busy {
		return
	}
	g.offerable[v.TaskID] = v
}

// DeregisterTask removes a task from the live index entirely.
func (q *Queue) DeregisterTask(executionContextID, taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deregisterLocked(executionContextID, taskID)
}

// DropOfferable removes a task from the offerable set only. A stale
// candidate may already be in flight for another worker, so the in-flight
// entry is left alone.
func (q *Queue) DropOfferable(executionContextID, taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[executionContextID]
	if !ok {
		return
	}
	delete(g.offerable, taskID)
	if len(g.offerable) == 0 && len(g.inFlight) == 0 {
		delete(q.groups, executionContextID)
	}
}

func (q *Queue) deregisterLocked(executionContextID, taskID string) {
	g, ok := q.groups[executionContextID]
	if !ok {
		return
	}
	delete(g.offerable, taskID)
	delete(g.inFlight, taskID)
	if len(g.offerable) == 0 && len(g.inFlight) == 0 {
		delete(q.groups, executionContextID)
	}
}

type candidate struct {
	executionContextID string
	taskID             string
}

// FindUnassignedTaskAndAssign pops one task for the worker. Candidates are
// snapshotted under the mutex, then claimed one by one without it; a
// successful claim moves the task to the in-flight set. A claim that
// returns ErrSkipTask leaves the task offerable for other workers; one
// that returns ErrStaleTask drops it from the index.
//
// Returns nil with no error when nothing suits the worker.
func (q *Queue) FindUnassignedTaskAndAssign(worker domain.WorkerDescriptor, claim ClaimFunc) (*domain.TaskAssignment, error) {
	for _, c := range q.snapshotCandidates() {
		assignment, err := claim(c.executionContextID, c.taskID, worker)
		switch {
		case err == nil && assignment != nil:
			q.markInFlight(c.executionContextID, c.taskID, worker.WorkerID)
			return assignment, nil
		case errors.Is(err, ErrSkipTask):
			continue
		case errors.Is(err, ErrStaleTask):
			q.DropOfferable(c.executionContextID, c.taskID)
			continue
		case err != nil:
			return nil, err
		}
	}
	return nil, nil
}

func (q *Queue) snapshotCandidates() []candidate {
	q.mu.Lock()
	defer q.mu.Unlock()

	ctxIDs := make([]string, 0, len(q.groups))
	for id := range q.groups {
		if q.started[id] {
			ctxIDs = append(ctxIDs, id)
		}
	}
	sort.Strings(ctxIDs)

	var out []candidate
	for _, ctxID := range ctxIDs {
		g := q.groups[ctxID]
		taskIDs := make([]string, 0, len(g.offerable))
		for id := range g.offerable {
			taskIDs = append(taskIDs, id)
		}
		sort.Strings(taskIDs)
		for _, id := range taskIDs {
			out = append(out, candidate{executionContextID: ctxID, taskID: id})
		}
	}
	return out
}

func (q *Queue) markInFlight(executionContextID, taskID, workerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[executionContextID]
	if !ok {
		g = &taskGroup{
			offerable: make(map[string]domain.TaskVertex),
			inFlight:  make(map[string]string),
		}
		q.groups[executionContextID] = g
	}
	delete(g.offerable, taskID)
	g.inFlight[taskID] = workerID
}

// MarkTaskFinished retires a task that reached a terminal state.
func (q *Queue) MarkTaskFinished(executionContextID, taskID string) {
	q.DeregisterTask(executionContextID, taskID)
}

// ReleaseAssignment returns a reclaimed in-flight task to the offerable
// set, used by timeout resets and operator re-runs.
func (q *Queue) ReleaseAssignment(executionContextID string, v domain.TaskVertex) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[executionContextID]
	if !ok {
		g = &taskGroup{
			offerable: make(map[string]domain.TaskVertex),
			inFlight:  make(map[string]string),
		}
		q.groups[executionContextID] = g
	}
	delete(g.inFlight, v.TaskID)
	g.offerable[v.TaskID] = v
}

// AssignedWorker returns the worker currently holding the in-flight task.
func (q *Queue) AssignedWorker(executionContextID, taskID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[executionContextID]
	if !ok {
		return "", false
	}
	w, ok := g.inFlight[taskID]
	return w, ok
}

// AllTaskGroupFinished reports whether the context has no offerable and no
// in-flight tasks left.
func (q *Queue) AllTaskGroupFinished(executionContextID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[executionContextID]
	if !ok {
		return true
	}
	return len(g.offerable) == 0 && len(g.inFlight) == 0
}

// IsQueueEmpty reports whether no context has pending entries. Polling
// loops use it to avoid graph scans when nothing is pending.
func (q *Queue) IsQueueEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.groups) == 0
}

// Depth returns the offerable and in-flight counts for a context.
func (q *Queue) Depth(executionContextID string) (offerable, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[executionContextID]
	if !ok {
		return 0, 0
	}
	return len(g.offerable), len(g.inFlight)
}
