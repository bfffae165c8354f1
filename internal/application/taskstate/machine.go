package taskstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/expgrid/dispatchd/pkg/domain"
)

// ErrInvalidTransition is returned when an operation would move a task
// outside the allowed lifecycle.
var ErrInvalidTransition = errors.New("invalid task state transition")

func transitionErr(t *domain.Task, to domain.ExecState) error {
	return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.ExecState, to)
}

// CanTransition reports whether a direct transition from one execution
// state to another is allowed. BROKEN and SKIPPED are only reachable
// through graph propagation, never through this table.
func CanTransition(from, to domain.ExecState) bool {
	switch from {
	case domain.ExecStateNone:
		return to == domain.ExecStateInProgress
	case domain.ExecStateInProgress:
		return to == domain.ExecStateOK || to == domain.ExecStateError || to == domain.ExecStateNone
	default:
		return false
	}
}

// Assign moves a NONE task to IN_PROGRESS and records the worker and the
// assignment timestamp.
func Assign(t *domain.Task, workerID string, now time.Time) error {
	if t.ExecState != domain.ExecStateNone {
		return transitionErr(t, domain.ExecStateInProgress)
	}
	t.ExecState = domain.ExecStateInProgress
	t.AssignedWorkerID = workerID
	assignedOn := now
	t.AssignedOn = &assignedOn
	return nil
}

// CheckTaskCanBeFinished is the gate for IN_PROGRESS -> OK: the result must
// have been received and every dispatcher-managed output confirmed
// uploaded. Result metadata and output payloads arrive independently;
// finishing before the uploads land would let descendants consume outputs
// that are not materialized yet.
func CheckTaskCanBeFinished(t *domain.Task) bool {
	if !t.ResultReceived {
		return false
	}
	for _, o := range t.Outputs {
		if o.Managed && !o.Uploaded {
			return false
		}
	}
	return true
}

// ApplyResult records a worker report on an IN_PROGRESS task.
//
// A failure report moves the task to ERROR immediately. A success report
// moves it to OK only once CheckTaskCanBeFinished passes; otherwise the
// task stays IN_PROGRESS until the remaining upload confirmations arrive.
// The returned flag reports whether a terminal state was reached.
func ApplyResult(t *domain.Task, report domain.WorkerReport, now time.Time) (bool, error) {
	if t.ExecState != domain.ExecStateInProgress {
		if report.Success {
			return false, transitionErr(t, domain.ExecStateOK)
		}
		return false, transitionErr(t, domain.ExecStateError)
	}

	t.ResultReceived = true
	t.Diagnostics = report.Diagnostics
	t.ExitCode = report.ExitCode

	if !report.Success {
		t.ExecState = domain.ExecStateError
		markCompleted(t, now)
		return true, nil
	}
	return TryFinish(t, now), nil
}

// ConfirmUpload marks a declared output uploaded. The second return value
// reports whether the output was found.
func ConfirmUpload(t *domain.Task, outputID string) bool {
	for i := range t.Outputs {
		if t.Outputs[i].ID == outputID {
			t.Outputs[i].Uploaded = true
			return true
		}
	}
	return false
}

// TryFinish completes an IN_PROGRESS task whose finish gate passes.
func TryFinish(t *domain.Task, now time.Time) bool {
	if t.ExecState != domain.ExecStateInProgress || !CheckTaskCanBeFinished(t) {
		return false
	}
	t.ExecState = domain.ExecStateOK
	markCompleted(t, now)
	return true
}

// Reset returns a task to NONE, clearing assignment and result metadata.
// Permitted from any non-terminal state and, deliberately, from terminal
// ERROR and BROKEN so operators can retry after a fix. OK and SKIPPED
// tasks are not resettable.
func Reset(t *domain.Task, now time.Time) error {
	switch t.ExecState {
	case domain.ExecStateOK, domain.ExecStateSkipped:
		return transitionErr(t, domain.ExecStateNone)
	}
	t.ExecState = domain.ExecStateNone
	t.AssignedWorkerID = ""
	t.AssignedOn = nil
	t.CompletedOn = nil
	t.ResultReceived = false
	t.Completed = false
	t.Diagnostics = ""
	t.ExitCode = 0
	for i := range t.Outputs {
		t.Outputs[i].Uploaded = false
	}
	t.UpdatedOn = now
	return nil
}

// Deassign reclaims a hung IN_PROGRESS assignment, making the task
// eligible again. The worker is not actively cancelled; duplicate
// execution is accepted in exchange for liveness.
func Deassign(t *domain.Task, now time.Time) error {
	if t.ExecState != domain.ExecStateInProgress {
		return transitionErr(t, domain.ExecStateNone)
	}
	return Reset(t, now)
}

func markCompleted(t *domain.Task, now time.Time) {
	t.Completed = true
	completedOn := now
	t.CompletedOn = &completedOn
	t.UpdatedOn = now
}
