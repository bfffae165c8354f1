package domain

// ExecState is the execution state of a single task.
type ExecState string

const (
	// ExecStateNone means the task is created and waiting for assignment.
	ExecStateNone ExecState = "NONE"
	// ExecStateInProgress means the task is assigned to a worker.
	ExecStateInProgress ExecState = "IN_PROGRESS"
	// ExecStateOK means the worker finished the task successfully and all
	// dispatcher-managed outputs are confirmed uploaded.
	ExecStateOK ExecState = "OK"
	// ExecStateError means the worker reported a failure for the task.
	ExecStateError ExecState = "ERROR"
	// ExecStateBroken means an upstream dependency failed; the task was
	// never executed.
	ExecStateBroken ExecState = "BROKEN"
	// ExecStateSkipped means the task was abandoned before assignment,
	// e.g. when its execution context was cancelled.
	ExecStateSkipped ExecState = "SKIPPED"
)

// IsTerminal reports whether the state is terminal.
func (s ExecState) IsTerminal() bool {
	switch s {
	case ExecStateOK, ExecStateError, ExecStateBroken, ExecStateSkipped:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies downstream dependencies.
func (s ExecState) IsSuccessful() bool {
	return s == ExecStateOK
}

// LifecycleState is the state of a whole execution context.
type LifecycleState string

const (
	LifecycleStateNone      LifecycleState = "NONE"
	LifecycleStateProducing LifecycleState = "PRODUCING"
	LifecycleStateProduced  LifecycleState = "PRODUCED"
	LifecycleStateStarted   LifecycleState = "STARTED"
	LifecycleStateFinished  LifecycleState = "FINISHED"
	LifecycleStateError     LifecycleState = "ERROR"
)

// IsTerminal reports whether the lifecycle state is terminal. A terminal
// context is immutable except for deletion.
func (s LifecycleState) IsTerminal() bool {
	return s == LifecycleStateFinished || s == LifecycleStateError
}
