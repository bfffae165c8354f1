package domain

import "time"

// Task is one unit of work within an execution context. The persisted
// execution-state field is the single source of truth the in-memory graph
// and queue projections must converge toward.
type Task struct {
	ID                 string        `json:"id"`
	ExecutionContextID string        `json:"execution_context_id"`
	ExecState          ExecState     `json:"exec_state"`
	AssignedWorkerID   string        `json:"assigned_worker_id,omitempty"`
	ContextID          string        `json:"context_id,omitempty"`
	Params             []byte        `json:"params,omitempty"`
	ParamsVersion      int           `json:"params_version"`
	Signed             bool          `json:"signed"`
	Outputs            []Output      `json:"outputs,omitempty"`
	Diagnostics        string        `json:"diagnostics,omitempty"`
	ExitCode           int           `json:"exit_code"`
	ResultReceived     bool          `json:"result_received"`
	Completed          bool          `json:"completed"`
	TimeoutBeforeTerm  time.Duration `json:"timeout_before_terminate"`
	CreatedOn          time.Time     `json:"created_on"`
	AssignedOn         *time.Time    `json:"assigned_on,omitempty"`
	CompletedOn        *time.Time    `json:"completed_on,omitempty"`
	UpdatedOn          time.Time     `json:"updated_on"`
	Version            int64         `json:"version"`
}

// Output is a declared task output. Managed outputs live in the
// dispatcher-managed store and must be confirmed uploaded before the task
// can finish.
type Output struct {
	ID       string `json:"id"`
	Managed  bool   `json:"managed"`
	Uploaded bool   `json:"uploaded"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Params != nil {
		cp.Params = append([]byte(nil), t.Params...)
	}
	if t.Outputs != nil {
		cp.Outputs = append([]Output(nil), t.Outputs...)
	}
	if t.AssignedOn != nil {
		v := *t.AssignedOn
		cp.AssignedOn = &v
	}
	if t.CompletedOn != nil {
		v := *t.CompletedOn
		cp.CompletedOn = &v
	}
	return &cp
}

// Vertex returns the lightweight graph projection of the task.
func (t *Task) Vertex() TaskVertex {
	return TaskVertex{TaskID: t.ID, ExecState: t.ExecState, ContextID: t.ContextID}
}

// TaskVertex is the projection of a task used for graph traversal. It is
// derived from Task rows and never persisted independently.
type TaskVertex struct {
	TaskID    string    `json:"task_id"`
	ExecState ExecState `json:"exec_state"`
	ContextID string    `json:"context_id,omitempty"`
}

// Edge is a directed dependency: the consumer (To) depends on the
// producer (From).
type Edge struct {
	ExecutionContextID string `json:"execution_context_id"`
	FromTaskID         string `json:"from_task_id"`
	ToTaskID           string `json:"to_task_id"`
}

// ExecutionContext is one pipeline run. It owns its task and edge sets
// exclusively; deletion cascades to both.
type ExecutionContext struct {
	ID             string         `json:"id"`
	LifecycleState LifecycleState `json:"lifecycle_state"`
	CreatedOn      time.Time      `json:"created_on"`
	CompletedOn    *time.Time     `json:"completed_on,omitempty"`
	Version        int64          `json:"version"`
}
