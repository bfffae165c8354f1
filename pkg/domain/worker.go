package domain

// WorkerDescriptor is the capability set a worker supplies with a poll.
type WorkerDescriptor struct {
	WorkerID          string `json:"worker_id"`
	AcceptsOnlySigned bool   `json:"accepts_only_signed"`
	MaxParamsVersion  int    `json:"max_params_version"`
}

// TaskAssignment is the payload handed to a worker in response to a poll.
type TaskAssignment struct {
	TaskID             string         `json:"task_id"`
	ExecutionContextID string         `json:"execution_context_id"`
	Params             []byte         `json:"params,omitempty"`
	ParamsVersion      int            `json:"params_version"`
	LifecycleState     LifecycleState `json:"lifecycle_state"`
}

// WorkerReport is the result a worker sends back for an assigned task.
// Diagnostics are stored opaquely; the dispatcher never parses them.
type WorkerReport struct {
	TaskID      string `json:"task_id"`
	WorkerID    string `json:"worker_id"`
	Success     bool   `json:"success"`
	Diagnostics string `json:"diagnostics,omitempty"`
	ExitCode    int    `json:"exit_code"`
}

// UploadConfirmation arrives out-of-band after a report, once a declared
// output has materialized in the dispatcher-managed store.
type UploadConfirmation struct {
	TaskID   string `json:"task_id"`
	OutputID string `json:"output_id"`
	Uploaded bool   `json:"uploaded"`
}
