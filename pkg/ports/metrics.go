package ports

import "time"

// MetricsCollector records dispatcher metrics.
type MetricsCollector interface {
	RecordTaskAssigned(workerID string)
	RecordTaskReported(status string, duration time.Duration)
	RecordTasksBroken(count int)
	RecordTaskReset(reason string)
	RecordReconcilePass(duration time.Duration)
	RecordDriftRepaired(kind string)
	RecordVersionConflict(entity string)
	SetQueueDepth(executionContextID string, offerable, inFlight int)
	SetActiveContexts(count int)
}
