package domain

import "time"

// EventType identifies dispatcher events published on the event bus.
type EventType string

const (
	EventTypeContextProduced EventType = "context.produced"
	EventTypeContextStarted  EventType = "context.started"
	EventTypeContextFinished EventType = "context.finished"
	EventTypeContextError    EventType = "context.error"
	EventTypeContextCancel   EventType = "context.cancelled"

	EventTypeTaskAssigned EventType = "task.assigned"
	EventTypeTaskOK       EventType = "task.ok"
	EventTypeTaskError    EventType = "task.error"
	EventTypeTaskBroken   EventType = "task.broken"
	EventTypeTaskReset    EventType = "task.reset"
	EventTypeTaskInserted EventType = "task.inserted"
)

// Event is a dispatcher event.
type Event struct {
	ID                 string                 `json:"id"`
	Type               EventType              `json:"type"`
	ExecutionContextID string                 `json:"execution_context_id"`
	TaskID             string                 `json:"task_id,omitempty"`
	Timestamp          time.Time              `json:"timestamp"`
	Data               map[string]interface{} `json:"data,omitempty"`
}
