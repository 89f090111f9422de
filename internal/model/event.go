package model

import "time"

// EventType represents the kind of scheduler event
type EventType string

const (
	EventTaskCreated      EventType = "task_created"
	EventTaskUpdated      EventType = "task_updated"
	EventTaskDeleted      EventType = "task_deleted"
	EventTaskStarted      EventType = "task_started"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventTaskCancelled    EventType = "task_cancelled"
	EventTaskRetried      EventType = "task_retried"
	EventBatchCreated     EventType = "batch_created"
	EventBatchFailed      EventType = "batch_failed"
	EventBatchCompleted   EventType = "batch_completed"
	EventSchedulerStarted EventType = "scheduler_started"
	EventSchedulerStopped EventType = "scheduler_stopped"
	EventSchedulerPaused  EventType = "scheduler_paused"
	EventSchedulerResumed EventType = "scheduler_resumed"
)

// SchedulerEvent is an append-only record of a scheduler-level occurrence
type SchedulerEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	TaskID    string                 `json:"task_id,omitempty"`
	BatchID   string                 `json:"batch_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
