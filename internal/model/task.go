package model

import (
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// AllTaskStatuses lists every status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusScheduled,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
}

// Schedulable reports whether a task in this status may be picked up by due
// detection or cancelled.
func (s TaskStatus) Schedulable() bool {
	return s == TaskStatusPending || s == TaskStatusScheduled
}

// Task represents a scheduled unit of work
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Type        string     `json:"type,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    float64    `json:"priority"`
	Schedule    *Schedule  `json:"schedule,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`

	Dependencies  []string `json:"dependencies,omitempty"`
	RetryAttempts int      `json:"retry_attempts"`

	// Delegated work
	Action     string                 `json:"action,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Timeout    time.Duration          `json:"timeout,omitempty"`

	// Outcome of the last execution
	Result        map[string]interface{} `json:"result,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Timing fields
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy of the task that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Schedule = t.Schedule.Clone()
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	c.Parameters = cloneMap(t.Parameters)
	c.Result = cloneMap(t.Result)
	c.Metadata = cloneMap(t.Metadata)
	c.StartedAt = cloneTime(t.StartedAt)
	c.LastExecutedAt = cloneTime(t.LastExecutedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// TaskResult represents the result of a task execution
type TaskResult struct {
	TaskID      string                 `json:"task_id"`
	Success     bool                   `json:"success"`
	Status      TaskStatus             `json:"status,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration"`
	CompletedAt time.Time              `json:"completed_at"`
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
