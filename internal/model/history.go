package model

import "time"

// ExecutionRecord is a historical record of one task execution
type ExecutionRecord struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"task_id"`
	Title       string                 `json:"title"`
	Action      string                 `json:"action,omitempty"`
	Status      TaskStatus             `json:"status"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Duration    time.Duration          `json:"duration,omitempty"`
}

// HistoryFilter narrows execution history queries. Zero fields match everything.
type HistoryFilter struct {
	TaskID string     `json:"task_id,omitempty"`
	Action string     `json:"action,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
}
