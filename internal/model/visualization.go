package model

import "time"

// Node statuses reported to visualization sinks
const (
	NodeStatusInProgress = "in_progress"
	NodeStatusCompleted  = "completed"
	NodeStatusError      = "error"
)

// VisualNode describes one task execution for a visualization sink
type VisualNode struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	Type      string                 `json:"type"`
	Label     string                 `json:"label"`
	Status    string                 `json:"status"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// VisualEdge links two nodes, e.g. a dependency and its dependent task
type VisualEdge struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}
