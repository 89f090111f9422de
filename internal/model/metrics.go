package model

import "time"

// SchedulerMetrics is a point-in-time summary of scheduler activity
type SchedulerMetrics struct {
	TasksByStatus        map[TaskStatus]int   `json:"tasks_by_status"`
	TotalTasks           int                  `json:"total_tasks"`
	TotalBatches         int                  `json:"total_batches"`
	TotalExecutions      int64                `json:"total_executions"`
	SuccessfulExecutions int64                `json:"successful_executions"`
	FailedExecutions     int64                `json:"failed_executions"`
	SuccessRate          float64              `json:"success_rate"`
	AverageExecutionTime time.Duration        `json:"average_execution_time"`
	Dispatched           int64                `json:"dispatched"`
	Ticks                int64                `json:"ticks"`
	LastTickAt           *time.Time           `json:"last_tick_at,omitempty"`
	Running              bool                 `json:"running"`
	Paused               bool                 `json:"paused"`
	Resources            *ResourceUtilization `json:"resources,omitempty"`
}
