package model

import "time"

// BatchStatus represents the aggregate status of a task batch
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// BatchFailureCancelled is the failure reason recorded when a batch is cancelled.
const BatchFailureCancelled = "cancelled"

// TaskBatch is a group of tasks created and optionally cancelled together
type TaskBatch struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name,omitempty"`
	Description   string                 `json:"description,omitempty"`
	TaskIDs       []string               `json:"task_ids"`
	Status        BatchStatus            `json:"status"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// Clone returns a copy of the batch that shares no mutable state with b.
func (b *TaskBatch) Clone() *TaskBatch {
	if b == nil {
		return nil
	}
	c := *b
	c.TaskIDs = append([]string(nil), b.TaskIDs...)
	c.Metadata = cloneMap(b.Metadata)
	c.CompletedAt = cloneTime(b.CompletedAt)
	return &c
}
