package scheduler

import (
	"context"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// TaskRepository persists task snapshots outside the process
type TaskRepository interface {
	// Save stores the current snapshot of a task
	Save(ctx context.Context, task *model.Task) error

	// QueryByStatus returns all persisted tasks in any of the given statuses
	QueryByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error)
}

// TaskDeleter is implemented by repositories that can remove tasks
type TaskDeleter interface {
	Delete(ctx context.Context, id string) error
}

// WorkExecutor performs the delegated work of a task
type WorkExecutor interface {
	Perform(ctx context.Context, action string, parameters map[string]interface{}) (map[string]interface{}, error)
}

// HistoryStore records task executions
type HistoryStore interface {
	Store(ctx context.Context, record *model.ExecutionRecord) error
	Update(ctx context.Context, record *model.ExecutionRecord) error
	List(ctx context.Context, filter model.HistoryFilter, offset, limit int) ([]*model.ExecutionRecord, error)
}

// VisualizationSink observes execution progress. Failures never affect scheduling.
type VisualizationSink interface {
	NodeCreated(ctx context.Context, node model.VisualNode) error
	NodeUpdated(ctx context.Context, node model.VisualNode) error
	EdgeCreated(ctx context.Context, edge model.VisualEdge) error
}

// EventPublisher forwards scheduler events to an external consumer
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.SchedulerEvent) error
}

// ResourceTracker receives usage from executions and answers admission queries
type ResourceTracker interface {
	RecordAPICall()
	RecordTokens(n int)
	Current() model.ResourceUtilization
	WithinLimits() bool
}

// ExecutionLog receives per-task log lines
type ExecutionLog interface {
	Log(taskID, level, message string, data map[string]interface{}) error
}

// BatchSaver is implemented by repositories that also persist batch records
type BatchSaver interface {
	SaveBatch(ctx context.Context, batch *model.TaskBatch) error
}

// BatchLoader is implemented by repositories that can read batch records back
type BatchLoader interface {
	ListBatches(ctx context.Context) ([]*model.TaskBatch, error)
}
