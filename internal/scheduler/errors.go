package scheduler

import "errors"

var (
	// ErrNotInitialized is returned when the scheduler is used before Initialize
	ErrNotInitialized = errors.New("scheduler not initialized")

	// ErrSchedulerDisabled is returned when the scheduler is disabled by configuration
	ErrSchedulerDisabled = errors.New("scheduler disabled")

	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrBatchNotFound is returned when a batch is not found
	ErrBatchNotFound = errors.New("batch not found")

	// ErrTaskRunning is returned when a running task would be modified or deleted
	ErrTaskRunning = errors.New("task is running")

	// ErrInvalidTask is returned when a task definition is incomplete
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidSchedule is returned when a schedule carries both forms or negative durations
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrCircularDependency is returned when a circular dependency is detected
	ErrCircularDependency = errors.New("circular dependency detected")
)

// Task outcome messages. These are reported through model.TaskResult and
// never returned as errors.
const (
	msgTaskNotFound       = "task not found"
	msgAlreadyRunning     = "task is already running"
	msgAlreadyCompleted   = "task is already completed"
	msgCancelled          = "task is cancelled"
	msgDependencies       = "dependencies not completed"
	msgNoAction           = "no action specified"
	msgNoWorkExecutor     = "no work executor configured"
	msgNotFailed          = "task is not in failed state"
	msgRetryLimitExceeded = "retry limit exceeded"
	msgInterrupted        = "interrupted by restart"
)
