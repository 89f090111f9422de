package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// tokensUsedKey is the result key a work executor uses to report token usage
const tokensUsedKey = "tokens_used"

// errNotExecutable aborts the running transition with an outcome message
type errNotExecutable struct{ msg string }

func (e errNotExecutable) Error() string { return e.msg }

// Execute drives a single task through the running state. Operational
// problems are returned as errors; everything about the task itself is
// reported through the result.
func (s *Scheduler) Execute(ctx context.Context, id string) (*model.TaskResult, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.execute(ctx, id), nil
}

func (s *Scheduler) execute(ctx context.Context, id string) *model.TaskResult {
	task, ok := s.store.Get(id)
	if !ok {
		return s.failure(id, msgTaskNotFound, 0)
	}
	if msg := notExecutable(task.Status); msg != "" {
		return s.failure(id, msg, 0)
	}

	if ok, blocking := s.dependenciesSatisfied(task); !ok {
		s.logger.Info("Task dependencies not completed",
			zap.String("task_id", id),
			zap.Strings("blocking", blocking))
		return s.failure(id, msgDependencies, 0)
	}

	startedAt := s.now()
	task, err := s.store.Update(id, func(task *model.Task) error {
		// Re-checked under the store lock so two callers cannot both start it
		if msg := notExecutable(task.Status); msg != "" {
			return errNotExecutable{msg: msg}
		}
		task.Status = model.TaskStatusRunning
		task.StartedAt = &startedAt
		task.LastExecutedAt = &startedAt
		return nil
	})
	if err != nil {
		var ne errNotExecutable
		if errors.As(err, &ne) {
			return s.failure(id, ne.msg, 0)
		}
		return s.failure(id, msgTaskNotFound, 0)
	}

	s.logger.Info("Executing task",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title),
		zap.String("action", task.Action))
	s.persist(ctx, task)
	s.recordEvent(model.EventTaskStarted, task.ID, task.BatchID, map[string]interface{}{
		"action": task.Action,
	})
	s.writeLog(task.ID, "info", "task started", map[string]interface{}{"action": task.Action})

	nodeID := uuid.New().String()
	s.visualizeStart(ctx, task, nodeID)

	record := &model.ExecutionRecord{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		Title:      task.Title,
		Action:     task.Action,
		Status:     model.TaskStatusRunning,
		Parameters: task.Parameters,
		StartedAt:  startedAt,
	}
	if s.history != nil {
		if err := s.history.Store(ctx, record); err != nil {
			s.logger.Error("Failed to store task history",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	begin := time.Now()
	output, workErr := s.delegate(ctx, task)
	duration := time.Since(begin)

	result := s.finish(ctx, task, output, workErr, duration)

	s.visualizeFinish(ctx, task, nodeID, result)

	if s.history != nil {
		completedAt := result.CompletedAt
		record.Status = result.Status
		record.Result = result.Result
		record.Error = result.Error
		record.CompletedAt = &completedAt
		record.Duration = duration
		if err := s.history.Update(ctx, record); err != nil {
			s.logger.Error("Failed to update task history",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	if task.BatchID != "" {
		s.refreshBatch(task.BatchID)
	}
	return result
}

// notExecutable returns the outcome message for a status that forbids execution
func notExecutable(status model.TaskStatus) string {
	switch status {
	case model.TaskStatusRunning:
		return msgAlreadyRunning
	case model.TaskStatusCompleted:
		return msgAlreadyCompleted
	case model.TaskStatusCancelled:
		return msgCancelled
	default:
		return ""
	}
}

// delegate hands the task's action to the work executor, bounded by the task
// timeout or the configured default
func (s *Scheduler) delegate(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	if task.Action == "" {
		return nil, errors.New(msgNoAction)
	}
	if s.work == nil {
		return nil, errors.New(msgNoWorkExecutor)
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if s.tracker != nil {
		s.tracker.RecordAPICall()
	}

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		result, err := s.work.Perform(ctx, task.Action, task.Parameters)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(timeout)
		}
		if s.tracker != nil {
			if tokens, ok := tokenCount(out.result[tokensUsedKey]); ok {
				s.tracker.RecordTokens(tokens)
			}
		}
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(timeout)
		}
		return nil, ctx.Err()
	}
}

func timeoutError(timeout time.Duration) error {
	return fmt.Errorf("task timed out after %s", timeout)
}

// finish records the outcome of delegated work on the stored task
func (s *Scheduler) finish(ctx context.Context, task *model.Task, output map[string]interface{}, workErr error, duration time.Duration) *model.TaskResult {
	now := s.now()
	s.stats.executions.Add(1)
	s.stats.totalNanos.Add(int64(duration))

	updated, err := s.store.Update(task.ID, func(t *model.Task) error {
		t.ExecutionTime = duration
		if workErr != nil {
			t.Status = model.TaskStatusFailed
			t.RetryAttempts++
			t.LastError = workErr.Error()
			return nil
		}

		t.Result = output
		t.LastError = ""
		t.CompletedAt = &now
		t.Status = model.TaskStatusCompleted
		if t.Schedule.Kind() == model.ScheduleInterval {
			// The run becomes the new baseline and the task stays armed
			t.Schedule.LastExecutionTime = &now
			t.Status = model.TaskStatusScheduled
		}
		return nil
	})
	if err != nil {
		// Deleted while running; report what happened without a store entry
		s.logger.Warn("Task vanished during execution", zap.String("task_id", task.ID))
		updated = task
	} else {
		s.persist(ctx, updated)
	}

	if workErr != nil {
		s.stats.failures.Add(1)
		s.logger.Warn("Task failed",
			zap.String("task_id", task.ID),
			zap.Int("retry_attempts", updated.RetryAttempts),
			zap.Duration("duration", duration),
			zap.Error(workErr))
		s.recordEvent(model.EventTaskFailed, task.ID, task.BatchID, map[string]interface{}{
			"error":    workErr.Error(),
			"duration": duration.String(),
		})
		s.writeLog(task.ID, "error", "task failed", map[string]interface{}{"error": workErr.Error()})

		return &model.TaskResult{
			TaskID:      task.ID,
			Success:     false,
			Status:      model.TaskStatusFailed,
			Error:       workErr.Error(),
			Duration:    duration,
			CompletedAt: now,
		}
	}

	s.stats.successes.Add(1)
	s.logger.Info("Task completed",
		zap.String("task_id", task.ID),
		zap.String("status", string(updated.Status)),
		zap.Duration("duration", duration))
	s.recordEvent(model.EventTaskCompleted, task.ID, task.BatchID, map[string]interface{}{
		"duration": duration.String(),
	})
	s.writeLog(task.ID, "info", "task completed", map[string]interface{}{"duration": duration.String()})

	return &model.TaskResult{
		TaskID:      task.ID,
		Success:     true,
		Status:      updated.Status,
		Result:      output,
		Duration:    duration,
		CompletedAt: now,
	}
}

// Retry re-executes a failed task unless it has used up its attempts
func (s *Scheduler) Retry(ctx context.Context, id string) (*model.TaskResult, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	task, err := s.store.Update(id, func(task *model.Task) error {
		if task.Status != model.TaskStatusFailed {
			return errNotExecutable{msg: msgNotFailed}
		}
		if task.RetryAttempts >= s.cfg.MaxRetryAttempts {
			return errNotExecutable{msg: msgRetryLimitExceeded}
		}
		task.Status = model.TaskStatusPending
		return nil
	})
	if err != nil {
		var ne errNotExecutable
		if errors.As(err, &ne) {
			return s.failure(id, ne.msg, 0), nil
		}
		return s.failure(id, msgTaskNotFound, 0), nil
	}

	s.logger.Info("Retrying task",
		zap.String("task_id", id),
		zap.Int("attempt", task.RetryAttempts+1),
		zap.Int("max_attempts", s.cfg.MaxRetryAttempts))
	s.recordEvent(model.EventTaskRetried, id, task.BatchID, map[string]interface{}{
		"retry_attempts": task.RetryAttempts,
	})
	return s.execute(ctx, id), nil
}

// Cancel moves a pending or scheduled task to cancelled. It returns false,
// with no change, for any other status or an unknown task.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	if err := s.checkReady(); err != nil {
		return false, err
	}
	task, ok := s.cancel(ctx, id)
	if ok && task.BatchID != "" {
		s.refreshBatch(task.BatchID)
	}
	return ok, nil
}

func (s *Scheduler) cancel(ctx context.Context, id string) (*model.Task, bool) {
	task, err := s.store.Update(id, func(task *model.Task) error {
		if !task.Status.Schedulable() {
			return errNotExecutable{msg: string(task.Status)}
		}
		task.Status = model.TaskStatusCancelled
		return nil
	})
	if err != nil {
		return nil, false
	}

	s.persist(ctx, task)
	s.logger.Info("Task cancelled", zap.String("task_id", id))
	s.recordEvent(model.EventTaskCancelled, id, task.BatchID, nil)
	return task, true
}

func (s *Scheduler) failure(id, msg string, duration time.Duration) *model.TaskResult {
	return &model.TaskResult{
		TaskID:      id,
		Success:     false,
		Error:       msg,
		Duration:    duration,
		CompletedAt: s.now(),
	}
}

func (s *Scheduler) writeLog(taskID, level, message string, data map[string]interface{}) {
	if s.execLog == nil {
		return
	}
	if err := s.execLog.Log(taskID, level, message, data); err != nil {
		s.logger.Debug("Failed to write execution log",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func (s *Scheduler) visualizeStart(ctx context.Context, task *model.Task, nodeID string) {
	if s.viz == nil {
		return
	}
	node := model.VisualNode{
		ID:     nodeID,
		TaskID: task.ID,
		Type:   "task",
		Label:  task.Title,
		Status: model.NodeStatusInProgress,
		Data: map[string]interface{}{
			"action":   task.Action,
			"priority": task.Priority,
		},
		Timestamp: s.now(),
	}
	if err := s.viz.NodeCreated(ctx, node); err != nil {
		s.logger.Debug("Failed to emit visualization node", zap.String("task_id", task.ID), zap.Error(err))
	}
	for _, depID := range task.Dependencies {
		edge := model.VisualEdge{From: depID, To: task.ID, Type: "depends_on", Timestamp: s.now()}
		if err := s.viz.EdgeCreated(ctx, edge); err != nil {
			s.logger.Debug("Failed to emit visualization edge", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) visualizeFinish(ctx context.Context, task *model.Task, nodeID string, result *model.TaskResult) {
	if s.viz == nil {
		return
	}
	status := model.NodeStatusCompleted
	data := map[string]interface{}{"duration": result.Duration.String()}
	if !result.Success {
		status = model.NodeStatusError
		data["error"] = result.Error
	}
	node := model.VisualNode{
		ID:        nodeID,
		TaskID:    task.ID,
		Type:      "task",
		Label:     task.Title,
		Status:    status,
		Data:      data,
		Timestamp: s.now(),
	}
	if err := s.viz.NodeUpdated(ctx, node); err != nil {
		s.logger.Debug("Failed to update visualization node", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// tokenCount converts a reported token count from the loosely typed result map
func tokenCount(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
