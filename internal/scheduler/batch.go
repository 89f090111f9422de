package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// BatchSpec describes a batch of tasks to create together
type BatchSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Tasks       []TaskSpec             `json:"tasks"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// BatchFilter defines the filters for listing batches
type BatchFilter struct {
	Status []model.BatchStatus
	Limit  int
}

type batchManager struct {
	mu      sync.RWMutex
	batches map[string]*model.TaskBatch
}

func newBatchManager() *batchManager {
	return &batchManager{batches: make(map[string]*model.TaskBatch)}
}

// putIfAbsent stores a copy of batch unless one with the same ID exists
func (m *batchManager) putIfAbsent(batch *model.TaskBatch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[batch.ID]; ok {
		return false
	}
	m.batches[batch.ID] = batch.Clone()
	return true
}

// CreateBatch creates every member task and records the batch. Members that
// fail to create are logged and left out; the batch is never rolled back.
func (s *Scheduler) CreateBatch(ctx context.Context, spec BatchSpec) (*model.TaskBatch, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	now := s.now()
	batch := &model.TaskBatch{
		ID:          uuid.New().String(),
		Name:        spec.Name,
		Description: spec.Description,
		Status:      model.BatchStatusPending,
		Metadata:    spec.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for i, taskSpec := range spec.Tasks {
		task, err := s.createTask(ctx, taskSpec, batch.ID)
		if err != nil {
			s.logger.Warn("Failed to create batch member",
				zap.String("batch_id", batch.ID),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		batch.TaskIDs = append(batch.TaskIDs, task.ID)
	}

	s.batches.mu.Lock()
	s.batches.batches[batch.ID] = batch.Clone()
	s.batches.mu.Unlock()

	s.persistBatch(ctx, batch)
	s.logger.Info("Batch created",
		zap.String("batch_id", batch.ID),
		zap.Int("requested", len(spec.Tasks)),
		zap.Int("created", len(batch.TaskIDs)))
	s.recordEvent(model.EventBatchCreated, "", batch.ID, map[string]interface{}{
		"name":       batch.Name,
		"task_count": len(batch.TaskIDs),
	})
	return batch, nil
}

// GetBatch returns a snapshot of the batch with the given ID
func (s *Scheduler) GetBatch(id string) (*model.TaskBatch, error) {
	s.batches.mu.RLock()
	defer s.batches.mu.RUnlock()
	batch, ok := s.batches.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return batch.Clone(), nil
}

// ListBatches returns batches matching filter, oldest first
func (s *Scheduler) ListBatches(filter BatchFilter) []*model.TaskBatch {
	s.batches.mu.RLock()
	var batches []*model.TaskBatch
	for _, batch := range s.batches.batches {
		if filter.matches(batch) {
			batches = append(batches, batch.Clone())
		}
	}
	s.batches.mu.RUnlock()

	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].ID < batches[j].ID
		}
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})
	if filter.Limit > 0 && len(batches) > filter.Limit {
		batches = batches[:filter.Limit]
	}
	return batches
}

func (f BatchFilter) matches(batch *model.TaskBatch) bool {
	if len(f.Status) == 0 {
		return true
	}
	for _, status := range f.Status {
		if batch.Status == status {
			return true
		}
	}
	return false
}

// CancelBatch cancels every member that can still be cancelled and marks the
// batch failed with reason cancelled
func (s *Scheduler) CancelBatch(ctx context.Context, id string) (*model.TaskBatch, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	batch, err := s.GetBatch(id)
	if err != nil {
		return nil, err
	}

	cancelled := 0
	for _, taskID := range batch.TaskIDs {
		if _, ok := s.cancel(ctx, taskID); ok {
			cancelled++
		}
	}

	now := s.now()
	s.batches.mu.Lock()
	stored, ok := s.batches.batches[id]
	if !ok {
		s.batches.mu.Unlock()
		return nil, ErrBatchNotFound
	}
	stored.Status = model.BatchStatusFailed
	stored.FailureReason = model.BatchFailureCancelled
	stored.UpdatedAt = now
	batch = stored.Clone()
	s.batches.mu.Unlock()

	s.persistBatch(ctx, batch)
	s.logger.Info("Batch cancelled",
		zap.String("batch_id", id),
		zap.Int("cancelled_tasks", cancelled))
	s.recordEvent(model.EventBatchFailed, "", id, map[string]interface{}{
		"reason":          model.BatchFailureCancelled,
		"cancelled_tasks": cancelled,
	})
	return batch, nil
}

// refreshBatch recomputes the aggregate status of a batch from its members.
// A cancelled batch keeps its failed status.
func (s *Scheduler) refreshBatch(id string) {
	s.batches.mu.RLock()
	batch, ok := s.batches.batches[id]
	if !ok {
		s.batches.mu.RUnlock()
		return
	}
	taskIDs := append([]string(nil), batch.TaskIDs...)
	s.batches.mu.RUnlock()

	members := make([]*model.Task, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		if task, ok := s.store.Get(taskID); ok {
			members = append(members, task)
		}
	}
	status := aggregateStatus(members)

	now := s.now()
	s.batches.mu.Lock()
	batch, ok = s.batches.batches[id]
	if !ok || batch.FailureReason == model.BatchFailureCancelled || batch.Status == status {
		s.batches.mu.Unlock()
		return
	}
	batch.Status = status
	batch.UpdatedAt = now
	if status == model.BatchStatusCompleted || status == model.BatchStatusFailed {
		batch.CompletedAt = &now
	}
	snapshot := batch.Clone()
	s.batches.mu.Unlock()

	s.persistBatch(context.Background(), snapshot)
	switch status {
	case model.BatchStatusCompleted:
		s.recordEvent(model.EventBatchCompleted, "", id, nil)
	case model.BatchStatusFailed:
		s.recordEvent(model.EventBatchFailed, "", id, map[string]interface{}{"reason": "member tasks failed"})
	}
}

// aggregateStatus derives a batch status from its member tasks
func aggregateStatus(members []*model.Task) model.BatchStatus {
	if len(members) == 0 {
		return model.BatchStatusPending
	}

	var running, completed, finished int
	for _, task := range members {
		switch {
		case task.Status == model.TaskStatusRunning:
			running++
		case dependencyCompleted(task):
			completed++
			finished++
		case task.Status == model.TaskStatusFailed || task.Status == model.TaskStatusCancelled:
			finished++
		}
	}

	switch {
	case running > 0:
		return model.BatchStatusRunning
	case completed == len(members):
		return model.BatchStatusCompleted
	case finished == len(members):
		return model.BatchStatusFailed
	case finished > 0:
		return model.BatchStatusRunning
	default:
		return model.BatchStatusPending
	}
}

func (s *Scheduler) persistBatch(ctx context.Context, batch *model.TaskBatch) {
	saver, ok := s.repo.(BatchSaver)
	if !ok {
		return
	}
	if err := saver.SaveBatch(ctx, batch); err != nil {
		s.logger.Warn("Failed to persist batch",
			zap.String("batch_id", batch.ID),
			zap.Error(err))
	}
}
