package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// TaskStore is the canonical in-memory index of task snapshots. Callers only
// ever see copies; every mutation goes through Update.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
	now   func() time.Time
}

// NewTaskStore creates an empty task store
func NewTaskStore(now func() time.Time) *TaskStore {
	if now == nil {
		now = time.Now
	}
	return &TaskStore{
		tasks: make(map[string]*model.Task),
		now:   now,
	}
}

// Put inserts or replaces a task snapshot
func (s *TaskStore) Put(task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
}

// PutIfAbsent inserts a task unless one with the same ID already exists
func (s *TaskStore) PutIfAbsent(task *model.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return false
	}
	s.tasks[task.ID] = task.Clone()
	return true
}

// Get returns a copy of the task with the given ID
func (s *TaskStore) Get(id string) (*model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// List returns copies of all tasks ordered by creation time
func (s *TaskStore) List() []*model.Task {
	s.mu.RLock()
	tasks := make([]*model.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Delete removes a task and reports whether it existed
func (s *TaskStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

// Update applies fn to the stored task under the write lock and stamps
// UpdatedAt. If fn returns an error the task is left unchanged. The returned
// task is a copy of the new snapshot.
func (s *TaskStore) Update(id string, fn func(task *model.Task) error) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	s.tasks[id] = next
	return next.Clone(), nil
}

// CountByStatus returns the number of tasks per status
func (s *TaskStore) CountByStatus() map[model.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.TaskStatus]int, len(model.AllTaskStatuses))
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts
}

// Len returns the number of stored tasks
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
