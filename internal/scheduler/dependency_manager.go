package scheduler

import (
	"fmt"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// dependencyGraph returns the adjacency list of task dependencies
func (s *Scheduler) dependencyGraph() map[string][]string {
	graph := make(map[string][]string)
	for _, task := range s.store.List() {
		graph[task.ID] = task.Dependencies
	}
	return graph
}

// dependenciesSatisfied reports whether every dependency of task has
// completed. A dependency missing from the store blocks the task. The check is
// skipped when dependencies are disabled.
func (s *Scheduler) dependenciesSatisfied(task *model.Task) (bool, []string) {
	if !s.cfg.EnableTaskDependencies || len(task.Dependencies) == 0 {
		return true, nil
	}

	var blocking []string
	for _, depID := range task.Dependencies {
		dep, ok := s.store.Get(depID)
		if !ok || !dependencyCompleted(dep) {
			blocking = append(blocking, depID)
		}
	}
	return len(blocking) == 0, blocking
}

// dependencyCompleted reports whether dep counts as done for its dependents.
// An interval task that has completed at least one run counts as done even
// though it is re-armed as scheduled.
func dependencyCompleted(dep *model.Task) bool {
	if dep.Status == model.TaskStatusCompleted {
		return true
	}
	return dep.Status == model.TaskStatusScheduled &&
		dep.Schedule.Kind() == model.ScheduleInterval &&
		dep.CompletedAt != nil
}

// checkCircularDependencies checks if giving taskID the dependencies deps
// would create a cycle in graph
func checkCircularDependencies(taskID string, deps []string, graph map[string][]string) error {
	visited := make(map[string]bool)
	path := make(map[string]bool)

	var visit func(string) error
	visit = func(current string) error {
		if path[current] {
			return fmt.Errorf("%w: task %s", ErrCircularDependency, current)
		}
		if visited[current] {
			return nil
		}

		visited[current] = true
		path[current] = true

		edges := graph[current]
		if current == taskID {
			// The new dependencies replace the stored ones
			edges = deps
		}
		for _, dep := range edges {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path[current] = false
		return nil
	}

	return visit(taskID)
}
