package scheduler

import (
	"time"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// Metrics summarizes task counts, execution outcomes and the current resource
// sample
func (s *Scheduler) Metrics() *model.SchedulerMetrics {
	counts := s.store.CountByStatus()
	total := 0
	for _, n := range counts {
		total += n
	}

	s.batches.mu.RLock()
	batches := len(s.batches.batches)
	s.batches.mu.RUnlock()

	executions := s.stats.executions.Load()
	successes := s.stats.successes.Load()

	metrics := &model.SchedulerMetrics{
		TasksByStatus:        counts,
		TotalTasks:           total,
		TotalBatches:         batches,
		TotalExecutions:      executions,
		SuccessfulExecutions: successes,
		FailedExecutions:     s.stats.failures.Load(),
		Dispatched:           s.stats.dispatched.Load(),
		Ticks:                s.stats.ticks.Load(),
		Running:              s.Running(),
		Paused:               s.Paused(),
	}
	if executions > 0 {
		metrics.SuccessRate = float64(successes) / float64(executions)
		metrics.AverageExecutionTime = time.Duration(s.stats.totalNanos.Load() / executions)
	}
	if last := s.stats.lastTick.Load(); last != 0 {
		t := time.Unix(0, last)
		metrics.LastTickAt = &t
	}
	if s.tracker != nil {
		current := s.tracker.Current()
		metrics.Resources = &current
	}
	return metrics
}

// TaskCounts returns the number of running and pending tasks. It lets the
// resource tracker report task load without a dependency on the scheduler.
func (s *Scheduler) TaskCounts() (active, pending int) {
	counts := s.store.CountByStatus()
	return counts[model.TaskStatusRunning], counts[model.TaskStatusPending] + counts[model.TaskStatusScheduled]
}
