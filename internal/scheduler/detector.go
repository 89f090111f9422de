package scheduler

import (
	"time"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// dueReason explains a due-detection decision for debug logging
type dueReason string

const (
	reasonDue          dueReason = "due"
	reasonNotEligible  dueReason = "status not eligible"
	reasonNotYet       dueReason = "not yet due"
	reasonNoScheduling dueReason = "no recognized scheduling method"
)

// isDue decides whether a single task must run at now. It has no side effects.
func isDue(task *model.Task, now time.Time) (bool, dueReason) {
	if !task.Status.Schedulable() {
		return false, reasonNotEligible
	}

	switch task.Schedule.Kind() {
	case model.ScheduleAbsolute:
		if !now.Before(*task.Schedule.At) {
			return true, reasonDue
		}
		return false, reasonNotYet
	case model.ScheduleInterval:
		baseline := task.Schedule.Baseline(task.CreatedAt)
		if !now.Before(baseline.Add(task.Schedule.Interval)) {
			return true, reasonDue
		}
		return false, reasonNotYet
	default:
		return false, reasonNoScheduling
	}
}

// dueTasks filters tasks down to those due at now, keeping input order.
// skipped, when set, sees every task that is not due and why.
// This is a linear scan over every task on each call.
func dueTasks(tasks []*model.Task, now time.Time, skipped func(*model.Task, dueReason)) []*model.Task {
	var due []*model.Task
	for _, task := range tasks {
		ok, reason := isDue(task, now)
		if ok {
			due = append(due, task)
			continue
		}
		if skipped != nil {
			skipped(task, reason)
		}
	}
	return due
}
