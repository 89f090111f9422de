package model

import (
	"errors"
	"time"
)

// ScheduleKind identifies which of the two schedule forms a task carries
type ScheduleKind string

const (
	ScheduleNone     ScheduleKind = "none"
	ScheduleAbsolute ScheduleKind = "absolute"
	ScheduleInterval ScheduleKind = "interval"
)

// Schedule describes when a task becomes due. At and Interval are mutually
// exclusive.
type Schedule struct {
	// At is the target time of a one-shot schedule.
	At *time.Time `json:"at,omitempty"`

	// StartAfter delays the first run of an interval schedule, measured from
	// task creation.
	StartAfter time.Duration `json:"start_after,omitempty"`
	Interval   time.Duration `json:"interval,omitempty"`

	// LastExecutionTime is advanced after each successful interval run.
	LastExecutionTime *time.Time `json:"last_execution_time,omitempty"`
}

// Kind returns the schedule form. A nil schedule has kind ScheduleNone.
func (s *Schedule) Kind() ScheduleKind {
	switch {
	case s == nil:
		return ScheduleNone
	case s.At != nil:
		return ScheduleAbsolute
	case s.Interval > 0:
		return ScheduleInterval
	default:
		return ScheduleNone
	}
}

// Validate checks that at most one schedule form is set.
func (s *Schedule) Validate() error {
	if s == nil {
		return nil
	}
	if s.At != nil && (s.Interval != 0 || s.StartAfter != 0) {
		return errors.New("absolute and interval schedules are mutually exclusive")
	}
	if s.Interval < 0 {
		return errors.New("interval must be positive")
	}
	if s.StartAfter < 0 {
		return errors.New("start delay must not be negative")
	}
	if s.StartAfter > 0 && s.Interval == 0 {
		return errors.New("start delay requires an interval")
	}
	return nil
}

// Baseline is the reference point interval arithmetic starts from: the last
// execution when there was one, createdAt+StartAfter otherwise.
func (s *Schedule) Baseline(createdAt time.Time) time.Time {
	if s.LastExecutionTime != nil {
		return *s.LastExecutionTime
	}
	return createdAt.Add(s.StartAfter)
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	c := *s
	c.At = cloneTime(s.At)
	c.LastExecutionTime = cloneTime(s.LastExecutionTime)
	return &c
}
