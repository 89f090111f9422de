package scheduler

import (
	"sync"
	"time"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// EventFilter narrows event queries. Zero fields match everything.
type EventFilter struct {
	Types   []model.EventType
	TaskID  string
	BatchID string
	Since   time.Time
	Limit   int // most recent N matches; 0 means all
}

// EventLog is a bounded append-only record of scheduler events. When full,
// the oldest entries are dropped.
type EventLog struct {
	mu       sync.RWMutex
	capacity int
	events   []*model.SchedulerEvent
}

// NewEventLog creates an event log holding at most capacity events
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &EventLog{capacity: capacity}
}

// Append records an event, evicting the oldest if the log is full
func (l *EventLog) Append(event *model.SchedulerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
	if over := len(l.events) - l.capacity; over > 0 {
		// Copy down so the backing array does not grow without bound.
		n := copy(l.events, l.events[over:])
		for i := n; i < len(l.events); i++ {
			l.events[i] = nil
		}
		l.events = l.events[:n]
	}
}

// List returns matching events, oldest first
func (l *EventLog) List(filter EventFilter) []*model.SchedulerEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*model.SchedulerEvent
	for _, event := range l.events {
		if filter.matches(event) {
			c := *event
			out = append(out, &c)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Len returns the number of retained events
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func (f EventFilter) matches(event *model.SchedulerEvent) bool {
	if len(f.Types) > 0 {
		typeMatch := false
		for _, t := range f.Types {
			if event.Type == t {
				typeMatch = true
				break
			}
		}
		if !typeMatch {
			return false
		}
	}
	if f.TaskID != "" && event.TaskID != f.TaskID {
		return false
	}
	if f.BatchID != "" && event.BatchID != f.BatchID {
		return false
	}
	if !f.Since.IsZero() && event.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
