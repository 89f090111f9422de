package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// recentAlerts is how many alerts the manager keeps for queries
const recentAlerts = 100

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Send(alert *model.Alert) error
}

// AlertPublisher forwards alerts to an external consumer
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *model.Alert) error
}

// AlertManager raises alerts from resource samples and task failures. A
// resource alert stays active until its metric drops back to ok.
type AlertManager struct {
	logger    *zap.Logger
	publisher AlertPublisher
	now       func() time.Time

	mu       sync.RWMutex
	active   map[string]*model.Alert // by metric
	recent   *RingBuffer[*model.Alert]
	channels map[string]NotificationChannel
}

// NewAlertManager creates a new alert manager. publisher may be nil.
func NewAlertManager(logger *zap.Logger, publisher AlertPublisher) *AlertManager {
	return &AlertManager{
		logger:    logger.Named("alert-manager"),
		publisher: publisher,
		now:       time.Now,
		active:    make(map[string]*model.Alert),
		recent:    NewRingBuffer[*model.Alert](recentAlerts),
		channels:  make(map[string]NotificationChannel),
	}
}

// AddChannel registers a notification channel under name
func (m *AlertManager) AddChannel(name string, channel NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// RemoveChannel unregisters a notification channel
func (m *AlertManager) RemoveChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// Observe raises or resolves resource alerts for one sample
func (m *AlertManager) Observe(sample model.ResourceUtilization, statuses []model.LimitStatus) {
	for _, status := range statuses {
		severity, raise := severityFor(status.State)

		m.mu.Lock()
		current, isActive := m.active[status.Metric]
		if !raise {
			if isActive {
				resolved := m.now()
				current.ResolvedAt = &resolved
				delete(m.active, status.Metric)
				m.logger.Info("Alert resolved",
					zap.String("id", current.ID),
					zap.String("metric", status.Metric))
			}
			m.mu.Unlock()
			continue
		}
		if isActive && current.Severity == severity {
			m.mu.Unlock()
			continue
		}
		if isActive {
			resolved := m.now()
			current.ResolvedAt = &resolved
		}
		alert := &model.Alert{
			ID:       uuid.New().String(),
			Type:     model.AlertTypeResourceUsage,
			Severity: severity,
			Metric:   status.Metric,
			Message: fmt.Sprintf("%s at %.2f of limit %.2f (%s)",
				status.Metric, status.Value, status.Limit, status.State),
			Data: map[string]interface{}{
				"value":        status.Value,
				"limit":        status.Limit,
				"active_tasks": sample.ActiveTasks,
			},
			CreatedAt: m.now(),
		}
		m.active[status.Metric] = alert
		m.recent.Push(alert)
		m.mu.Unlock()

		m.dispatch(alert)
	}
}

// PublishEvent raises a task failure alert for failed task events
func (m *AlertManager) PublishEvent(ctx context.Context, event *model.SchedulerEvent) error {
	if event.Type != model.EventTaskFailed {
		return nil
	}

	alert := &model.Alert{
		ID:        uuid.New().String(),
		Type:      model.AlertTypeTaskFailure,
		Severity:  model.AlertSeverityError,
		TaskID:    event.TaskID,
		Message:   fmt.Sprintf("Task %s failed", event.TaskID),
		Data:      event.Details,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.recent.Push(alert)
	m.mu.Unlock()

	m.dispatch(alert)
	return nil
}

// Alerts returns recent alerts, oldest first. With activeOnly set only
// unresolved alerts are returned.
func (m *AlertManager) Alerts(activeOnly bool) []*model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Alert
	m.recent.ForEach(func(alert **model.Alert) bool {
		if activeOnly && (*alert).ResolvedAt != nil {
			return true
		}
		c := **alert
		out = append(out, &c)
		return true
	})
	return out
}

// dispatch publishes the alert and sends it to every channel. Failures are
// logged only.
func (m *AlertManager) dispatch(alert *model.Alert) {
	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))

	if m.publisher != nil {
		if err := m.publisher.PublishAlert(context.Background(), alert); err != nil {
			m.logger.Error("Failed to publish alert",
				zap.String("id", alert.ID),
				zap.Error(err))
		}
	}

	m.mu.RLock()
	channels := make(map[string]NotificationChannel, len(m.channels))
	for name, channel := range m.channels {
		channels[name] = channel
	}
	m.mu.RUnlock()

	for name, channel := range channels {
		if err := channel.Send(alert); err != nil {
			m.logger.Error("Failed to send alert notification",
				zap.String("channel", name),
				zap.String("id", alert.ID),
				zap.Error(err))
		}
	}
}

func severityFor(state model.LimitState) (model.AlertSeverity, bool) {
	switch state {
	case model.LimitStateWarning:
		return model.AlertSeverityWarning, true
	case model.LimitStateExceeded:
		return model.AlertSeverityCritical, true
	default:
		return "", false
	}
}
