package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

const (
	streamName = "SCHEDULER"

	eventSubjectPrefix = "scheduler.event."
	nodeCreatedSubject = "scheduler.viz.node.created"
	nodeUpdatedSubject = "scheduler.viz.node.updated"
	edgeCreatedSubject = "scheduler.viz.edge.created"
	alertSubjectPrefix = "scheduler.alert."

	// EventSubjects matches every scheduler event subject
	EventSubjects = eventSubjectPrefix + "*"
	// AlertSubjects matches every alert subject
	AlertSubjects = alertSubjectPrefix + "*"

	streamMaxAge  = 24 * time.Hour
	streamMaxMsgs = -1
)

// NATSSink publishes scheduler events, visualization updates and alerts to a
// JetStream stream
type NATSSink struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSSink creates the sink and ensures its stream exists
func NewNATSSink(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) (*NATSSink, error) {
	sink := &NATSSink{
		js:     js,
		logger: logger.Named("nats-sink"),
	}

	if err := sink.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return sink, nil
}

func (s *NATSSink) setupStream(ctx context.Context) error {
	var opts []nats.JSOpt
	if _, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Context(ctx))
	}

	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{"scheduler.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	}, opts...)

	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			s.logger.Info("Stream already exists", zap.String("stream", streamName))
			return nil
		}
		return err
	}

	s.logger.Info("Stream created successfully", zap.String("stream", streamName))
	return nil
}

func (s *NATSSink) publish(ctx context.Context, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	// Without a deadline the JetStream context's MaxWait bounds the publish
	var opts []nats.PubOpt
	if _, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Context(ctx))
	}

	if _, err := s.js.Publish(subject, data, opts...); err != nil {
		s.logger.Error("Failed to publish message",
			zap.String("subject", subject),
			zap.Error(err))
		return err
	}
	return nil
}

// PublishEvent implements scheduler.EventPublisher
func (s *NATSSink) PublishEvent(ctx context.Context, event *model.SchedulerEvent) error {
	return s.publish(ctx, eventSubjectPrefix+string(event.Type), event)
}

// NodeCreated implements scheduler.VisualizationSink
func (s *NATSSink) NodeCreated(ctx context.Context, node model.VisualNode) error {
	return s.publish(ctx, nodeCreatedSubject, node)
}

// NodeUpdated implements scheduler.VisualizationSink
func (s *NATSSink) NodeUpdated(ctx context.Context, node model.VisualNode) error {
	return s.publish(ctx, nodeUpdatedSubject, node)
}

// EdgeCreated implements scheduler.VisualizationSink
func (s *NATSSink) EdgeCreated(ctx context.Context, edge model.VisualEdge) error {
	return s.publish(ctx, edgeCreatedSubject, edge)
}

// PublishAlert implements monitor.AlertPublisher
func (s *NATSSink) PublishAlert(ctx context.Context, alert *model.Alert) error {
	return s.publish(ctx, alertSubjectPrefix+string(alert.Severity), alert)
}

// SubscribeEvents delivers published scheduler events to handler until ctx is
// done
func (s *NATSSink) SubscribeEvents(ctx context.Context, handler func(*model.SchedulerEvent)) error {
	sub, err := s.js.Subscribe(EventSubjects, func(msg *nats.Msg) {
		var event model.SchedulerEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Failed to unmarshal event", zap.Error(err))
			msg.Term()
			return
		}

		handler(&event)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
