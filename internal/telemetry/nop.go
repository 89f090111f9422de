package telemetry

import (
	"context"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// NopSink discards everything. Used when no broker is configured.
type NopSink struct{}

func (NopSink) PublishEvent(context.Context, *model.SchedulerEvent) error { return nil }

func (NopSink) NodeCreated(context.Context, model.VisualNode) error { return nil }

func (NopSink) NodeUpdated(context.Context, model.VisualNode) error { return nil }

func (NopSink) EdgeCreated(context.Context, model.VisualEdge) error { return nil }

func (NopSink) PublishAlert(context.Context, *model.Alert) error { return nil }
