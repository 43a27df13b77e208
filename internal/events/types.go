// Package events names the lifecycle subjects published on the bus.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/events/bus"
)

const (
	SessionStarted = "session.started"
	SessionStopped = "session.stopped"

	WorkloadStarted = "workload.started"
	WorkloadStopped = "workload.stopped"

	ApprovalRequested = "approval.requested"
	ApprovalDecided   = "approval.decided"
)

// AllSubjects matches every event above.
const AllSubjects = ">"

// Emitter publishes from one source, logging failures instead of returning them.
type Emitter struct {
	pub    bus.Publisher
	source string
	logger *logger.Logger
}

// NewEmitter returns an Emitter. A nil publisher makes Emit a no-op.
func NewEmitter(pub bus.Publisher, source string, log *logger.Logger) *Emitter {
	return &Emitter{pub: pub, source: source, logger: log}
}

// Emit publishes eventType on the subject of the same name.
func (e *Emitter) Emit(ctx context.Context, eventType string, data map[string]any) {
	if e == nil || e.pub == nil {
		return
	}
	if err := e.pub.Publish(ctx, eventType, bus.NewEvent(eventType, e.source, data)); err != nil {
		e.logger.Warn("Failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// LogSubscriber records every lifecycle event at info level.
func LogSubscriber(b bus.EventBus, log *logger.Logger) (bus.Subscription, error) {
	return b.Subscribe(AllSubjects, func(_ context.Context, ev *bus.Event) error {
		log.Info("Lifecycle event",
			zap.String("event_type", ev.Type),
			zap.String("source", ev.Source),
			zap.Any("data", ev.Data))
		return nil
	})
}
