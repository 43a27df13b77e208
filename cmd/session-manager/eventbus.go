package main

import (
	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/events"
	"github.com/jcttech/claude-session-manager/internal/events/bus"
)

const eventSource = "session-manager"

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, *events.Emitter, func(), error) {
	eventBus, cleanup, err := events.Provide(cfg.NATS, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return eventBus, events.NewEmitter(eventBus, eventSource, log), cleanup, nil
}
