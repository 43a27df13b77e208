package main

import (
	"context"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/persistence"
	"github.com/jcttech/claude-session-manager/internal/persistence/store"
)

func provideStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*store.Store, func() error, error) {
	return persistence.Provide(ctx, cfg.Database, log)
}
