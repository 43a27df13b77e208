// Package persistence opens the configured database and the store on top of it.
package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/db"
	"github.com/jcttech/claude-session-manager/internal/db/dialect"
	"github.com/jcttech/claude-session-manager/internal/persistence/store"
)

// Provide opens the database described by cfg and initializes the store. The
// returned cleanup closes the pool.
func Provide(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*store.Store, func() error, error) {
	pool, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	st, err := store.New(ctx, pool)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}

	fields := []zap.Field{zap.String("db_driver", pool.Driver())}
	if !dialect.IsPostgres(pool.Driver()) {
		fields = append(fields, zap.String("db_path", cfg.Path))
	}
	log.Info("Database initialized", fields...)

	return st, pool.Close, nil
}
