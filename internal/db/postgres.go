package db

import (
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/db/dialect"
)

const (
	defaultMaxConns   = 10
	defaultMinConns   = 2
	pgConnMaxIdleTime = 5 * time.Minute
	pgConnMaxLifetime = time.Hour
)

func openPostgres(cfg config.DatabaseConfig) (*Pool, error) {
	x, err := sqlx.Open(dialect.PGX, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	maxConns, minConns := cfg.MaxConns, cfg.MinConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if minConns <= 0 || minConns > maxConns {
		minConns = min(defaultMinConns, maxConns)
	}
	x.SetMaxOpenConns(maxConns)
	x.SetMaxIdleConns(minConns)
	x.SetConnMaxIdleTime(pgConnMaxIdleTime)
	x.SetConnMaxLifetime(pgConnMaxLifetime)

	return &Pool{writer: x, reader: x}, nil
}
