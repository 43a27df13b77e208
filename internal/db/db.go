// Package db opens the session manager database: SQLite (file or memory) or
// PostgreSQL through pgx, wrapped in sqlx.
package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/db/dialect"
)

// MemoryPath opens a private in-memory SQLite database.
const MemoryPath = ":memory:"

// Pool pairs the write and read handles. A SQLite file gets a single writer
// and a read-only WAL pool; PostgreSQL and in-memory SQLite share one handle.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
	// optimize runs PRAGMA optimize on close.
	optimize bool
}

// Open builds the pool described by cfg and checks the writer answers.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	var (
		p   *Pool
		err error
	)
	switch cfg.Driver {
	case "", dialect.SQLite3:
		p, err = openSQLite(cfg)
	case dialect.PGX:
		p, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("ping %s database: %w", p.Driver(), err)
	}
	return p, nil
}

// Writer is used for INSERT, UPDATE, DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

func (p *Pool) Ping(ctx context.Context) error {
	return p.writer.PingContext(ctx)
}

func (p *Pool) Driver() string {
	return p.writer.DriverName()
}

// Close releases both handles once.
func (p *Pool) Close() error {
	if p.optimize {
		// Refreshes query planner statistics.
		_, _ = p.writer.Exec("PRAGMA optimize")
	}
	err := p.writer.Close()
	if p.reader != p.writer {
		if rerr := p.reader.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
