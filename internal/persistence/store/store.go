// Package store persists sessions, workloads, channel mappings, pending
// network requests and the approval audit log through sqlx on SQLite or
// PostgreSQL.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jcttech/claude-session-manager/internal/approval"
	"github.com/jcttech/claude-session-manager/internal/db"
	"github.com/jcttech/claude-session-manager/internal/db/dialect"
	"github.com/jcttech/claude-session-manager/internal/session"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

// Store implements the session, workload and approval stores on one pool.
type Store struct {
	pool   *db.Pool
	driver string
}

var (
	_ session.Store  = (*Store)(nil)
	_ workload.Store = (*Store)(nil)
	_ approval.Store = (*Store)(nil)
)

// New creates the schema if needed and returns the store.
func New(ctx context.Context, pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool, driver: pool.Driver()}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) w() *sqlx.DB { return s.pool.Writer() }
func (s *Store) r() *sqlx.DB { return s.pool.Reader() }

func (s *Store) initSchema(ctx context.Context) error {
	ts := dialect.Timestamp(s.driver)
	flag := dialect.Bool(s.driver)
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			workload_name TEXT NOT NULL DEFAULT '',
			session_kind TEXT NOT NULL DEFAULT 'standard',
			parent_session_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			worktree_path TEXT NOT NULL DEFAULT '',
			plan_mode ` + flag + ` NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			compaction_count INTEGER NOT NULL DEFAULT 0,
			created_at ` + ts + ` NOT NULL,
			last_activity_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_thread ON sessions (channel_id, thread_id)`,
		`CREATE TABLE IF NOT EXISTS workloads (
			resource TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL,
			container_name TEXT NOT NULL,
			addr TEXT NOT NULL,
			state TEXT NOT NULL,
			session_count INTEGER NOT NULL DEFAULT 0,
			last_activity_at ` + ts + ` NOT NULL,
			config_hash TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (resource, branch)
		)`,
		`CREATE TABLE IF NOT EXISTS channel_mappings (
			resource TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			channel_name TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_requests (
			request_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			post_id TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_domain_session ON pending_requests (domain, session_id)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id ` + dialect.SerialPK(s.driver) + `,
			request_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			action TEXT NOT NULL,
			approved_by TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.w().ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
