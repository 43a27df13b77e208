package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcttech/claude-session-manager/internal/db/dialect"
	"github.com/jcttech/claude-session-manager/internal/session"
)

const sessionColumns = `session_id, channel_id, thread_id, project, project_path, resource, branch,
	workload_name, session_kind, parent_session_id, user_id, worktree_path, plan_mode,
	message_count, compaction_count, created_at, last_activity_at`

// CreateSession inserts or replaces a session row.
func (s *Store) CreateSession(ctx context.Context, r session.Record) error {
	query := `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			workload_name = excluded.workload_name,
			project_path = excluded.project_path,
			worktree_path = excluded.worktree_path,
			plan_mode = excluded.plan_mode,
			last_activity_at = excluded.last_activity_at`
	_, err := s.w().ExecContext(ctx, s.w().Rebind(query),
		r.ID, r.ChannelID, r.ThreadID, r.Project, r.ProjectPath, r.Resource, r.Branch,
		r.WorkloadName, r.Kind, r.ParentID, r.UserID, r.WorktreePath, dialect.BoolToInt(r.PlanMode),
		r.MessageCount, r.CompactionCount, r.CreatedAt.UTC(), r.LastActivityAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.w().ExecContext(ctx, s.w().Rebind(`DELETE FROM sessions WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions returns every persisted session, oldest first.
func (s *Store) ListSessions(ctx context.Context) ([]session.Record, error) {
	var out []session.Record
	if err := s.r().SelectContext(ctx, &out, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// GetSession returns nil, nil when id is unknown.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Record, error) {
	var r session.Record
	err := s.r().GetContext(ctx, &r, s.r().Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &r, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET message_count = message_count + 1, last_activity_at = ? WHERE session_id = ?`
	if _, err := s.w().ExecContext(ctx, s.w().Rebind(query), at.UTC(), id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *Store) RecordCompaction(ctx context.Context, id string) error {
	query := `UPDATE sessions SET compaction_count = compaction_count + 1 WHERE session_id = ?`
	if _, err := s.w().ExecContext(ctx, s.w().Rebind(query), id); err != nil {
		return fmt.Errorf("record compaction: %w", err)
	}
	return nil
}

// GetChannelMapping returns nil, nil when resource has no channel yet.
func (s *Store) GetChannelMapping(ctx context.Context, resource string) (*session.ChannelMapping, error) {
	var m session.ChannelMapping
	query := `SELECT resource, channel_id, channel_name, created_at FROM channel_mappings WHERE resource = ?`
	err := s.r().GetContext(ctx, &m, s.r().Rebind(query), resource)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel mapping: %w", err)
	}
	return &m, nil
}

func (s *Store) CreateChannelMapping(ctx context.Context, m session.ChannelMapping) error {
	query := `INSERT INTO channel_mappings (resource, channel_id, channel_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (resource) DO UPDATE SET channel_id = excluded.channel_id, channel_name = excluded.channel_name`
	if _, err := s.w().ExecContext(ctx, s.w().Rebind(query), m.Resource, m.ChannelID, m.ChannelName, m.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert channel mapping: %w", err)
	}
	return nil
}
