package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jcttech/claude-session-manager/internal/workload"
)

type workloadRow struct {
	Resource       string    `db:"resource"`
	Branch         string    `db:"branch"`
	ContainerID    string    `db:"container_id"`
	ContainerName  string    `db:"container_name"`
	Addr           string    `db:"addr"`
	State          string    `db:"state"`
	SessionCount   int       `db:"session_count"`
	LastActivityAt time.Time `db:"last_activity_at"`
	ConfigHash     string    `db:"config_hash"`
}

func (r workloadRow) entry() workload.Entry {
	return workload.Entry{
		Key:            workload.Key{Resource: r.Resource, Branch: r.Branch},
		ID:             r.ContainerID,
		Name:           r.ContainerName,
		Addr:           r.Addr,
		State:          workload.ParseState(r.State),
		SessionCount:   r.SessionCount,
		LastActivityAt: r.LastActivityAt,
		ConfigHash:     r.ConfigHash,
	}
}

// UpsertWorkload writes the full entry, replacing a previous row for the key.
func (s *Store) UpsertWorkload(ctx context.Context, e workload.Entry) error {
	query := `INSERT INTO workloads (resource, branch, container_id, container_name, addr, state, session_count, last_activity_at, config_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource, branch) DO UPDATE SET
			container_id = excluded.container_id,
			container_name = excluded.container_name,
			addr = excluded.addr,
			state = excluded.state,
			session_count = excluded.session_count,
			last_activity_at = excluded.last_activity_at,
			config_hash = excluded.config_hash`
	_, err := s.w().ExecContext(ctx, s.w().Rebind(query),
		e.Key.Resource, e.Key.Branch, e.ID, e.Name, e.Addr, string(e.State), e.SessionCount, e.LastActivityAt.UTC(), e.ConfigHash)
	if err != nil {
		return fmt.Errorf("upsert workload: %w", err)
	}
	return nil
}

func (s *Store) UpdateWorkloadSessions(ctx context.Context, key workload.Key, count int, at time.Time) error {
	query := `UPDATE workloads SET session_count = ?, last_activity_at = ? WHERE resource = ? AND branch = ?`
	if _, err := s.w().ExecContext(ctx, s.w().Rebind(query), count, at.UTC(), key.Resource, key.Branch); err != nil {
		return fmt.Errorf("update workload sessions: %w", err)
	}
	return nil
}

func (s *Store) UpdateWorkloadState(ctx context.Context, key workload.Key, state workload.State) error {
	query := `UPDATE workloads SET state = ? WHERE resource = ? AND branch = ?`
	if _, err := s.w().ExecContext(ctx, s.w().Rebind(query), string(state), key.Resource, key.Branch); err != nil {
		return fmt.Errorf("update workload state: %w", err)
	}
	return nil
}

func (s *Store) ListRunningWorkloads(ctx context.Context) ([]workload.Entry, error) {
	var rows []workloadRow
	query := `SELECT resource, branch, container_id, container_name, addr, state, session_count, last_activity_at, config_hash
		FROM workloads WHERE state = ? ORDER BY resource, branch`
	if err := s.r().SelectContext(ctx, &rows, s.r().Rebind(query), string(workload.StateRunning)); err != nil {
		return nil, fmt.Errorf("list running workloads: %w", err)
	}
	out := make([]workload.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}
