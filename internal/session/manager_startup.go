package session

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/repo"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

// Recover rebuilds sessions persisted by a previous run. The workload
// registry must already be restored, since recovered sessions keep the
// attachment counted there. Records that cannot be recovered are deleted and
// their attachment, if the workload survived, is released.
// It returns the number of sessions recovered.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	records, err := m.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	recovered := 0
	for _, r := range records {
		log := m.logger.WithFields(zap.String("session_id", r.ID), zap.String("resource", r.Resource))
		if err := m.recoverOne(ctx, r); err != nil {
			log.Warn("Dropping unrecoverable session", zap.Error(err))
			if err := m.store.DeleteSession(ctx, r.ID); err != nil {
				log.Warn("Failed to delete session from store", zap.Error(err))
			}
			key := r.workloadKey()
			if _, ok := m.workloads.Get(key); ok {
				remaining := m.workloads.Release(ctx, key)
				log.Debug("Released attachment of dropped session", zap.Int("session_count", remaining))
			}
			continue
		}
		recovered++
	}
	m.logger.Info("Sessions recovered", zap.Int("recovered", recovered), zap.Int("persisted", len(records)))
	return recovered, nil
}

func (m *Manager) recoverOne(ctx context.Context, r Record) error {
	ref, err := repo.ParseRef(r.Resource, "")
	if err != nil {
		return fmt.Errorf("parse resource: %w", err)
	}
	ref.Branch = r.Branch

	key := r.workloadKey()
	entry, ok := m.workloads.Get(key)
	if !ok || entry.State != workload.StateRunning {
		return fmt.Errorf("workload %s is not running", key)
	}

	s := &Session{
		ID:          r.ID,
		ChannelID:   r.ChannelID,
		ThreadID:    r.ThreadID,
		Ref:         ref,
		Project:     r.Project,
		ProjectPath: r.ProjectPath,
		Workload:    key,
		WorkloadID:  entry.ID,
		Kind:        ParseKind(r.Kind),
		ParentID:    r.ParentID,
		UserID:      r.UserID,
		CreatedAt:   r.CreatedAt,
	}
	s.workloadName = entry.Name
	s.lastActivity = r.LastActivityAt
	s.messageCount = r.MessageCount
	s.compactionCount = r.CompactionCount
	s.planMode = r.PlanMode

	if r.WorktreePath != "" {
		s.Worktree = &repo.Worktree{
			RepoPath: m.git.RepoPath(ref),
			Path:     r.WorktreePath,
			Name:     path.Base(r.WorktreePath),
		}
	} else if holder, ok := m.locker.TryAcquire(ref.FullName(), s.ID); !ok {
		return fmt.Errorf("%w: %s held by %s", ErrResourceBusy, ref.FullName(), holder)
	}

	// The remote conversation did not survive the restart; the next message
	// opens a fresh one.
	w, err := m.dial(entry.Addr)
	if err != nil {
		m.locker.ReleaseBySession(s.ID)
		return fmt.Errorf("connect to worker %s: %w", entry.Addr, err)
	}
	s.worker = w

	m.prepare(s)
	s.activate()
	m.add(s)
	m.tracker.Register(s.ID, s.ChannelID, s.ThreadID)
	m.metrics.ActiveSessions.Inc()
	m.spawn(s)
	m.postInThread(ctx, s, "Session manager restarted. This session was recovered; the next message starts a fresh conversation.")
	return nil
}
