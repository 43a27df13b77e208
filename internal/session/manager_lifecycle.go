package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/appctx"
	"github.com/jcttech/claude-session-manager/internal/common/constants"
	"github.com/jcttech/claude-session-manager/internal/common/stringutil"
	"github.com/jcttech/claude-session-manager/internal/events"
	"github.com/jcttech/claude-session-manager/internal/repo"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

const (
	inboxSize  = 32
	outboxSize = 100
)

var errShuttingDown = errors.New("session manager is shutting down")

// CreateRequest describes a new session.
type CreateRequest struct {
	ChannelID string
	// Project is the reference as the user typed it.
	Project  string
	Ref      repo.Ref
	Kind     Kind
	Worktree bool
	PlanMode bool
	UserID   string
	ParentID string
}

// rollback runs undo steps in reverse on a detached context.
type rollback struct {
	steps []func(ctx context.Context)
}

func (r *rollback) add(step func(ctx context.Context)) {
	r.steps = append(r.steps, step)
}

func (r *rollback) run(parent context.Context) {
	ctx, cancel := appctx.Detached(parent, nil, constants.CleanupTimeout)
	defer cancel()
	for i := len(r.steps) - 1; i >= 0; i-- {
		r.steps[i](ctx)
	}
}

// Create starts a session: resource lock or worktree, workload attach, thread,
// tasks, liveness and persistence. Any failure undoes the completed steps.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if m.isClosing() {
		return nil, errShuttingDown
	}
	if req.Kind == "" {
		req.Kind = KindStandard
	}
	if req.Project == "" {
		req.Project = req.Ref.String()
	}

	now := m.now()
	s := &Session{
		ID:        uuid.New().String(),
		ChannelID: req.ChannelID,
		Ref:       req.Ref,
		Project:   req.Project,
		Workload:  workload.Key{Resource: req.Ref.FullName(), Branch: req.Ref.Branch},
		Kind:      req.Kind,
		ParentID:  req.ParentID,
		UserID:    req.UserID,
		CreatedAt: now,
	}
	s.lastActivity = now
	s.planMode = req.PlanMode
	log := m.logger.WithFields(zap.String("session_id", s.ID), zap.String("project", req.Ref.String()))

	var undo rollback
	fail := func(err error) (*Session, error) {
		undo.run(ctx)
		log.Warn("Session start failed", zap.Error(err))
		return nil, err
	}

	if err := m.prepareCheckout(ctx, s, req.Worktree, &undo); err != nil {
		return fail(err)
	}

	threadID, err := m.chat.Post(ctx, req.ChannelID, s.Kind.Label(req.Ref.FullName()))
	if err != nil {
		return fail(fmt.Errorf("post thread root: %w", err))
	}
	s.ThreadID = threadID
	m.postInThread(ctx, s, "Starting session...")

	launch := m.opts.Launch
	launch.ProjectPath = s.ProjectPath
	h, err := m.workloads.LookupOrStart(ctx, s.Workload, launch)
	if err != nil {
		return fail(err)
	}
	undo.add(func(ctx context.Context) { m.workloads.Release(ctx, s.Workload) })
	s.WorkloadID = h.ID
	s.workloadName = h.Name

	w, err := m.dial(h.Addr)
	if err != nil {
		return fail(fmt.Errorf("connect to worker %s: %w", h.Addr, err))
	}
	undo.add(func(context.Context) { _ = w.Close() })
	s.worker = w

	m.prepare(s)
	undo.add(func(context.Context) { s.cancel() })
	m.add(s)
	undo.add(func(context.Context) { m.remove(s) })

	if m.store != nil {
		if err := m.store.CreateSession(ctx, s.record()); err != nil {
			return fail(fmt.Errorf("persist session: %w", err))
		}
	}

	m.tracker.Register(s.ID, s.ChannelID, s.ThreadID)
	m.metrics.SessionsStarted.Inc()
	m.metrics.ActiveSessions.Inc()
	m.metrics.SessionStartDuration.Observe(m.now().Sub(now).Seconds())
	m.spawn(s)

	if h.Reused && h.SessionCount > 1 {
		log.Warn("Same-branch concurrent session started", zap.Int("session_count", h.SessionCount))
		m.postInThread(ctx, s, fmt.Sprintf(
			"Warning: Another session is already active on `%s`. Concurrent file writes on the same branch may cause conflicts. Consider using `--worktree` for branch isolation.",
			s.Workload))
	}
	if h.ConfigChanged {
		m.postInThread(ctx, s,
			":warning: The devcontainer configuration changed since this container started. Use `stop --container` to rebuild it.")
	}
	ready := fmt.Sprintf("Ready. Container: `%s`", h.Name)
	if h.Reused {
		ready += " (reused)"
	}
	m.postInThread(ctx, s, ready)
	m.followThread(ctx, s)

	m.emitter.Emit(ctx, events.SessionStarted, map[string]any{
		"session_id": s.ID, "kind": string(s.Kind), "project": req.Ref.String(),
		"workload": h.Name, "reused": h.Reused, "parent_id": s.ParentID,
	})
	log.Info("Session started",
		zap.String("kind", string(s.Kind)),
		zap.String("workload", h.Name),
		zap.Bool("reused", h.Reused))
	return s, nil
}

// prepareCheckout takes the main clone lock, or creates a worktree when isolation was requested.
func (m *Manager) prepareCheckout(ctx context.Context, s *Session, isolated bool, undo *rollback) error {
	if isolated {
		if _, err := m.git.EnsureRepo(ctx, s.Ref); err != nil {
			return fmt.Errorf("prepare repository: %w", err)
		}
		wt, err := m.git.CreateWorktree(ctx, s.Ref, s.ID)
		if err != nil {
			return fmt.Errorf("create worktree: %w", err)
		}
		s.Worktree = &wt
		s.ProjectPath = wt.Path
		undo.add(func(ctx context.Context) { m.removeWorktree(ctx, s) })
		return nil
	}

	full := s.Ref.FullName()
	if holder, ok := m.locker.TryAcquire(full, s.ID); !ok {
		return fmt.Errorf("%w: **%s** is already in use by session `%s`. Use `--worktree` for an isolated working directory: `%s start %s --worktree`",
			ErrResourceBusy, full, stringutil.ShortID(holder), m.opts.Trigger, s.Project)
	}
	undo.add(func(context.Context) { m.locker.Release(full, s.ID) })

	p, err := m.git.EnsureRepo(ctx, s.Ref)
	if err != nil {
		return fmt.Errorf("prepare repository: %w", err)
	}
	s.ProjectPath = p
	return nil
}

func (m *Manager) followThread(ctx context.Context, s *Session) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		ctx, cancel := appctx.Detached(ctx, nil, constants.CleanupTimeout)
		defer cancel()
		if err := m.chat.FollowThread(ctx, s.ThreadID); err != nil {
			m.logger.Debug("Failed to follow thread", zap.String("session_id", s.ID), zap.Error(err))
		}
	}()
}

// Stop ends a session. Only the caller that wins the claim runs teardown;
// everyone else gets ErrAlreadyStopping or ErrAlreadyStopped. It returns the
// number of sessions this call stopped.
func (m *Manager) Stop(ctx context.Context, id string, scope Scope) (int, error) {
	s, ok := m.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if scope == ScopeAllOnWorkload {
		return m.StopWorkload(ctx, s.Workload)
	}

	if err := s.claim(); err != nil {
		return 0, err
	}
	m.cleanup(ctx, s)

	if scope == ScopeSessionAndWorkload {
		if err := m.workloads.Teardown(ctx, s.Workload, false); err != nil {
			if errors.Is(err, workload.ErrWorkloadInUse) {
				m.logger.Info("Workload still in use, leaving it to the idle monitor", zap.String("workload", s.Workload.String()))
				return 1, nil
			}
			return 1, err
		}
	}
	return 1, nil
}

// StopWorkload stops every session on key and force-tears the workload down.
func (m *Manager) StopWorkload(ctx context.Context, key workload.Key) (int, error) {
	stopped := 0
	for _, s := range m.onWorkload(key) {
		if s.claim() != nil {
			continue
		}
		m.cleanup(ctx, s)
		stopped++
	}
	err := m.workloads.Teardown(ctx, key, true)
	if errors.Is(err, workload.ErrWorkloadNotFound) {
		err = nil
	}
	return stopped, err
}

// StopAll stops every session and tears down every workload. It returns the
// session and workload counts.
func (m *Manager) StopAll(ctx context.Context) (int, int) {
	sessions := 0
	entries := m.workloads.Snapshot()
	for _, e := range entries {
		n, err := m.StopWorkload(ctx, e.Key)
		if err != nil {
			m.logger.Warn("Failed to tear down workload", zap.String("workload", e.Key.String()), zap.Error(err))
		}
		sessions += n
	}
	for _, s := range m.List() {
		if s.claim() == nil {
			m.cleanup(ctx, s)
			sessions++
		}
	}
	return sessions, len(entries)
}

// cleanup is the teardown run by the claim winner. Every step is best-effort
// and runs on a detached context so a cancelled caller cannot cut it short.
func (m *Manager) cleanup(parent context.Context, s *Session) {
	ctx, cancel := appctx.Detached(parent, nil, constants.CleanupTimeout)
	defer cancel()
	log := m.logger.WithFields(zap.String("session_id", s.ID))

	if remote := s.RemoteID(); remote != "" && s.worker != nil {
		s.worker.Interrupt(ctx, remote)
	}
	if s.cancel != nil {
		s.cancel()
	}
	m.tracker.Remove(s.ID)
	if d := m.detector(); d != nil {
		d.ForgetSession(s.ID)
	}

	remaining := m.workloads.Release(ctx, s.Workload)
	m.locker.ReleaseBySession(s.ID)
	m.removeWorktree(ctx, s)

	if m.store != nil {
		if err := m.store.DeleteSession(ctx, s.ID); err != nil {
			log.Warn("Failed to delete session from store", zap.Error(err))
		}
	}
	if s.worker != nil {
		if err := s.worker.Close(); err != nil {
			log.Debug("Failed to close worker connection", zap.Error(err))
		}
	}
	m.metrics.ActiveSessions.Dec()
	m.remove(s)
	m.notifyParent(ctx, s)

	m.emitter.Emit(ctx, events.SessionStopped, map[string]any{
		"session_id": s.ID, "kind": string(s.Kind), "workload": s.Workload.String(),
	})
	s.finish()
	log.Info("Session cleaned up",
		zap.String("workload", s.Workload.String()),
		zap.Int("remaining_sessions", remaining))
}

func (m *Manager) removeWorktree(ctx context.Context, s *Session) {
	if s.Worktree == nil {
		return
	}
	if err := m.git.RemoveWorktree(ctx, *s.Worktree); err != nil {
		m.logger.Warn("Failed to remove worktree", zap.String("session_id", s.ID), zap.String("path", s.Worktree.Path), zap.Error(err))
	}
}

func (m *Manager) notifyParent(ctx context.Context, s *Session) {
	if s.ParentID == "" {
		return
	}
	parent, ok := m.Get(s.ParentID)
	if !ok {
		return
	}
	m.postInThread(ctx, parent, fmt.Sprintf("Child session `%s` (%s) on **%s** stopped.",
		stringutil.ShortID(s.ID), s.Kind, s.Project))
}

// touch stamps activity on the workload and in the store.
func (m *Manager) touch(ctx context.Context, s *Session, at time.Time) {
	m.workloads.Touch(s.Workload)
	if m.store == nil {
		return
	}
	if err := m.store.TouchSession(ctx, s.ID, at); err != nil {
		m.logger.Debug("Failed to touch session", zap.String("session_id", s.ID), zap.Error(err))
	}
}
