package session

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/stringutil"
	"github.com/jcttech/claude-session-manager/internal/output"
	"github.com/jcttech/claude-session-manager/internal/repo"
)

//go:embed templates/orchestrator.md
var defaultOrchestratorPrompt string

var (
	createSessionRe  = regexp.MustCompile(`\[CREATE_SESSION:\s*([^\]]+)\]`)
	createReviewerRe = regexp.MustCompile(`\[CREATE_REVIEWER:\s*([^\]]+)\]`)
	stopSessionRe    = regexp.MustCompile(`\[STOP_SESSION:\s*([^\]]+)\]`)
	sessionStatusRe  = regexp.MustCompile(`\[SESSION_STATUS\]`)
)

type markerKind int

const (
	markerCreateSession markerKind = iota + 1
	markerCreateReviewer
	markerStopSession
	markerSessionStatus
)

type orchestratorMarker struct {
	kind markerKind
	arg  string
}

func parseOrchestratorMarker(line string) (orchestratorMarker, bool) {
	match := func(re *regexp.Regexp, kind markerKind) (orchestratorMarker, bool) {
		m := re.FindStringSubmatch(line)
		if m == nil {
			return orchestratorMarker{}, false
		}
		arg := ""
		if len(m) > 1 {
			arg = strings.TrimSpace(m[1])
		}
		return orchestratorMarker{kind: kind, arg: arg}, true
	}
	if mk, ok := match(createSessionRe, markerCreateSession); ok {
		return mk, true
	}
	if mk, ok := match(createReviewerRe, markerCreateReviewer); ok {
		return mk, true
	}
	if mk, ok := match(stopSessionRe, markerStopSession); ok {
		return mk, true
	}
	return match(sessionStatusRe, markerSessionStatus)
}

// RenderOrchestratorPrompt fills {{repo_name}} and {{session_id}} in template.
func RenderOrchestratorPrompt(template, repoName, sessionID string) string {
	return strings.NewReplacer("{{repo_name}}", repoName, "{{session_id}}", sessionID).Replace(template)
}

func (m *Manager) orchestratorPrompt(s *Session) string {
	tpl := m.opts.OrchestratorPrompt
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultOrchestratorPrompt
	}
	return RenderOrchestratorPrompt(tpl, s.Ref.FullName(), s.ID)
}

// maybeAutoCompact compacts an orchestrator each time its message count
// reaches a multiple of the threshold.
func (m *Manager) maybeAutoCompact(ctx context.Context, s *Session, count int) {
	threshold := m.opts.CompactThreshold
	if s.Kind != KindOrchestrator || threshold <= 0 || count%threshold != 0 {
		return
	}
	m.logger.Info("Auto-compacting orchestrator", zap.String("session_id", s.ID), zap.Int("message_count", count))
	if err := m.Compact(ctx, s.ID); err != nil {
		m.logger.Warn("Auto-compact failed", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	m.postInThread(ctx, s, fmt.Sprintf("_Auto-compacting context after %d messages._", count))
}

// Compact asks the agent to summarize its context and records the compaction.
func (m *Manager) Compact(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := m.Inject(ctx, id, "/compact"); err != nil {
		return err
	}
	s.recordCompaction()
	if m.store != nil {
		if err := m.store.RecordCompaction(ctx, id); err != nil {
			m.logger.Debug("Failed to record compaction", zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}

// handleOrchestratorMarker acts on a marker from orchestrator output. Session
// creation can take a cold start, so it runs off the pump.
func (m *Manager) handleOrchestratorMarker(ctx context.Context, parent *Session, mk orchestratorMarker) {
	switch mk.kind {
	case markerCreateSession, markerCreateReviewer:
		kind := KindWorker
		if mk.kind == markerCreateReviewer {
			kind = KindReviewer
		}
		m.tasks.Add(1)
		go func() {
			defer m.tasks.Done()
			m.createChild(ctx, parent, kind, mk.arg)
		}()

	case markerStopSession:
		child := m.findChild(parent, mk.arg)
		if child == nil {
			m.reply(ctx, parent, fmt.Sprintf("[SESSION_FAILED: no child session matches %s]", mk.arg))
			return
		}
		if _, err := m.Stop(ctx, child.ID, ScopeSession); err != nil {
			m.reply(ctx, parent, fmt.Sprintf("[SESSION_FAILED: %v]", err))
			return
		}
		m.reply(ctx, parent, fmt.Sprintf("[SESSION_STOPPED: %s]", stringutil.ShortID(child.ID)))

	case markerSessionStatus:
		m.reply(ctx, parent, m.childStatus(parent))
	}
}

func (m *Manager) createChild(ctx context.Context, parent *Session, kind Kind, arg string) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		m.reply(ctx, parent, "[SESSION_FAILED: missing repository]")
		return
	}
	ref, err := repo.ParseRef(fields[0], m.opts.DefaultOrg)
	if err != nil {
		m.reply(ctx, parent, fmt.Sprintf("[SESSION_FAILED: %v]", err))
		return
	}
	worktree, plan := false, false
	for _, f := range fields[1:] {
		switch f {
		case "--worktree":
			worktree = true
		case "--plan":
			plan = true
		}
	}
	// Reviewers and workers on the orchestrator's own repository need isolation
	// from the orchestrator's main clone lock.
	if ref.FullName() == parent.Ref.FullName() {
		worktree = true
	}

	channelID, _, err := m.resolveChannel(ctx, ref)
	if err != nil {
		m.reply(ctx, parent, fmt.Sprintf("[SESSION_FAILED: %v]", err))
		return
	}
	child, err := m.Create(ctx, CreateRequest{
		ChannelID: channelID,
		Project:   fields[0],
		Ref:       ref,
		Kind:      kind,
		Worktree:  worktree,
		PlanMode:  plan || kind == KindReviewer,
		UserID:    parent.UserID,
		ParentID:  parent.ID,
	})
	if err != nil {
		m.reply(ctx, parent, fmt.Sprintf("[SESSION_FAILED: %v]", err))
		return
	}
	m.postInThread(ctx, parent, fmt.Sprintf("Started %s session `%s` for **%s**.", kind, stringutil.ShortID(child.ID), ref))
	m.reply(ctx, parent, fmt.Sprintf("[SESSION_CREATED: %s %s]", stringutil.ShortID(child.ID), ref))
}

func (m *Manager) findChild(parent *Session, prefix string) *Session {
	for _, c := range m.Children(parent.ID) {
		if strings.HasPrefix(c.ID, prefix) {
			return c
		}
	}
	return nil
}

func (m *Manager) childStatus(parent *Session) string {
	children := m.Children(parent.ID)
	if len(children) == 0 {
		return "[CHILD_SESSIONS: none]"
	}
	var b strings.Builder
	b.WriteString("[CHILD_SESSIONS]")
	now := m.now()
	for _, c := range children {
		info := c.Info()
		fmt.Fprintf(&b, "\n- %s | %s | %s | %s | %d msgs | idle %s",
			stringutil.ShortID(c.ID), c.Kind, c.Ref, info.State, info.MessageCount,
			output.FormatDuration(now.Sub(info.LastActivity)))
	}
	return b.String()
}

// reply injects a marker response into the orchestrator's input.
func (m *Manager) reply(ctx context.Context, s *Session, text string) {
	if err := m.Inject(ctx, s.ID, text); err != nil {
		m.logger.Debug("Failed to reply to orchestrator", zap.String("session_id", s.ID), zap.Error(err))
	}
}
