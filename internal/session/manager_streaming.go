package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/approval"
	"github.com/jcttech/claude-session-manager/internal/bridge"
	"github.com/jcttech/claude-session-manager/internal/common/constants"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/output"
)

const permissionModePlan = "plan"

// prepare allocates the task context and queues of s. It must run before s
// is visible in the registry.
func (m *Manager) prepare(s *Session) {
	s.ctx, s.cancel = context.WithCancel(m.root)
	s.inbox = make(chan string, inboxSize)
	s.done = make(chan struct{})
}

// spawn starts the forwarder and the output pump of s.
func (m *Manager) spawn(s *Session) {
	ctx := s.ctx
	out := make(chan output.Event, outboxSize)

	m.tasks.Add(2)
	go func() {
		defer m.tasks.Done()
		m.runForwarder(ctx, s, out)
	}()
	go func() {
		defer m.tasks.Done()
		defer close(s.done)
		m.runPump(ctx, s, out)
	}()
}

// Send enqueues a user message. The first message opens a new stream, later
// ones continue the captured remote conversation.
func (m *Manager) Send(ctx context.Context, id, text string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.accepting(); err != nil {
		return err
	}
	now := m.now()
	count := s.recordMessage(now)
	m.touch(ctx, s, now)
	if err := m.enqueue(ctx, s, text); err != nil {
		return err
	}
	m.maybeAutoCompact(ctx, s, count)
	return nil
}

// Inject delivers a line to the session input without counting it as a user
// message. The approval workflow uses it to relay decisions.
func (m *Manager) Inject(ctx context.Context, id, text string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.accepting(); err != nil {
		return err
	}
	return m.enqueue(ctx, s, text)
}

func (m *Manager) enqueue(ctx context.Context, s *Session, text string) error {
	select {
	case s.inbox <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrAlreadyStopped
	}
}

func (m *Manager) runForwarder(ctx context.Context, s *Session, out chan<- output.Event) {
	defer close(out)
	defer m.guard(s, "forwarder", func(ev output.Event) {
		select {
		case out <- ev:
		default:
			m.postInThread(context.WithoutCancel(ctx), s, ev.Message())
		}
	})

	for {
		select {
		case <-ctx.Done():
			return
		case prompt := <-s.inbox:
			if !m.runTurn(ctx, s, prompt, out) {
				return
			}
		}
	}
}

// runTurn drives one stream to its result. It reports whether the session can
// take another message.
func (m *Manager) runTurn(ctx context.Context, s *Session, prompt string, out chan<- output.Event) bool {
	log := m.logger.WithFields(zap.String("session_id", s.ID))
	emit := func(ev output.Event) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	gen := s.conversationGen()
	turn, err := m.openTurn(ctx, s, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Warn("Failed to open worker stream", zap.Error(err))
		_ = emit(output.ProcessDied(nil, fmt.Sprintf("failed to open stream: %v", err)))
		return false
	}

	died := false
	remoteID, err := turn.Turn(ctx, func(ev output.Event) error {
		if ev.Kind == output.KindProcessDied {
			died = true
		}
		return emit(ev)
	})
	if s.captureRemoteID(gen, remoteID) {
		log.Debug("Captured remote session id", zap.String("remote_session_id", remoteID))
	}
	if ctx.Err() != nil {
		return false
	}
	if err != nil && !died {
		_ = emit(output.ProcessDied(nil, err.Error()))
		return false
	}
	return !died
}

func (m *Manager) openTurn(ctx context.Context, s *Session, prompt string) (Turn, error) {
	mode := ""
	if s.PlanMode() {
		mode = permissionModePlan
	}
	if remote := s.RemoteID(); remote != "" {
		return s.worker.Continue(ctx, bridge.SendMessageRequest{SessionID: remote, Prompt: prompt, PermissionMode: mode})
	}
	req := bridge.ExecuteRequest{Prompt: prompt, PermissionMode: mode}
	if s.Kind == KindOrchestrator {
		req.SystemPromptAppend = m.orchestratorPrompt(s)
	}
	return s.worker.Execute(ctx, req)
}

// pump relays one session's output events to its chat thread.
type pump struct {
	m      *Manager
	s      *Session
	ctx    context.Context
	logger *logger.Logger

	batch      []string
	batchBytes int

	statusPostID string
	statusLines  []string

	capturingTitle bool
	titleLines     []string
}

func (m *Manager) runPump(ctx context.Context, s *Session, out <-chan output.Event) {
	p := &pump{
		m:      m,
		s:      s,
		ctx:    context.WithoutCancel(ctx),
		logger: m.logger.WithFields(zap.String("session_id", s.ID)),
	}
	defer m.guard(s, "output pump", func(ev output.Event) {
		m.postInThread(p.ctx, s, ev.Message())
		if s.claim() == nil {
			m.cleanup(p.ctx, s)
		}
	})

	timer := time.NewTimer(constants.BatchInterval)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-out:
			if !ok {
				p.flush()
				p.finish()
				return
			}
			if p.handle(ev) {
				timer.Reset(constants.BatchInterval)
			}
		case <-timer.C:
			p.flush()
		}
	}
}

// handle processes one event and reports whether text was batched.
func (p *pump) handle(ev output.Event) bool {
	if p.s.activate() {
		p.logger.Debug("Session active")
	}
	p.m.tracker.Touch(p.s.ID, ev.Kind.String())
	p.m.workloads.Touch(p.s.Workload)

	switch ev.Kind {
	case output.KindTextLine:
		return p.text(ev.Text)

	case output.KindToolAction:
		p.flush()
		p.statusLines = append(p.statusLines, "> "+ev.Text)
		msg := strings.Join(p.statusLines, "\n")
		if p.statusPostID != "" {
			if err := p.m.chat.UpdatePost(p.ctx, p.statusPostID, msg); err != nil {
				p.logger.Debug("Failed to update status post", zap.Error(err))
			}
		} else {
			p.statusPostID = p.m.postInThread(p.ctx, p.s, msg)
		}

	case output.KindResponseComplete:
		p.flush()
		p.s.recordTokens(ev.InputTokens, ev.OutputTokens)
		p.m.metrics.RecordTokens(ev.InputTokens, ev.OutputTokens)
		if ev.InputTokens > constants.ContextWarningTokens {
			pct := ev.InputTokens * 100 / constants.ContextWindowTokens
			p.m.postInThread(p.ctx, p.s, fmt.Sprintf(
				":warning: **Context window %d%% full** (%d / 200k tokens), consider using `compact` or `clear`",
				pct, ev.InputTokens))
		}
		p.finishTitle()
		p.statusPostID = ""
		p.statusLines = nil

	case output.KindProcessDied:
		p.flush()
		p.capturingTitle = false
		p.titleLines = nil
		p.m.postInThread(p.ctx, p.s, ev.Message())
	}
	return false
}

func (p *pump) text(line string) bool {
	if p.capturingTitle || p.s.takePendingTitle() {
		p.capturingTitle = true
		p.titleLines = append(p.titleLines, line)
		return false
	}

	if domain, ok := approval.ParseMarker(line); ok {
		p.flush()
		p.detect(domain)
		return false
	}
	if p.s.Kind == KindOrchestrator {
		if cmd, ok := parseOrchestratorMarker(line); ok {
			p.flush()
			p.m.handleOrchestratorMarker(p.ctx, p.s, cmd)
			return false
		}
	}

	p.batch = append(p.batch, line)
	p.batchBytes += len(line) + 1
	if p.batchBytes >= constants.BatchMaxBytes || len(p.batch) >= constants.BatchMaxLines {
		p.flush()
		return false
	}
	return true
}

func (p *pump) detect(domain string) {
	d := p.m.detector()
	if d == nil {
		p.logger.Warn("Network request ignored, approvals not configured", zap.String("domain", domain))
		return
	}
	outcome, err := d.Detect(p.ctx, approval.Detection{
		SessionID: p.s.ID,
		ChannelID: p.s.ChannelID,
		ThreadID:  p.s.ThreadID,
		Domain:    domain,
	})
	if err != nil {
		p.logger.Warn("Failed to handle network request", zap.String("domain", domain), zap.Error(err))
		p.m.postInThread(p.ctx, p.s, fmt.Sprintf(":warning: Could not request approval for `%s`: %v", domain, err))
		return
	}
	p.logger.Debug("Network request handled", zap.String("domain", domain), zap.Int("outcome", int(outcome)))
}

func (p *pump) flush() {
	if len(p.batch) == 0 {
		return
	}
	content := strings.Join(p.batch, "\n")
	p.batch = p.batch[:0]
	p.batchBytes = 0
	if _, err := p.m.chat.PostInThread(p.ctx, p.s.ChannelID, p.s.ThreadID, content); err != nil {
		p.logger.Warn("Failed to post batched output", zap.Error(err))
	}
}

func (p *pump) finishTitle() {
	if !p.capturingTitle {
		return
	}
	title := strings.Trim(strings.TrimSpace(strings.Join(p.titleLines, " ")), `"`)
	p.capturingTitle = false
	p.titleLines = nil
	if title == "" {
		return
	}
	p.m.setTitle(p.ctx, p.s, title)
}

// finish runs when the forwarder closed the output channel. On shutdown the
// session is left persisted; otherwise the stream ended and the session is cleaned up.
func (p *pump) finish() {
	if p.m.isClosing() {
		return
	}
	if p.s.claim() != nil {
		return
	}
	p.m.cleanup(p.ctx, p.s)
	p.m.postInThread(p.ctx, p.s, "Session ended.")
	p.logger.Info("Session stream ended")
}

func (m *Manager) setTitle(ctx context.Context, s *Session, title string) {
	s.setTitle(title)
	if err := m.chat.UpdatePost(ctx, s.ThreadID, s.RootLabel()); err != nil {
		m.logger.Warn("Failed to update thread title", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	m.postInThread(ctx, s, "Title updated.")
}
