package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/chat"
)

// Target is what an inbound message resolves to.
type Target int

const (
	TargetNone Target = iota
	TargetCommand
	TargetExisting
	TargetAmbiguous
)

func (t Target) String() string {
	switch t {
	case TargetCommand:
		return "command"
	case TargetExisting:
		return "existing"
	case TargetAmbiguous:
		return "ambiguous"
	default:
		return "none"
	}
}

// Command is a trigger-prefixed message. Name is lowercased.
type Command struct {
	Name string
	Args []string
	// InThread is set for commands posted as a thread reply.
	InThread bool
}

// Arg returns the joined arguments.
func (c Command) Arg() string {
	return strings.Join(c.Args, " ")
}

// Resolution is the routing decision for one message. SessionID is set for
// TargetExisting and for in-thread commands addressed to a session thread.
type Resolution struct {
	Target    Target
	SessionID string
	Command   Command
}

// Resolve routes a message. Trigger-prefixed commands win over everything. A
// reply in a session thread goes to that session. A top-level message goes to
// the single active non-worker session of the channel, if there is exactly one.
func (m *Manager) Resolve(channelID, threadID, text string) Resolution {
	text = strings.TrimSpace(text)

	var threadSession string
	if threadID != "" {
		if s, ok := m.ByThread(channelID, threadID); ok {
			threadSession = s.ID
		}
	}

	if cmd, ok := m.parseCommand(text); ok {
		cmd.InThread = threadID != ""
		return Resolution{Target: TargetCommand, SessionID: threadSession, Command: cmd}
	}

	if threadID != "" {
		if threadSession == "" {
			return Resolution{Target: TargetNone}
		}
		return Resolution{Target: TargetExisting, SessionID: threadSession}
	}

	switch candidates := m.routable(channelID); len(candidates) {
	case 0:
		return Resolution{Target: TargetNone}
	case 1:
		return Resolution{Target: TargetExisting, SessionID: candidates[0].ID}
	default:
		return Resolution{Target: TargetAmbiguous}
	}
}

func (m *Manager) parseCommand(text string) (Command, bool) {
	rest, ok := strings.CutPrefix(text, m.opts.Trigger)
	if !ok {
		return Command{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Command{Name: "help"}, true
	}
	return Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// Run routes posts until ctx is done or posts is closed.
func (m *Manager) Run(ctx context.Context, posts <-chan chat.Post) error {
	m.logger.Info("Message router started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Message router stopped")
			return nil
		case p, ok := <-posts:
			if !ok {
				return nil
			}
			m.HandlePost(ctx, p)
		}
	}
}

// HandlePost resolves and acts on one inbound post.
func (m *Manager) HandlePost(ctx context.Context, p chat.Post) {
	text := strings.TrimSpace(p.Message)
	res := m.Resolve(p.ChannelID, p.RootID, text)
	m.logger.Debug("Resolved post",
		zap.String("channel_id", p.ChannelID),
		zap.String("root_id", p.RootID),
		zap.String("target", res.Target.String()))

	switch res.Target {
	case TargetCommand:
		if !res.Command.InThread {
			m.topLevelCommand(ctx, p, res.Command)
			return
		}
		if res.SessionID == "" {
			if _, err := m.chat.PostInThread(ctx, p.ChannelID, p.RootID, "No active session in this thread."); err != nil {
				m.logger.Warn("Failed to post", zap.Error(err))
			}
			return
		}
		m.threadCommand(ctx, p, res.SessionID, res.Command)

	case TargetExisting:
		m.forward(ctx, res.SessionID, text)

	case TargetAmbiguous:
		m.post(ctx, p.ChannelID, "Multiple sessions active in this channel. Please reply in the specific session thread.")
	}
}

func (m *Manager) forward(ctx context.Context, id, text string) {
	if err := m.Send(ctx, id, text); err != nil {
		m.logger.Warn("Failed to forward message to session", zap.String("session_id", id), zap.Error(err))
		return
	}
	m.logger.Info("Forwarded message to session", zap.String("session_id", id), zap.Int("text_len", len(text)))
}
