package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/chat"
	"github.com/jcttech/claude-session-manager/internal/common/constants"
	"github.com/jcttech/claude-session-manager/internal/common/stringutil"
	"github.com/jcttech/claude-session-manager/internal/output"
	"github.com/jcttech/claude-session-manager/internal/repo"
)

const titlePrompt = "Summarize this conversation in 5-10 words as a thread title. Output ONLY the title text, nothing else. No quotes, no punctuation at the end."

// StartArgs is a parsed `start` command.
type StartArgs struct {
	Project      string
	Worktree     bool
	Plan         bool
	Orchestrator bool
}

// ParseStartArgs splits flags from the repository reference.
func ParseStartArgs(args []string) StartArgs {
	var sa StartArgs
	var rest []string
	for _, a := range args {
		switch a {
		case "--worktree":
			sa.Worktree = true
		case "--plan":
			sa.Plan = true
		case "--orchestrator":
			sa.Orchestrator = true
		default:
			rest = append(rest, a)
		}
	}
	sa.Project = strings.Join(rest, " ")
	return sa
}

func (m *Manager) topLevelCommand(ctx context.Context, p chat.Post, cmd Command) {
	switch cmd.Name {
	case "start":
		sa := ParseStartArgs(cmd.Args)
		if sa.Project == "" {
			m.post(ctx, p.ChannelID, fmt.Sprintf("Usage: `%s start <org/repo>` or `%s start <repo>`", m.opts.Trigger, m.opts.Trigger))
			return
		}
		// A cold start can take minutes; keep routing other posts meanwhile.
		m.tasks.Add(1)
		go func() {
			defer m.tasks.Done()
			m.startFromChat(context.WithoutCancel(ctx), p, sa)
		}()

	case "stop":
		m.stopCommand(ctx, p.ChannelID, cmd.Arg())

	case "status":
		m.post(ctx, p.ChannelID, m.statusText())

	case "help":
		m.post(ctx, p.ChannelID, m.helpText())

	default:
		m.post(ctx, p.ChannelID, fmt.Sprintf("Unknown command. Try `%s help`.", m.opts.Trigger))
	}
}

func (m *Manager) startFromChat(ctx context.Context, p chat.Post, sa StartArgs) {
	ref, err := repo.ParseRef(sa.Project, m.opts.DefaultOrg)
	if err != nil {
		m.post(ctx, p.ChannelID,
			"Invalid repository format. Use: `org/repo`, `repo` (with default org), `org/repo@branch`, or add `--worktree`")
		return
	}
	channelID, channelName, err := m.resolveChannel(ctx, ref)
	if err != nil {
		m.post(ctx, p.ChannelID, fmt.Sprintf("Failed: %v", err))
		return
	}
	kind := KindStandard
	if sa.Orchestrator {
		kind = KindOrchestrator
	}
	s, err := m.Create(ctx, CreateRequest{
		ChannelID: channelID,
		Project:   sa.Project,
		Ref:       ref,
		Kind:      kind,
		Worktree:  sa.Worktree,
		PlanMode:  sa.Plan,
		UserID:    p.UserID,
	})
	if err != nil {
		m.post(ctx, p.ChannelID, fmt.Sprintf("Failed: %v", err))
		return
	}
	m.post(ctx, p.ChannelID, fmt.Sprintf("Session `%s` started in ~%s", stringutil.ShortID(s.ID), channelName))
}

// resolveChannel returns the channel sessions of ref post in, creating it and
// its mapping on first use.
func (m *Manager) resolveChannel(ctx context.Context, ref repo.Ref) (string, string, error) {
	full := ref.FullName()
	if m.store != nil {
		mapping, err := m.store.GetChannelMapping(ctx, full)
		if err != nil {
			m.logger.Warn("Failed to read channel mapping", zap.String("resource", full), zap.Error(err))
		}
		if mapping != nil {
			return mapping.ChannelID, mapping.ChannelName, nil
		}
	}

	name := chat.SanitizeChannelName(ref.Repo)
	id, found, err := m.chat.GetChannelByName(ctx, name)
	if err != nil {
		m.logger.Warn("Failed to look up channel, creating a new one", zap.String("channel", name), zap.Error(err))
	}
	if !found {
		id, err = m.chat.CreateChannel(ctx, name, ref.Repo)
		if err != nil {
			return "", "", fmt.Errorf("create channel %s: %w", name, err)
		}
	}

	if m.store != nil {
		if err := m.store.CreateChannelMapping(ctx, ChannelMapping{
			Resource: full, ChannelID: id, ChannelName: name, CreatedAt: m.now().UTC(),
		}); err != nil {
			m.logger.Warn("Failed to persist channel mapping", zap.String("resource", full), zap.Error(err))
		}
	}
	return id, name, nil
}

func (m *Manager) stopCommand(ctx context.Context, channelID, arg string) {
	switch arg {
	case "":
		m.post(ctx, channelID, fmt.Sprintf(
			"Usage: `%s stop <session-id-prefix>`, `%s stop --all`, or reply `%s stop` in a session thread.",
			m.opts.Trigger, m.opts.Trigger, m.opts.Trigger))
	case "--all":
		sessions, workloads := m.StopAll(ctx)
		m.post(ctx, channelID, fmt.Sprintf("All sessions and containers stopped. (%d sessions, %d containers)", sessions, workloads))
	default:
		s, ok := m.FindByPrefix(arg)
		if !ok {
			m.post(ctx, channelID, fmt.Sprintf("No session found matching `%s`.", arg))
			return
		}
		if _, err := m.Stop(ctx, s.ID, ScopeSession); err != nil && !isRaceLoss(err) {
			m.post(ctx, channelID, fmt.Sprintf("Error: %v", err))
			return
		}
		m.post(ctx, channelID, fmt.Sprintf("Stopped session `%s`.", stringutil.ShortID(s.ID)))
	}
}

// isRaceLoss reports errors from losing a cleanup race. They are not user errors.
func isRaceLoss(err error) bool {
	return errors.Is(err, ErrAlreadyStopping) || errors.Is(err, ErrAlreadyStopped) || errors.Is(err, ErrSessionNotFound)
}

func (m *Manager) threadCommand(ctx context.Context, p chat.Post, id string, cmd Command) {
	s, ok := m.Get(id)
	if !ok {
		return
	}
	say := func(msg string) { m.postInThread(ctx, s, msg) }

	switch {
	case cmd.Name == "stop" && len(cmd.Args) == 0:
		if _, err := m.Stop(ctx, id, ScopeSession); err != nil && !isRaceLoss(err) {
			say(fmt.Sprintf("Error: %v", err))
			return
		}
		say("Stopped.")

	case cmd.Name == "stop" && cmd.Arg() == "--container":
		n, err := m.Stop(ctx, id, ScopeAllOnWorkload)
		if err != nil {
			m.logger.Warn("Failed to tear down workload", zap.String("workload", s.Workload.String()), zap.Error(err))
		}
		say(fmt.Sprintf("Container stopped. %d sessions terminated.", n))

	case cmd.Name == "compact":
		if err := m.Compact(ctx, id); err != nil {
			say(fmt.Sprintf("Error: %v", err))
			return
		}
		say("Compacting context...")

	case cmd.Name == "clear":
		if err := m.Inject(ctx, id, "/clear"); err != nil {
			say(fmt.Sprintf("Error: %v", err))
			return
		}
		say("Context cleared.")

	case cmd.Name == "restart":
		say("Restarting session...")
		if err := m.Restart(ctx, id); err != nil {
			say(fmt.Sprintf("Restart failed: %v", err))
			return
		}
		say("Restarted. Next message starts a fresh conversation.")

	case cmd.Name == "plan":
		on := !s.PlanMode()
		switch cmd.Arg() {
		case "on":
			on = true
		case "off":
			on = false
		case "":
		default:
			say(fmt.Sprintf("Usage: `%s plan` (toggle), `%s plan on`, `%s plan off`", m.opts.Trigger, m.opts.Trigger, m.opts.Trigger))
			return
		}
		s.setPlanMode(on)
		if on {
			say("Plan mode **enabled**. Claude will analyze but not modify files.")
		} else {
			say("Plan mode **disabled**. Claude can modify files.")
		}

	case cmd.Name == "title":
		if title := cmd.Arg(); title != "" {
			m.setTitle(ctx, s, title)
			return
		}
		s.requestTitle()
		if err := m.Inject(ctx, id, titlePrompt); err != nil {
			say(fmt.Sprintf("Error: %v", err))
			return
		}
		say("_Generating title..._")

	case cmd.Name == "status" || cmd.Name == "context":
		say(m.sessionStatusText(s))

	default:
		m.forward(ctx, id, strings.TrimSpace(p.Message))
	}
}

// Restart drops the remote conversation so the next message opens a new stream.
func (m *Manager) Restart(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.accepting(); err != nil {
		return err
	}
	if remote := s.RemoteID(); remote != "" {
		s.worker.Interrupt(ctx, remote)
	}
	s.resetConversation()
	m.logger.Info("Session conversation restarted", zap.String("session_id", id))
	return nil
}

func (m *Manager) statusText() string {
	sessions := m.List()
	if len(sessions) == 0 {
		return "No active sessions."
	}
	var b strings.Builder
	if entries := m.workloads.Snapshot(); len(entries) > 0 {
		b.WriteString("**Containers:**\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "- Container: `%s` (%s, %d sessions)\n", e.Name, e.State, e.SessionCount)
		}
		b.WriteString("\n")
	}
	b.WriteString("**Active Sessions:**\n")
	now := m.now()
	for _, s := range sessions {
		info := s.Info()
		fmt.Fprintf(&b, "- `%s` | %s | **%s** | %d msgs | %d compactions | idle %s\n",
			stringutil.ShortID(s.ID), s.Kind, s.Project, info.MessageCount, info.CompactionCount,
			output.FormatDuration(now.Sub(info.LastActivity)))
	}
	return b.String()
}

func (m *Manager) sessionStatusText(s *Session) string {
	info := s.Info()
	now := m.now()

	remote := "_none_"
	if info.RemoteID != "" {
		remote = "`" + stringutil.ShortID(info.RemoteID) + "`"
	}
	container := "| Container | _unknown_ |"
	if e, ok := m.workloads.Get(s.Workload); ok {
		container = fmt.Sprintf("| Container | `%s` (%s, %d sessions) |", e.Name, e.State, e.SessionCount)
	}
	lastActive, liveness := "_unknown_", "_untracked_"
	if a, ok := m.tracker.Info(s.ID); ok {
		lastActive = fmt.Sprintf("%s ago (%s)", output.FormatDurationShort(now.Sub(a.LastActivity)), a.LastEventType)
		liveness = "ok"
		if a.Warned {
			liveness = ":warning: warning posted"
		}
	}
	plan := "off"
	if info.PlanMode {
		plan = "on"
	}

	rows := []string{
		"**Session Status:**",
		"| Property | Value |",
		"|---|---|",
		fmt.Sprintf("| Session | `%s` |", stringutil.ShortID(s.ID)),
		fmt.Sprintf("| Claude ID | %s |", remote),
		fmt.Sprintf("| Type | %s |", s.Kind),
		fmt.Sprintf("| Project | **%s** |", s.Project),
		container,
		fmt.Sprintf("| Messages | %d |", info.MessageCount),
		fmt.Sprintf("| Compactions | %d |", info.CompactionCount),
		fmt.Sprintf("| Context | %d / %dk tokens |", info.InputTokens, constants.ContextWindowTokens/1000),
		fmt.Sprintf("| Plan mode | %s |", plan),
		fmt.Sprintf("| Age | %s |", output.FormatDuration(now.Sub(s.CreatedAt))),
		fmt.Sprintf("| Idle | %s |", output.FormatDuration(now.Sub(info.LastActivity))),
		fmt.Sprintf("| Last active | %s |", lastActive),
		fmt.Sprintf("| Liveness | %s |", liveness),
	}
	return strings.Join(rows, "\n")
}

func (m *Manager) helpText() string {
	t := m.opts.Trigger
	lines := []string{
		"**Commands:**",
		fmt.Sprintf("- `%s start <org/repo>` - Start a standard session", t),
		fmt.Sprintf("- `%s start <repo> --worktree` - Start with isolated worktree", t),
		fmt.Sprintf("- `%s start <repo> --plan` - Start in plan mode (read-only analysis)", t),
		fmt.Sprintf("- `%s start <repo> --orchestrator` - Start an orchestrator that delegates to worker sessions", t),
		fmt.Sprintf("- `%s stop <id-prefix>` - Stop a session by ID prefix", t),
		fmt.Sprintf("- `%s stop --all` - Stop all sessions and tear down all containers", t),
		fmt.Sprintf("- `%s status` - List all active sessions and containers", t),
		fmt.Sprintf("- `%s help` - Show this message", t),
		"",
		"**In a session thread:**",
		"- Reply directly to send input",
		fmt.Sprintf("- `%s stop` - End the session", t),
		fmt.Sprintf("- `%s stop --container` - Stop all sessions sharing this container and tear it down", t),
		fmt.Sprintf("- `%s compact` - Compact/summarize context", t),
		fmt.Sprintf("- `%s clear` - Clear conversation history", t),
		fmt.Sprintf("- `%s restart` - Restart Claude conversation", t),
		fmt.Sprintf("- `%s plan` - Toggle plan mode (read-only analysis)", t),
		fmt.Sprintf("- `%s title [text]` - Set thread title (auto-generate if no text)", t),
		fmt.Sprintf("- `%s status` - Show session status and context health", t),
	}
	return strings.Join(lines, "\n")
}
