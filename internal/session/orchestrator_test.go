package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcttech/claude-session-manager/internal/output"
)

func TestParseOrchestratorMarker(t *testing.T) {
	tests := []struct {
		line string
		kind markerKind
		arg  string
		ok   bool
	}{
		{"[CREATE_SESSION: org/api --worktree]", markerCreateSession, "org/api --worktree", true},
		{"text [CREATE_REVIEWER: org/api@feat] more", markerCreateReviewer, "org/api@feat", true},
		{"[STOP_SESSION: abcd1234]", markerStopSession, "abcd1234", true},
		{"[SESSION_STATUS]", markerSessionStatus, "", true},
		{"plain output", 0, "", false},
		{"[NETWORK_REQUEST: x.com]", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			mk, ok := parseOrchestratorMarker(tt.line)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, mk.kind)
			assert.Equal(t, tt.arg, mk.arg)
		})
	}
}

func TestRenderOrchestratorPrompt(t *testing.T) {
	got := RenderOrchestratorPrompt("repo={{repo_name}} id={{session_id}} {{repo_name}}", "org/api", "s-1")
	assert.Equal(t, "repo=org/api id=s-1 org/api", got)
	assert.NotContains(t, RenderOrchestratorPrompt(defaultOrchestratorPrompt, "org/api", "s-1"), "{{")
}

func TestOrchestrator(t *testing.T) {
	t.Run("system prompt addendum", func(t *testing.T) {
		h := newHarness(t, Options{})
		s := h.start(t, CreateRequest{Kind: KindOrchestrator})
		require.NoError(t, h.m.Send(context.Background(), s.ID, "plan the work"))
		eventually(t, func() bool { e, _ := h.worker.calls(); return e == 1 }, "execute called")
		assert.Contains(t, h.worker.executes[0].SystemPromptAppend, "org/repo")
		assert.Contains(t, h.worker.executes[0].SystemPromptAppend, s.ID)
	})

	t.Run("create session marker spawns a child", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.worker.script = func(prompt string) fakeTurn {
			if prompt == "delegate" {
				return fakeTurn{events: []output.Event{
					output.TextLine("[CREATE_SESSION: org/api]"), output.ResponseComplete(1, 1),
				}, remoteID: "orch"}
			}
			return fakeTurn{events: []output.Event{output.TextLine("got: " + prompt)}, remoteID: "orch"}
		}
		parent := h.start(t, CreateRequest{Kind: KindOrchestrator})
		require.NoError(t, h.m.Send(context.Background(), parent.ID, "delegate"))

		eventually(t, func() bool { return h.chat.has("got: [SESSION_CREATED: ") }, "created reply injected")
		children := h.m.Children(parent.ID)
		require.Len(t, children, 1)
		child := children[0]
		assert.Equal(t, KindWorker, child.Kind)
		assert.Equal(t, "org/api", child.Ref.FullName())
		assert.Equal(t, "ch-api", child.ChannelID)
		assert.Nil(t, child.Worktree)
		assert.True(t, h.chat.has("Started worker session `"+child.ID[:8]+"` for **org/api**."))
	})

	t.Run("reviewer on own repo is isolated and read-only", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.worker.script = func(prompt string) fakeTurn {
			if prompt == "review" {
				return fakeTurn{events: []output.Event{output.TextLine("[CREATE_REVIEWER: org/repo]")}, remoteID: "orch"}
			}
			return fakeTurn{remoteID: "orch"}
		}
		parent := h.start(t, CreateRequest{Kind: KindOrchestrator})
		require.NoError(t, h.m.Send(context.Background(), parent.ID, "review"))

		eventually(t, func() bool { return len(h.m.Children(parent.ID)) == 1 }, "reviewer created")
		child := h.m.Children(parent.ID)[0]
		assert.Equal(t, KindReviewer, child.Kind)
		assert.NotNil(t, child.Worktree)
		assert.True(t, child.PlanMode())
	})

	t.Run("status and stop markers", func(t *testing.T) {
		h := newHarness(t, Options{})
		parent := h.start(t, CreateRequest{Kind: KindOrchestrator})
		child := h.start(t, CreateRequest{Kind: KindWorker, ParentID: parent.ID, Worktree: true})

		h.m.handleOrchestratorMarker(context.Background(), parent, orchestratorMarker{kind: markerSessionStatus})
		eventually(t, func() bool {
			for _, msg := range h.chat.messages("echo: [CHILD_SESSIONS]") {
				if strings.Contains(msg, child.ID[:8]+" | worker | org/repo") {
					return true
				}
			}
			return false
		}, "status reply")

		h.m.handleOrchestratorMarker(context.Background(), parent, orchestratorMarker{kind: markerStopSession, arg: child.ID[:8]})
		assert.Equal(t, StateStopped, child.State())
		eventually(t, func() bool { return h.chat.has("echo: [SESSION_STOPPED: " + child.ID[:8] + "]") }, "stop reply")

		h.m.handleOrchestratorMarker(context.Background(), parent, orchestratorMarker{kind: markerStopSession, arg: "nope"})
		eventually(t, func() bool { return h.chat.has("[SESSION_FAILED: no child session matches nope]") }, "failed reply")
	})

	t.Run("auto compact", func(t *testing.T) {
		h := newHarness(t, Options{CompactThreshold: 2})
		s := h.start(t, CreateRequest{Kind: KindOrchestrator})

		require.NoError(t, h.m.Send(context.Background(), s.ID, "one"))
		assert.Equal(t, 0, s.Info().CompactionCount)
		require.NoError(t, h.m.Send(context.Background(), s.ID, "two"))
		assert.Equal(t, 1, s.Info().CompactionCount)
		assert.True(t, h.chat.has("_Auto-compacting context after 2 messages._"))

		std := h.start(t, CreateRequest{Worktree: true})
		require.NoError(t, h.m.Send(context.Background(), std.ID, "one"))
		require.NoError(t, h.m.Send(context.Background(), std.ID, "two"))
		assert.Equal(t, 0, std.Info().CompactionCount)
	})
}
