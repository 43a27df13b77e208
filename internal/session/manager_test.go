package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcttech/claude-session-manager/internal/output"
	"github.com/jcttech/claude-session-manager/internal/repo"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

var testKey = workload.Key{Resource: "org/repo"}

func TestCreate(t *testing.T) {
	t.Run("posts thread and persists", func(t *testing.T) {
		h := newHarness(t, Options{})
		s := h.start(t, CreateRequest{Project: "org/repo"})

		assert.Equal(t, "post-1", s.ThreadID)
		assert.Equal(t, "/repos/org/repo", s.ProjectPath)
		assert.True(t, h.chat.has("**Session** for **org/repo**"))
		assert.True(t, h.chat.has("Starting session..."))
		assert.True(t, h.chat.has("Ready. Container: `wl-org/repo`"))
		assert.True(t, h.store.has(s.ID))
		assert.Equal(t, 1, h.workloads.count(testKey))

		holder, ok := h.m.locker.Holder("org/repo")
		require.True(t, ok)
		assert.Equal(t, s.ID, holder)

		got, ok := h.m.ByThread("ch-1", s.ThreadID)
		require.True(t, ok)
		assert.Equal(t, s.ID, got.ID)
	})

	t.Run("busy resource without worktree", func(t *testing.T) {
		h := newHarness(t, Options{})
		first := h.start(t, CreateRequest{Project: "org/repo"})

		_, err := h.m.Create(context.Background(), CreateRequest{
			ChannelID: "ch-1", Project: "org/repo", Ref: repo.Ref{Org: "org", Repo: "repo"},
		})
		require.ErrorIs(t, err, ErrResourceBusy)
		assert.Contains(t, err.Error(), first.ID[:8])
		assert.Contains(t, err.Error(), "--worktree")
		assert.Equal(t, 1, h.workloads.count(testKey))
	})

	t.Run("worktree bypasses the lock", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.start(t, CreateRequest{Project: "org/repo"})
		s := h.start(t, CreateRequest{Project: "org/repo", Worktree: true})

		require.NotNil(t, s.Worktree)
		assert.Equal(t, "/worktrees/"+s.ID, s.ProjectPath)
		assert.Equal(t, 2, h.workloads.count(testKey))
		assert.True(t, h.chat.has("Another session is already active"))
	})

	t.Run("workload failure rolls back", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.workloads.startErr = workload.ErrWorkloadStartFailed

		_, err := h.m.Create(context.Background(), CreateRequest{
			ChannelID: "ch-1", Project: "org/repo", Ref: repo.Ref{Org: "org", Repo: "repo"},
		})
		require.ErrorIs(t, err, workload.ErrWorkloadStartFailed)
		_, held := h.m.locker.Holder("org/repo")
		assert.False(t, held)
		assert.Empty(t, h.m.List())

		h.workloads.startErr = nil
		h.start(t, CreateRequest{Project: "org/repo"})
	})

	t.Run("worktree removed on rollback", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.workloads.startErr = errors.New("boom")
		_, err := h.m.Create(context.Background(), CreateRequest{
			ChannelID: "ch-1", Ref: repo.Ref{Org: "org", Repo: "repo"}, Worktree: true,
		})
		require.Error(t, err)
		assert.Len(t, h.git.removed, 1)
	})

	t.Run("rejected while shutting down", func(t *testing.T) {
		h := newHarness(t, Options{})
		require.NoError(t, h.m.Shutdown(context.Background()))
		_, err := h.m.Create(context.Background(), CreateRequest{Ref: repo.Ref{Org: "org", Repo: "repo"}})
		require.ErrorIs(t, err, errShuttingDown)
	})
}

func TestSend(t *testing.T) {
	t.Run("execute then continue", func(t *testing.T) {
		h := newHarness(t, Options{})
		s := h.start(t, CreateRequest{})

		require.NoError(t, h.m.Send(context.Background(), s.ID, "hello"))
		eventually(t, func() bool { return h.chat.has("echo: hello") }, "first reply posted")
		eventually(t, func() bool { return s.RemoteID() == "remote-1" }, "remote id captured")

		require.NoError(t, h.m.Send(context.Background(), s.ID, "again"))
		eventually(t, func() bool { return h.chat.has("echo: again") }, "second reply posted")

		execs, conts := h.worker.calls()
		assert.Equal(t, 1, execs)
		assert.Equal(t, 1, conts)
		assert.Equal(t, "remote-1", h.worker.continues[0].SessionID)
		assert.Equal(t, StateActive, s.State())
		assert.Equal(t, 2, s.Info().MessageCount)
		assert.Equal(t, uint64(10), s.Info().InputTokens)
	})

	t.Run("plan mode sets permission mode", func(t *testing.T) {
		h := newHarness(t, Options{})
		s := h.start(t, CreateRequest{PlanMode: true})

		require.NoError(t, h.m.Send(context.Background(), s.ID, "look"))
		eventually(t, func() bool { e, _ := h.worker.calls(); return e == 1 }, "execute called")
		assert.Equal(t, "plan", h.worker.executes[0].PermissionMode)
	})

	t.Run("unknown session", func(t *testing.T) {
		h := newHarness(t, Options{})
		require.ErrorIs(t, h.m.Send(context.Background(), "nope", "x"), ErrSessionNotFound)
	})

	t.Run("restart forgets the conversation", func(t *testing.T) {
		h := newHarness(t, Options{})
		s := h.start(t, CreateRequest{})
		require.NoError(t, h.m.Send(context.Background(), s.ID, "one"))
		eventually(t, func() bool { return s.RemoteID() != "" }, "remote id captured")

		require.NoError(t, h.m.Restart(context.Background(), s.ID))
		assert.Empty(t, s.RemoteID())
		require.NoError(t, h.m.Send(context.Background(), s.ID, "two"))
		eventually(t, func() bool { e, _ := h.worker.calls(); return e == 2 }, "fresh execute")
	})
}

func TestRestartDuringTurn(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	h.worker.script = func(prompt string) fakeTurn {
		turn := fakeTurn{
			events:   []output.Event{output.TextLine("echo: " + prompt), output.ResponseComplete(10, 5)},
			remoteID: "remote-1",
		}
		if prompt == "slow" {
			turn.release = release
		}
		return turn
	}
	s := h.start(t, CreateRequest{})

	require.NoError(t, h.m.Send(context.Background(), s.ID, "one"))
	eventually(t, func() bool { return s.RemoteID() == "remote-1" }, "remote id captured")

	require.NoError(t, h.m.Send(context.Background(), s.ID, "slow"))
	eventually(t, func() bool { _, c := h.worker.calls(); return c == 1 }, "slow turn running")

	require.NoError(t, h.m.Restart(context.Background(), s.ID))
	close(release)
	require.NoError(t, h.m.Send(context.Background(), s.ID, "three"))

	eventually(t, func() bool { e, _ := h.worker.calls(); return e == 2 }, "fresh execute after restart")
	execs, conts := h.worker.calls()
	assert.Equal(t, 2, execs)
	assert.Equal(t, 1, conts)
	h.worker.mu.Lock()
	defer h.worker.mu.Unlock()
	assert.Equal(t, "three", h.worker.executes[1].Prompt)
	assert.Equal(t, []string{"remote-1"}, h.worker.interrupted)
}

func TestOutputPump(t *testing.T) {
	t.Run("batches text lines into one post", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.worker.script = func(string) fakeTurn {
			return fakeTurn{events: []output.Event{
				output.TextLine("line one"), output.TextLine("line two"), output.ResponseComplete(1, 1),
			}, remoteID: "r"}
		}
		s := h.start(t, CreateRequest{})
		require.NoError(t, h.m.Send(context.Background(), s.ID, "go"))
		eventually(t, func() bool { return h.chat.has("line one\nline two") }, "batched post")
	})

	t.Run("tool actions share a status post", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.worker.script = func(string) fakeTurn {
			return fakeTurn{events: []output.Event{
				output.ToolAction("**Read** `a.go`"), output.ToolAction("**Edit** `a.go`"), output.ResponseComplete(1, 1),
			}, remoteID: "r"}
		}
		s := h.start(t, CreateRequest{})
		require.NoError(t, h.m.Send(context.Background(), s.ID, "go"))
		eventually(t, func() bool {
			h.chat.mu.Lock()
			defer h.chat.mu.Unlock()
			for _, msg := range h.chat.updates {
				if msg == "> **Read** `a.go`\n> **Edit** `a.go`" {
					return true
				}
			}
			return false
		}, "status post updated")
		assert.Len(t, h.chat.messages("> **Read**"), 1)
	})

	t.Run("network marker flushes and detects", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.worker.script = func(string) fakeTurn {
			return fakeTurn{events: []output.Event{
				output.TextLine("before"),
				output.TextLine("[NETWORK_REQUEST: api.example.com]"),
				output.ResponseComplete(1, 1),
			}, remoteID: "r"}
		}
		s := h.start(t, CreateRequest{})
		require.NoError(t, h.m.Send(context.Background(), s.ID, "go"))

		eventually(t, func() bool {
			h.detector.mu.Lock()
			defer h.detector.mu.Unlock()
			return len(h.detector.detected) == 1
		}, "detector called")
		det := h.detector.detected[0]
		assert.Equal(t, "api.example.com", det.Domain)
		assert.Equal(t, s.ThreadID, det.ThreadID)
		assert.True(t, h.chat.has("before"))
		assert.False(t, h.chat.has("NETWORK_REQUEST"))
	})

	t.Run("context warning", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.worker.script = func(string) fakeTurn {
			return fakeTurn{events: []output.Event{output.ResponseComplete(170_000, 1)}, remoteID: "r"}
		}
		s := h.start(t, CreateRequest{})
		require.NoError(t, h.m.Send(context.Background(), s.ID, "go"))
		eventually(t, func() bool { return h.chat.has("Context window 85% full") }, "warning posted")
	})

	t.Run("title capture", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.worker.script = func(string) fakeTurn {
			return fakeTurn{events: []output.Event{output.TextLine(`"Fix the flaky build"`), output.ResponseComplete(1, 1)}, remoteID: "r"}
		}
		s := h.start(t, CreateRequest{})
		s.requestTitle()
		require.NoError(t, h.m.Inject(context.Background(), s.ID, titlePrompt))

		eventually(t, func() bool { return h.chat.has("Title updated.") }, "title set")
		h.chat.mu.Lock()
		defer h.chat.mu.Unlock()
		assert.Equal(t, "**Session** for **org/repo** - Fix the flaky build", h.chat.updates[s.ThreadID])
	})
}

func TestStreamEnd(t *testing.T) {
	t.Run("process death cleans up", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.worker.script = func(string) fakeTurn {
			return fakeTurn{events: []output.Event{output.TextLine("partial"), output.ProcessDied(output.ExitCode(137), "")}}
		}
		s := h.start(t, CreateRequest{})
		require.NoError(t, h.m.Send(context.Background(), s.ID, "go"))

		eventually(t, func() bool { return h.chat.has("Session ended.") }, "end notice")
		assert.True(t, h.chat.has("SIGKILL"))
		assert.Equal(t, StateStopped, s.State())
		_, ok := h.m.Get(s.ID)
		assert.False(t, ok)
		assert.False(t, h.store.has(s.ID))
		assert.Equal(t, 0, h.workloads.count(testKey))
		_, held := h.m.locker.Holder("org/repo")
		assert.False(t, held)
		assert.True(t, h.worker.closed)
	})

	t.Run("worker panic is contained", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.worker.script = func(string) fakeTurn { panic("kaboom") }
		s := h.start(t, CreateRequest{})
		require.NoError(t, h.m.Send(context.Background(), s.ID, "go"))

		eventually(t, func() bool { return h.chat.has("internal error in forwarder") }, "panic notice")
		eventually(t, func() bool { return s.State() == StateStopped }, "session cleaned up")
	})
}

func TestStop(t *testing.T) {
	t.Run("explicit stop", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.worker.script = func(string) fakeTurn {
			return fakeTurn{events: []output.Event{output.TextLine("working")}, remoteID: "r", block: true}
		}
		s := h.start(t, CreateRequest{})
		require.NoError(t, h.m.Send(context.Background(), s.ID, "go"))
		eventually(t, func() bool { return s.RemoteID() == "" && s.State() == StateActive }, "turn running")

		n, err := h.m.Stop(context.Background(), s.ID, ScopeSession)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, StateStopped, s.State())
		assert.Equal(t, []string{s.ID}, h.detector.forgotten)

		_, err = h.m.Stop(context.Background(), s.ID, ScopeSession)
		require.ErrorIs(t, err, ErrSessionNotFound)
		assert.False(t, h.chat.has("Session ended."))
	})

	t.Run("races clean up once", func(t *testing.T) {
		h := newHarness(t, Options{})
		s := h.start(t, CreateRequest{})

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = h.m.Stop(context.Background(), s.ID, ScopeSession)
			}()
		}
		wg.Wait()
		h.detector.mu.Lock()
		defer h.detector.mu.Unlock()
		assert.Len(t, h.detector.forgotten, 1)
	})

	t.Run("explicit stop racing stream end cleans up once", func(t *testing.T) {
		for round := range 25 {
			h := newHarness(t, Options{})
			release := make(chan struct{})
			h.worker.script = func(string) fakeTurn {
				return fakeTurn{events: []output.Event{output.TextLine("working")}, release: release, err: errors.New("stream closed")}
			}
			s := h.start(t, CreateRequest{})
			assert.Equal(t, float64(1), testutil.ToFloat64(h.m.metrics.ActiveSessions))
			require.NoError(t, h.m.Send(context.Background(), s.ID, "go"))
			eventually(t, func() bool { e, _ := h.worker.calls(); return e == 1 }, "turn running")

			var wg sync.WaitGroup
			start := make(chan struct{})
			for range 3 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, _ = h.m.Stop(context.Background(), s.ID, ScopeSession)
				}()
			}
			close(start)
			close(release)
			wg.Wait()
			eventually(t, func() bool { return s.State() == StateStopped }, "session stopped")

			h.workloads.mu.Lock()
			releases := h.workloads.releases
			h.workloads.mu.Unlock()
			h.store.mu.Lock()
			deletes := h.store.deletes
			h.store.mu.Unlock()
			h.detector.mu.Lock()
			forgotten := len(h.detector.forgotten)
			h.detector.mu.Unlock()

			assert.Equal(t, 1, releases, "round %d: workload release", round)
			assert.Equal(t, 1, deletes, "round %d: store delete", round)
			assert.Equal(t, 1, forgotten, "round %d: approval state forgotten", round)
			assert.Equal(t, float64(0), testutil.ToFloat64(h.m.metrics.ActiveSessions), "round %d: active sessions gauge", round)
			assert.Equal(t, 0, h.workloads.count(testKey))
		}
	})

	t.Run("session and idle workload", func(t *testing.T) {
		h := newHarness(t, Options{})
		s := h.start(t, CreateRequest{})
		_, err := h.m.Stop(context.Background(), s.ID, ScopeSessionAndWorkload)
		require.NoError(t, err)
		assert.Equal(t, []workload.Key{testKey}, h.workloads.teardown)
	})

	t.Run("all on workload", func(t *testing.T) {
		h := newHarness(t, Options{})
		a := h.start(t, CreateRequest{})
		h.start(t, CreateRequest{Worktree: true})

		n, err := h.m.Stop(context.Background(), a.ID, ScopeAllOnWorkload)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Empty(t, h.m.List())
		assert.Equal(t, []workload.Key{testKey}, h.workloads.teardown)
	})

	t.Run("stop all", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.start(t, CreateRequest{})
		h.start(t, CreateRequest{Ref: repo.Ref{Org: "org", Repo: "other"}})

		sessions, workloads := h.m.StopAll(context.Background())
		assert.Equal(t, 2, sessions)
		assert.Equal(t, 2, workloads)
	})

	t.Run("shutdown keeps sessions persisted", func(t *testing.T) {
		h := newHarness(t, Options{})
		s := h.start(t, CreateRequest{})
		require.NoError(t, h.m.Shutdown(context.Background()))
		assert.True(t, h.store.has(s.ID))
		assert.False(t, h.chat.has("Session ended."))
	})

	t.Run("child stop notifies parent", func(t *testing.T) {
		h := newHarness(t, Options{})
		parent := h.start(t, CreateRequest{Kind: KindOrchestrator})
		child := h.start(t, CreateRequest{Kind: KindWorker, ParentID: parent.ID, Worktree: true})
		assert.Len(t, h.m.Children(parent.ID), 1)

		_, err := h.m.Stop(context.Background(), child.ID, ScopeSession)
		require.NoError(t, err)
		assert.True(t, h.chat.has("Child session `"+child.ID[:8]+"` (worker) on **org/repo** stopped."))
	})
}

func TestRecover(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.workloads.LookupOrStart(context.Background(), testKey, workload.LaunchConfig{})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, h.store.CreateSession(context.Background(), Record{
		ID: "11111111-aaaa", ChannelID: "ch-1", ThreadID: "t-1", Project: "org/repo",
		Resource: "org/repo", Kind: "orchestrator", MessageCount: 4, CreatedAt: now, LastActivityAt: now,
	}))
	require.NoError(t, h.store.CreateSession(context.Background(), Record{
		ID: "22222222-bbbb", ChannelID: "ch-1", ThreadID: "t-2", Resource: "org/gone", CreatedAt: now,
	}))

	n, err := h.m.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, ok := h.m.ByThread("ch-1", "t-1")
	require.True(t, ok)
	assert.Equal(t, KindOrchestrator, s.Kind)
	assert.Equal(t, 4, s.Info().MessageCount)
	assert.Equal(t, StateActive, s.State())
	assert.False(t, h.store.has("22222222-bbbb"))
	assert.True(t, h.chat.has("This session was recovered"))

	require.NoError(t, h.m.Send(context.Background(), s.ID, "hi"))
	eventually(t, func() bool { return h.chat.has("echo: hi") }, "recovered session answers")
}

func TestRecoverDropReleasesAttachment(t *testing.T) {
	record := func(id string) Record {
		now := time.Now()
		return Record{ID: id, ChannelID: "ch-1", ThreadID: "t-" + id, Project: "org/repo",
			Resource: "org/repo", CreatedAt: now, LastActivityAt: now}
	}

	t.Run("dial failure", func(t *testing.T) {
		h := newHarness(t, Options{})
		_, err := h.workloads.LookupOrStart(context.Background(), testKey, workload.LaunchConfig{})
		require.NoError(t, err)
		require.NoError(t, h.store.CreateSession(context.Background(), record("11111111-aaaa")))
		h.m.dial = func(string) (Worker, error) { return nil, errors.New("connection refused") }

		n, err := h.m.Recover(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.False(t, h.store.has("11111111-aaaa"))
		assert.Equal(t, 0, h.workloads.count(testKey))
		_, held := h.m.locker.Holder("org/repo")
		assert.False(t, held)
	})

	t.Run("resource lock busy", func(t *testing.T) {
		h := newHarness(t, Options{})
		for range 2 {
			_, err := h.workloads.LookupOrStart(context.Background(), testKey, workload.LaunchConfig{})
			require.NoError(t, err)
		}
		require.NoError(t, h.store.CreateSession(context.Background(), record("11111111-aaaa")))
		require.NoError(t, h.store.CreateSession(context.Background(), record("22222222-bbbb")))

		n, err := h.m.Recover(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Len(t, h.m.List(), 1)
		assert.Equal(t, 1, h.workloads.count(testKey))
	})
}
