package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcttech/claude-session-manager/internal/approval"
	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/db"
	"github.com/jcttech/claude-session-manager/internal/session"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite3", Path: db.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	s, err := New(context.Background(), pool)
	require.NoError(t, err)
	return s
}

func TestSchemaIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.initSchema(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec := session.Record{
		ID: "s-1", ChannelID: "ch", ThreadID: "t", Project: "org/repo", ProjectPath: "/repos/org/repo",
		Resource: "org/repo", Branch: "main", WorkloadName: "wl", Kind: "orchestrator",
		PlanMode: true, CreatedAt: created, LastActivityAt: created,
	}
	require.NoError(t, s.CreateSession(ctx, rec))
	require.NoError(t, s.CreateSession(ctx, session.Record{
		ID: "s-2", ChannelID: "ch", ThreadID: "t2", Resource: "org/other", CreatedAt: created.Add(time.Minute), LastActivityAt: created,
	}))

	t.Run("round trip", func(t *testing.T) {
		got, err := s.GetSession(ctx, "s-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "orchestrator", got.Kind)
		assert.True(t, got.PlanMode)
		assert.Equal(t, "main", got.Branch)
		assert.True(t, created.Equal(got.CreatedAt))
	})

	t.Run("touch and compaction", func(t *testing.T) {
		later := created.Add(time.Hour)
		require.NoError(t, s.TouchSession(ctx, "s-1", later))
		require.NoError(t, s.TouchSession(ctx, "s-1", later))
		require.NoError(t, s.RecordCompaction(ctx, "s-1"))

		got, err := s.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.MessageCount)
		assert.Equal(t, 1, got.CompactionCount)
		assert.True(t, later.Equal(got.LastActivityAt))
	})

	t.Run("list oldest first", func(t *testing.T) {
		list, err := s.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "s-1", list[0].ID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteSession(ctx, "s-2"))
		got, err := s.GetSession(ctx, "s-2")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestChannelMappings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetChannelMapping(ctx, "org/repo")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.CreateChannelMapping(ctx, session.ChannelMapping{Resource: "org/repo", ChannelID: "c1", ChannelName: "repo", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateChannelMapping(ctx, session.ChannelMapping{Resource: "org/repo", ChannelID: "c2", ChannelName: "repo", CreatedAt: time.Now()}))

	got, err = s.GetChannelMapping(ctx, "org/repo")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c2", got.ChannelID)
}

func TestWorkloads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := workload.Key{Resource: "org/repo"}
	at := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertWorkload(ctx, workload.Entry{
		Key: key, ID: "cid", Name: "claude-repo", Addr: "10.0.0.2:50051", State: workload.StateRunning,
		SessionCount: 1, LastActivityAt: at, ConfigHash: "abc",
	}))
	require.NoError(t, s.UpsertWorkload(ctx, workload.Entry{
		Key: workload.Key{Resource: "org/gone"}, ID: "x", Name: "x", Addr: "x", State: workload.StateStopped, LastActivityAt: at,
	}))
	require.NoError(t, s.UpdateWorkloadSessions(ctx, key, 3, at.Add(time.Minute)))

	running, err := s.ListRunningWorkloads(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, key, running[0].Key)
	assert.Equal(t, 3, running[0].SessionCount)
	assert.Equal(t, "abc", running[0].ConfigHash)

	require.NoError(t, s.UpdateWorkloadState(ctx, key, workload.StateStopped))
	running, err = s.ListRunningWorkloads(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestPendingRequests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	old := approval.PendingRequest{RequestID: "r-old", ChannelID: "c", ThreadID: "t", SessionID: "s", Domain: "a.com", CreatedAt: now.Add(-48 * time.Hour)}
	fresh := approval.PendingRequest{RequestID: "r-new", ChannelID: "c", ThreadID: "t", SessionID: "s", Domain: "b.com", PostID: "p", CreatedAt: now}
	require.NoError(t, s.CreatePendingRequest(ctx, old))
	require.NoError(t, s.CreatePendingRequest(ctx, fresh))

	got, err := s.GetPendingRequest(ctx, "r-new")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p", got.PostID)

	got, err = s.GetPendingRequestByDomainAndSession(ctx, "a.com", "s")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r-old", got.RequestID)

	got, err = s.GetPendingRequestByDomainAndSession(ctx, "a.com", "other")
	require.NoError(t, err)
	assert.Nil(t, got)

	dropped, err := s.DeleteStalePendingRequests(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, dropped, 1)
	assert.Equal(t, "r-old", dropped[0].RequestID)

	dropped, err = s.DeleteStalePendingRequests(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, dropped)

	require.NoError(t, s.SetPendingRequestPost(ctx, "r-new", "card-1"))
	got, err = s.GetPendingRequest(ctx, "r-new")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "card-1", got.PostID)

	require.NoError(t, s.DeletePendingRequest(ctx, "r-new"))
	got, err = s.GetPendingRequest(ctx, "r-new")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.LogApproval(ctx, approval.AuditEntry{RequestID: "r1", Domain: "a.com", Action: "approve", ApprovedBy: "alice"}))
	require.NoError(t, s.LogApproval(ctx, approval.AuditEntry{RequestID: "r2", Domain: "b.com", Action: "deny", ApprovedBy: "bob"}))

	entries, err := s.AuditLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "deny", entries[0].Action)
	assert.Equal(t, "alice", entries[1].ApprovedBy)
	assert.Greater(t, entries[0].ID, entries[1].ID)
}
