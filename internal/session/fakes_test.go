package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jcttech/claude-session-manager/internal/approval"
	"github.com/jcttech/claude-session-manager/internal/bridge"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/metrics"
	"github.com/jcttech/claude-session-manager/internal/output"
	"github.com/jcttech/claude-session-manager/internal/repo"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

type chatPost struct {
	channel string
	root    string
	message string
}

type fakeChat struct {
	mu       sync.Mutex
	next     int
	posts    []chatPost
	updates  map[string]string
	channels map[string]string
	created  []string
	postErr  error
}

func newFakeChat() *fakeChat {
	return &fakeChat{updates: make(map[string]string), channels: make(map[string]string)}
}

func (c *fakeChat) record(channel, root, msg string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.postErr != nil {
		return "", c.postErr
	}
	c.next++
	c.posts = append(c.posts, chatPost{channel: channel, root: root, message: msg})
	return fmt.Sprintf("post-%d", c.next), nil
}

func (c *fakeChat) Post(_ context.Context, channelID, message string) (string, error) {
	return c.record(channelID, "", message)
}

func (c *fakeChat) PostInThread(_ context.Context, channelID, rootID, message string) (string, error) {
	return c.record(channelID, rootID, message)
}

func (c *fakeChat) UpdatePost(_ context.Context, postID, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates[postID] = message
	return nil
}

func (c *fakeChat) GetChannelByName(_ context.Context, name string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.channels[name]
	return id, ok, nil
}

func (c *fakeChat) CreateChannel(_ context.Context, name, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "ch-" + name
	c.channels[name] = id
	c.created = append(c.created, name)
	return id, nil
}

func (c *fakeChat) FollowThread(context.Context, string) error { return nil }

// messages returns every posted message containing substr.
func (c *fakeChat) messages(substr string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.posts {
		if strings.Contains(p.message, substr) {
			out = append(out, p.message)
		}
	}
	return out
}

func (c *fakeChat) has(substr string) bool { return len(c.messages(substr)) > 0 }

func (c *fakeChat) threadMessages(root string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.posts {
		if p.root == root {
			out = append(out, p.message)
		}
	}
	return out
}

type fakeWorkloads struct {
	mu       sync.Mutex
	entries  map[workload.Key]*workload.Entry
	startErr error
	reused   bool
	teardown []workload.Key
	releases int
}

func newFakeWorkloads() *fakeWorkloads {
	return &fakeWorkloads{entries: make(map[workload.Key]*workload.Entry)}
}

func (w *fakeWorkloads) LookupOrStart(_ context.Context, key workload.Key, _ workload.LaunchConfig) (workload.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.startErr != nil {
		return workload.Handle{}, w.startErr
	}
	e, ok := w.entries[key]
	if !ok {
		e = &workload.Entry{Key: key, ID: "id-" + key.Resource, Name: "wl-" + key.Resource, Addr: "addr-" + key.Resource, State: workload.StateRunning}
		w.entries[key] = e
	}
	e.SessionCount++
	return workload.Handle{Key: key, ID: e.ID, Name: e.Name, Addr: e.Addr, Reused: ok || w.reused, SessionCount: e.SessionCount}, nil
}

func (w *fakeWorkloads) Release(_ context.Context, key workload.Key) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releases++
	e, ok := w.entries[key]
	if !ok {
		return 0
	}
	if e.SessionCount > 0 {
		e.SessionCount--
	}
	return e.SessionCount
}

func (w *fakeWorkloads) Touch(workload.Key) {}

func (w *fakeWorkloads) Teardown(_ context.Context, key workload.Key, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[key]
	if !ok {
		return workload.ErrWorkloadNotFound
	}
	if !force && e.SessionCount > 0 {
		return workload.ErrWorkloadInUse
	}
	delete(w.entries, key)
	w.teardown = append(w.teardown, key)
	return nil
}

func (w *fakeWorkloads) Get(key workload.Key) (workload.Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[key]
	if !ok {
		return workload.Entry{}, false
	}
	return *e, true
}

func (w *fakeWorkloads) Snapshot() []workload.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []workload.Entry
	for _, e := range w.entries {
		out = append(out, *e)
	}
	return out
}

func (w *fakeWorkloads) count(key workload.Key) int {
	e, _ := w.Get(key)
	return e.SessionCount
}

// fakeTurn replays events and reports remoteID.
type fakeTurn struct {
	events   []output.Event
	remoteID string
	err      error
	block    bool
	// release, when set, holds the turn open until closed.
	release chan struct{}
}

func (t fakeTurn) Turn(ctx context.Context, emit bridge.Emit) (string, error) {
	for _, ev := range t.events {
		if err := emit(ev); err != nil {
			return t.remoteID, err
		}
	}
	if t.block {
		<-ctx.Done()
		return t.remoteID, ctx.Err()
	}
	if t.release != nil {
		select {
		case <-t.release:
		case <-ctx.Done():
			return t.remoteID, ctx.Err()
		}
	}
	return t.remoteID, t.err
}

type fakeWorker struct {
	mu          sync.Mutex
	executes    []bridge.ExecuteRequest
	continues   []bridge.SendMessageRequest
	interrupted []string
	closed      bool
	// script produces the turn for a prompt; nil echoes the prompt.
	script func(prompt string) fakeTurn
}

func (w *fakeWorker) turn(prompt string) fakeTurn {
	if w.script != nil {
		return w.script(prompt)
	}
	return fakeTurn{
		events:   []output.Event{output.TextLine("echo: " + prompt), output.ResponseComplete(10, 5)},
		remoteID: "remote-1",
	}
}

func (w *fakeWorker) Execute(_ context.Context, req bridge.ExecuteRequest) (Turn, error) {
	w.mu.Lock()
	w.executes = append(w.executes, req)
	w.mu.Unlock()
	return w.turn(req.Prompt), nil
}

func (w *fakeWorker) Continue(_ context.Context, req bridge.SendMessageRequest) (Turn, error) {
	w.mu.Lock()
	w.continues = append(w.continues, req)
	w.mu.Unlock()
	return w.turn(req.Prompt), nil
}

func (w *fakeWorker) Interrupt(_ context.Context, id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.interrupted = append(w.interrupted, id)
	return true
}

func (w *fakeWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWorker) calls() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.executes), len(w.continues)
}

type fakeGit struct {
	mu      sync.Mutex
	removed []string
}

func (g *fakeGit) RepoPath(ref repo.Ref) string { return "/repos/" + ref.FullName() }

func (g *fakeGit) EnsureRepo(_ context.Context, ref repo.Ref) (string, error) {
	return g.RepoPath(ref), nil
}

func (g *fakeGit) CreateWorktree(_ context.Context, ref repo.Ref, sessionID string) (repo.Worktree, error) {
	return repo.Worktree{RepoPath: g.RepoPath(ref), Path: "/worktrees/" + sessionID, Name: sessionID}, nil
}

func (g *fakeGit) RemoveWorktree(_ context.Context, wt repo.Worktree) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, wt.Path)
	return nil
}

type fakeDetector struct {
	mu        sync.Mutex
	detected  []approval.Detection
	forgotten []string
}

func (d *fakeDetector) Detect(_ context.Context, det approval.Detection) (approval.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detected = append(d.detected, det)
	return approval.OutcomePrompted, nil
}

func (d *fakeDetector) ForgetSession(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgotten = append(d.forgotten, id)
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]Record
	mappings map[string]ChannelMapping
	deletes  int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]Record), mappings: make(map[string]ChannelMapping)}
}

func (s *memStore) CreateSession(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[r.ID] = r
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.sessions, id)
	return nil
}

func (s *memStore) ListSessions(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.sessions {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.sessions[id]; ok {
		r.MessageCount++
		r.LastActivityAt = at
		s.sessions[id] = r
	}
	return nil
}

func (s *memStore) RecordCompaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.sessions[id]; ok {
		r.CompactionCount++
		s.sessions[id] = r
	}
	return nil
}

func (s *memStore) GetChannelMapping(_ context.Context, resource string) (*ChannelMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[resource]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *memStore) CreateChannelMapping(_ context.Context, m ChannelMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[m.Resource] = m
	return nil
}

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

type harness struct {
	m         *Manager
	chat      *fakeChat
	workloads *fakeWorkloads
	worker    *fakeWorker
	git       *fakeGit
	detector  *fakeDetector
	store     *memStore
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		chat:      newFakeChat(),
		workloads: newFakeWorkloads(),
		worker:    &fakeWorker{},
		git:       &fakeGit{},
		detector:  &fakeDetector{},
		store:     newMemStore(),
	}
	h.m = NewManager(Deps{
		Chat:      h.chat,
		Workloads: h.workloads,
		Dial:      func(string) (Worker, error) { return h.worker, nil },
		Git:       h.git,
		Approvals: h.detector,
		Store:     h.store,
		Metrics:   metrics.New(),
	}, opts, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T, req CreateRequest) *Session {
	t.Helper()
	if req.ChannelID == "" {
		req.ChannelID = "ch-1"
	}
	if req.Ref.Org == "" {
		req.Ref = repo.Ref{Org: "org", Repo: "repo"}
	}
	s, err := h.m.Create(context.Background(), req)
	require.NoError(t, err)
	return s
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
