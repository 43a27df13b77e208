package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/approval"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/events"
	"github.com/jcttech/claude-session-manager/internal/metrics"
	"github.com/jcttech/claude-session-manager/internal/monitor"
	"github.com/jcttech/claude-session-manager/internal/repo"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

// ChatClient is the part of chat.Chat the manager posts through.
type ChatClient interface {
	Post(ctx context.Context, channelID, message string) (string, error)
	PostInThread(ctx context.Context, channelID, rootID, message string) (string, error)
	UpdatePost(ctx context.Context, postID, message string) error
	GetChannelByName(ctx context.Context, name string) (string, bool, error)
	CreateChannel(ctx context.Context, name, displayName string) (string, error)
	FollowThread(ctx context.Context, threadID string) error
}

// Workloads is the workload registry surface sessions attach through.
type Workloads interface {
	LookupOrStart(ctx context.Context, key workload.Key, cfg workload.LaunchConfig) (workload.Handle, error)
	Release(ctx context.Context, key workload.Key) int
	Touch(key workload.Key)
	Teardown(ctx context.Context, key workload.Key, force bool) error
	Get(key workload.Key) (workload.Entry, bool)
	Snapshot() []workload.Entry
}

// Checkout prepares the working copy a workload mounts.
type Checkout interface {
	RepoPath(ref repo.Ref) string
	EnsureRepo(ctx context.Context, ref repo.Ref) (string, error)
	CreateWorktree(ctx context.Context, ref repo.Ref, sessionID string) (repo.Worktree, error)
	RemoveWorktree(ctx context.Context, wt repo.Worktree) error
}

// Detector handles network access markers found in output.
type Detector interface {
	Detect(ctx context.Context, d approval.Detection) (approval.Outcome, error)
	ForgetSession(sessionID string)
}

// Options are the manager settings taken from configuration.
type Options struct {
	Trigger    string
	DefaultOrg string
	// Launch is the base launch config; ProjectPath is filled per session.
	Launch workload.LaunchConfig
	// CompactThreshold is the message count at which orchestrators auto-compact. 0 disables it.
	CompactThreshold int
	// OrchestratorPrompt overrides the built-in orchestrator addendum template.
	OrchestratorPrompt string
}

// Deps groups the collaborators of a Manager. Store, Approvals and Emitter may be nil.
type Deps struct {
	Chat      ChatClient
	Workloads Workloads
	Dial      Dialer
	Locker    *repo.Locker
	Git       Checkout
	Tracker   *monitor.Tracker
	Approvals Detector
	Store     Store
	Metrics   *metrics.Metrics
	Emitter   *events.Emitter
}

type threadKey struct {
	channel string
	thread  string
}

// Manager is the session registry. The sessions map is the only shared state;
// per-session fields change only through Session methods.
type Manager struct {
	chat      ChatClient
	workloads Workloads
	dial      Dialer
	locker    *repo.Locker
	git       Checkout
	tracker   *monitor.Tracker
	approvals Detector
	store     Store
	metrics   *metrics.Metrics
	emitter   *events.Emitter
	opts      Options
	logger    *logger.Logger
	now       func() time.Time

	// root parents every per-session task; Shutdown cancels it.
	root       context.Context
	cancelRoot context.CancelFunc
	tasks      sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	byThread map[threadKey]string
	closing  bool
}

func NewManager(deps Deps, opts Options, log *logger.Logger) *Manager {
	if opts.Trigger == "" {
		opts.Trigger = "@claude"
	}
	if deps.Locker == nil {
		deps.Locker = repo.NewLocker()
	}
	if deps.Tracker == nil {
		deps.Tracker = monitor.NewTracker()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		chat:       deps.Chat,
		workloads:  deps.Workloads,
		dial:       deps.Dial,
		locker:     deps.Locker,
		git:        deps.Git,
		tracker:    deps.Tracker,
		approvals:  deps.Approvals,
		store:      deps.Store,
		metrics:    deps.Metrics,
		emitter:    deps.Emitter,
		opts:       opts,
		logger:     log.WithFields(zap.String("component", "session-manager")),
		now:        time.Now,
		root:       root,
		cancelRoot: cancel,
		sessions:   make(map[string]*Session),
		byThread:   make(map[threadKey]string),
	}
}

// SetApprovals wires the approval workflow after construction; the two depend on each other.
func (m *Manager) SetApprovals(d Detector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals = d
}

func (m *Manager) detector() Detector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.approvals
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ByThread returns the session bound to a chat thread.
func (m *Manager) ByThread(channelID, threadID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byThread[threadKey{channelID, threadID}]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// FindByPrefix resolves a unique id prefix.
func (m *Manager) FindByPrefix(prefix string) (*Session, bool) {
	if prefix == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Session
	for id, s := range m.sessions {
		if strings.HasPrefix(id, prefix) {
			if found != nil {
				return nil, false
			}
			found = s
		}
	}
	return found, found != nil
}

// List returns sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Children lists the sessions spawned by parentID.
func (m *Manager) Children(parentID string) []*Session {
	var out []*Session
	for _, s := range m.List() {
		if s.ParentID == parentID {
			out = append(out, s)
		}
	}
	return out
}

// routable lists the sessions a top-level message in channelID may go to.
func (m *Manager) routable(channelID string) []*Session {
	var out []*Session
	for _, s := range m.List() {
		if s.ChannelID != channelID || s.Kind == KindWorker || s.accepting() != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// onWorkload lists the sessions attached to key.
func (m *Manager) onWorkload(key workload.Key) []*Session {
	var out []*Session
	for _, s := range m.List() {
		if s.Workload == key {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.byThread[threadKey{s.ChannelID, s.ThreadID}] = s.ID
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
	if m.byThread[threadKey{s.ChannelID, s.ThreadID}] == s.ID {
		delete(m.byThread, threadKey{s.ChannelID, s.ThreadID})
	}
}

func (m *Manager) isClosing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closing
}

// Shutdown cancels every per-session task and waits for the output pumps to
// flush. Sessions stay persisted so the next start can recover them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.cancelRoot()

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Session tasks stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) postInThread(ctx context.Context, s *Session, msg string) string {
	id, err := m.chat.PostInThread(ctx, s.ChannelID, s.ThreadID, msg)
	if err != nil {
		m.logger.Warn("Failed to post in session thread", zap.String("session_id", s.ID), zap.Error(err))
	}
	return id
}

func (m *Manager) post(ctx context.Context, channelID, msg string) {
	if _, err := m.chat.Post(ctx, channelID, msg); err != nil {
		m.logger.Warn("Failed to post", zap.String("channel_id", channelID), zap.Error(err))
	}
}
