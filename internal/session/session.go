// Package session owns chat-thread-scoped sessions: routing inbound messages,
// the per-session forwarding and output tasks, and the claim-guarded cleanup.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jcttech/claude-session-manager/internal/repo"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

var (
	ErrResourceBusy    = errors.New("resource is locked by another session")
	ErrAlreadyStopped  = errors.New("session already stopped")
	ErrAlreadyStopping = errors.New("session already stopping")
	ErrSessionNotFound = errors.New("session not found")
)

// Kind is the role a session plays.
type Kind string

const (
	KindStandard     Kind = "standard"
	KindOrchestrator Kind = "orchestrator"
	KindWorker       Kind = "worker"
	KindReviewer     Kind = "reviewer"
)

// ParseKind maps a persisted kind; unknown values read as standard.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindOrchestrator, KindWorker, KindReviewer:
		return Kind(s)
	default:
		return KindStandard
	}
}

// Label is the root post text of a session thread.
func (k Kind) Label(project string) string {
	switch k {
	case KindWorker:
		return "**Worker session** for **" + project + "**"
	case KindReviewer:
		return "**Reviewer session** for **" + project + "**"
	case KindOrchestrator:
		return "**Orchestrator session** for **" + project + "**"
	default:
		return "**Session** for **" + project + "**"
	}
}

// Scope selects what Stop tears down besides the session itself.
type Scope int

const (
	// ScopeSession detaches the session and leaves the workload to the idle monitor.
	ScopeSession Scope = iota
	// ScopeSessionAndWorkload also tears the workload down once no session is attached.
	ScopeSessionAndWorkload
	// ScopeAllOnWorkload stops every session on the workload and force-tears it down.
	ScopeAllOnWorkload
)

// Session is one conversation bound to a chat thread and a workload. Identity
// fields are set at creation and never change; the rest is guarded by mu or
// is atomic.
type Session struct {
	ID          string
	ChannelID   string
	ThreadID    string
	Ref         repo.Ref
	Project     string
	ProjectPath string
	Workload    workload.Key
	WorkloadID  string
	Kind        Kind
	ParentID    string
	UserID      string
	CreatedAt   time.Time
	Worktree    *repo.Worktree

	state atomic.Int32

	mu              sync.Mutex
	workloadName    string
	lastActivity    time.Time
	inputTokens     uint64
	outputTokens    uint64
	messageCount    int
	compactionCount int
	planMode        bool
	remoteID        string
	conversation    uint64
	pendingTitle    bool
	title           string

	// ctx scopes the forwarder and pump; cancel ends both.
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan string
	done   chan struct{}
	worker Worker
}

// Info is a point-in-time copy of a session's mutable fields.
type Info struct {
	ID              string
	ChannelID       string
	ThreadID        string
	Project         string
	Kind            Kind
	State           State
	WorkloadName    string
	ParentID        string
	CreatedAt       time.Time
	LastActivity    time.Time
	InputTokens     uint64
	OutputTokens    uint64
	MessageCount    int
	CompactionCount int
	PlanMode        bool
	RemoteID        string
	Title           string
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:              s.ID,
		ChannelID:       s.ChannelID,
		ThreadID:        s.ThreadID,
		Project:         s.Project,
		Kind:            s.Kind,
		State:           s.State(),
		WorkloadName:    s.workloadName,
		ParentID:        s.ParentID,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.lastActivity,
		InputTokens:     s.inputTokens,
		OutputTokens:    s.outputTokens,
		MessageCount:    s.messageCount,
		CompactionCount: s.compactionCount,
		PlanMode:        s.planMode,
		RemoteID:        s.remoteID,
		Title:           s.title,
	}
}

func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// conversationGen identifies the current conversation. It changes on every reset.
func (s *Session) conversationGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation
}

// captureRemoteID records id for the conversation gen. It reports false when
// the conversation was reset since gen was taken or id is already known.
func (s *Session) captureRemoteID(gen uint64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.conversation || id == "" || id == s.remoteID {
		return false
	}
	s.remoteID = id
	return true
}

// resetConversation makes the next message open a fresh stream. A turn still
// running on the old conversation can no longer set the remote id.
func (s *Session) resetConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteID = ""
	s.conversation++
}

func (s *Session) PlanMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planMode
}

func (s *Session) setPlanMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planMode = on
}

// recordMessage counts one inbound message and returns the new total.
func (s *Session) recordMessage(at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++
	s.lastActivity = at
	return s.messageCount
}

func (s *Session) recordCompaction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactionCount++
}

func (s *Session) recordTokens(in, out uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputTokens = in
	s.outputTokens += out
}

func (s *Session) requestTitle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTitle = true
}

func (s *Session) takePendingTitle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pendingTitle
	s.pendingTitle = false
	return p
}

func (s *Session) setTitle(t string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = t
}

// RootLabel is the thread root text including the title, if any.
func (s *Session) RootLabel() string {
	s.mu.Lock()
	title := s.title
	s.mu.Unlock()
	label := s.Kind.Label(s.Ref.FullName())
	if title == "" {
		return label
	}
	return label + " - " + title
}
