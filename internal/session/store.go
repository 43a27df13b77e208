package session

import (
	"context"
	"time"

	"github.com/jcttech/claude-session-manager/internal/workload"
)

// Record is the persisted form of a session.
type Record struct {
	ID              string    `db:"session_id"`
	ChannelID       string    `db:"channel_id"`
	ThreadID        string    `db:"thread_id"`
	Project         string    `db:"project"`
	ProjectPath     string    `db:"project_path"`
	Resource        string    `db:"resource"`
	Branch          string    `db:"branch"`
	WorkloadName    string    `db:"workload_name"`
	Kind            string    `db:"session_kind"`
	ParentID        string    `db:"parent_session_id"`
	UserID          string    `db:"user_id"`
	WorktreePath    string    `db:"worktree_path"`
	PlanMode        bool      `db:"plan_mode"`
	MessageCount    int       `db:"message_count"`
	CompactionCount int       `db:"compaction_count"`
	CreatedAt       time.Time `db:"created_at"`
	LastActivityAt  time.Time `db:"last_activity_at"`
}

func (r Record) workloadKey() workload.Key {
	return workload.Key{Resource: r.Resource, Branch: r.Branch}
}

// ChannelMapping binds a repository to the chat channel its sessions post in.
type ChannelMapping struct {
	Resource    string    `db:"resource"`
	ChannelID   string    `db:"channel_id"`
	ChannelName string    `db:"channel_name"`
	CreatedAt   time.Time `db:"created_at"`
}

// Store mirrors sessions and channel mappings durably. Lookups return nil, nil
// when nothing matches.
type Store interface {
	CreateSession(ctx context.Context, r Record) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]Record, error)
	// TouchSession bumps message_count and last_activity_at.
	TouchSession(ctx context.Context, id string, at time.Time) error
	RecordCompaction(ctx context.Context, id string) error
	GetChannelMapping(ctx context.Context, resource string) (*ChannelMapping, error)
	CreateChannelMapping(ctx context.Context, m ChannelMapping) error
}

func (s *Session) record() Record {
	info := s.Info()
	r := Record{
		ID:              s.ID,
		ChannelID:       s.ChannelID,
		ThreadID:        s.ThreadID,
		Project:         s.Project,
		ProjectPath:     s.ProjectPath,
		Resource:        s.Workload.Resource,
		Branch:          s.Workload.Branch,
		WorkloadName:    info.WorkloadName,
		Kind:            string(s.Kind),
		ParentID:        s.ParentID,
		UserID:          s.UserID,
		PlanMode:        info.PlanMode,
		MessageCount:    info.MessageCount,
		CompactionCount: info.CompactionCount,
		CreatedAt:       s.CreatedAt,
		LastActivityAt:  info.LastActivity,
	}
	if s.Worktree != nil {
		r.WorktreePath = s.Worktree.Path
	}
	return r
}
