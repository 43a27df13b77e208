package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcttech/claude-session-manager/internal/approval"
	"github.com/jcttech/claude-session-manager/internal/db/dialect"
)

const pendingColumns = `request_id, channel_id, thread_id, session_id, domain, post_id, created_at`

func (s *Store) CreatePendingRequest(ctx context.Context, req approval.PendingRequest) error {
	query := `INSERT INTO pending_requests (` + pendingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.w().ExecContext(ctx, s.w().Rebind(query),
		req.RequestID, req.ChannelID, req.ThreadID, req.SessionID, req.Domain, req.PostID, req.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert pending request: %w", err)
	}
	return nil
}

// GetPendingRequest returns nil, nil when requestID is unknown.
func (s *Store) GetPendingRequest(ctx context.Context, requestID string) (*approval.PendingRequest, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_requests WHERE request_id = ?`
	return s.getPending(ctx, query, requestID)
}

// GetPendingRequestByDomainAndSession returns the oldest pending request for
// the pair, or nil, nil.
func (s *Store) GetPendingRequestByDomainAndSession(ctx context.Context, domain, sessionID string) (*approval.PendingRequest, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_requests
		WHERE domain = ? AND session_id = ? ORDER BY created_at LIMIT 1`
	return s.getPending(ctx, query, domain, sessionID)
}

func (s *Store) getPending(ctx context.Context, query string, args ...any) (*approval.PendingRequest, error) {
	var req approval.PendingRequest
	err := s.r().GetContext(ctx, &req, s.r().Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending request: %w", err)
	}
	return &req, nil
}

func (s *Store) SetPendingRequestPost(ctx context.Context, requestID, postID string) error {
	query := `UPDATE pending_requests SET post_id = ? WHERE request_id = ?`
	if _, err := s.w().ExecContext(ctx, s.w().Rebind(query), postID, requestID); err != nil {
		return fmt.Errorf("set pending request post: %w", err)
	}
	return nil
}

func (s *Store) DeletePendingRequest(ctx context.Context, requestID string) error {
	if _, err := s.w().ExecContext(ctx, s.w().Rebind(`DELETE FROM pending_requests WHERE request_id = ?`), requestID); err != nil {
		return fmt.Errorf("delete pending request: %w", err)
	}
	return nil
}

// DeleteStalePendingRequests removes requests created before olderThan and
// returns them. Select and delete share one transaction on the writer.
func (s *Store) DeleteStalePendingRequests(ctx context.Context, olderThan time.Time) ([]approval.PendingRequest, error) {
	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin stale cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var out []approval.PendingRequest
	cutoff := olderThan.UTC()
	query := `SELECT ` + pendingColumns + ` FROM pending_requests WHERE created_at < ? ORDER BY created_at`
	if err := tx.SelectContext(ctx, &out, tx.Rebind(query), cutoff); err != nil {
		return nil, fmt.Errorf("select stale pending requests: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM pending_requests WHERE created_at < ?`), cutoff); err != nil {
		return nil, fmt.Errorf("delete stale pending requests: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stale cleanup: %w", err)
	}
	return out, nil
}

func (s *Store) LogApproval(ctx context.Context, entry approval.AuditEntry) error {
	at := entry.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	query := `INSERT INTO audit_log (request_id, domain, action, approved_by, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := dialect.InsertID(ctx, s.w(), query,
		entry.RequestID, entry.Domain, entry.Action, entry.ApprovedBy, at.UTC()); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditLog lists the newest entries first, at most limit of them.
func (s *Store) AuditLog(ctx context.Context, limit int) ([]approval.AuditEntry, error) {
	var out []approval.AuditEntry
	query := `SELECT id, request_id, domain, action, approved_by, created_at FROM audit_log ORDER BY id DESC LIMIT ?`
	if err := s.r().SelectContext(ctx, &out, s.r().Rebind(query), limit); err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return out, nil
}
