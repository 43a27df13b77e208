package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/chat"
	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/events"
	"github.com/jcttech/claude-session-manager/internal/firewall"
	"github.com/jcttech/claude-session-manager/internal/metrics"
)

const (
	ActionApprove = "approve"
	ActionDeny    = "deny"

	// Audit actions for callbacks rejected before any lookup.
	auditUnauthorized     = "rejected_unauthorized"
	auditInvalidSignature = "rejected_signature"

	cardColor = "#FFA500"
)

// PendingRequest is a prompt awaiting a human decision.
type PendingRequest struct {
	RequestID string    `db:"request_id"`
	ChannelID string    `db:"channel_id"`
	ThreadID  string    `db:"thread_id"`
	SessionID string    `db:"session_id"`
	Domain    string    `db:"domain"`
	PostID    string    `db:"post_id"`
	CreatedAt time.Time `db:"created_at"`
}

// AuditEntry records a decision or a rejected callback.
type AuditEntry struct {
	ID         int64     `db:"id"`
	RequestID  string    `db:"request_id"`
	Domain     string    `db:"domain"`
	Action     string    `db:"action"`
	ApprovedBy string    `db:"approved_by"`
	CreatedAt  time.Time `db:"created_at"`
}

// Store persists pending requests and the audit log.
type Store interface {
	CreatePendingRequest(ctx context.Context, req PendingRequest) error
	GetPendingRequest(ctx context.Context, requestID string) (*PendingRequest, error)
	GetPendingRequestByDomainAndSession(ctx context.Context, domain, sessionID string) (*PendingRequest, error)
	// SetPendingRequestPost records the chat post of the request's card.
	SetPendingRequestPost(ctx context.Context, requestID, postID string) error
	DeletePendingRequest(ctx context.Context, requestID string) error
	DeleteStalePendingRequests(ctx context.Context, olderThan time.Time) ([]PendingRequest, error)
	LogApproval(ctx context.Context, entry AuditEntry) error
}

// Poster is the part of chat.Chat the workflow posts through.
type Poster interface {
	PostInThread(ctx context.Context, channelID, rootID, message string) (string, error)
	PostCard(ctx context.Context, channelID, rootID string, card chat.Card) (string, error)
	UpdatePost(ctx context.Context, postID, message string) error
}

// Injector delivers a marker line to a session's input.
type Injector interface {
	Inject(ctx context.Context, sessionID, text string) error
}

// Detection is one marker seen in a session's output.
type Detection struct {
	SessionID string
	ChannelID string
	ThreadID  string
	Domain    string
}

// Outcome says what Detect did.
type Outcome int

const (
	OutcomePrompted Outcome = iota + 1
	OutcomeDeduplicated
	OutcomeRejected
)

// Callback is a button press on an approval card.
type Callback struct {
	RequestID string
	Action    string
	Signature string
	UserName  string
}

// Decision is the result of a successful callback.
type Decision struct {
	RequestID string
	SessionID string
	Domain    string
	Action    string
	// Added is false when the domain was already on the allow-list.
	Added bool
	// Message is the text the card was replaced with.
	Message string
}

type dedupKey struct {
	session string
	domain  string
}

// Workflow detects requests, prompts approvers and applies their decisions.
type Workflow struct {
	store     Store
	poster    Poster
	firewall  firewall.Firewall
	injector  Injector
	metrics   *metrics.Metrics
	emitter   *events.Emitter
	logger    *logger.Logger
	secret    string
	approvers []string
	staleAge  time.Duration
	callback  string
	now       func() time.Time

	// mu makes lookup-then-create of a pending request atomic and guards the maps.
	mu       sync.Mutex
	dedup    map[dedupKey]int
	inflight map[string]struct{}
}

// Deps groups the collaborators of a Workflow.
type Deps struct {
	Store    Store
	Poster   Poster
	Firewall firewall.Firewall
	Injector Injector
	Metrics  *metrics.Metrics
	Emitter  *events.Emitter
}

func NewWorkflow(deps Deps, cfg config.ApprovalConfig, callbackURL string, log *logger.Logger) *Workflow {
	return &Workflow{
		store:     deps.Store,
		poster:    deps.Poster,
		firewall:  deps.Firewall,
		injector:  deps.Injector,
		metrics:   deps.Metrics,
		emitter:   deps.Emitter,
		logger:    log.WithFields(zap.String("component", "approval")),
		secret:    cfg.CallbackSecret,
		approvers: cfg.AllowedApprovers,
		staleAge:  cfg.StaleAfter(),
		callback:  callbackURL,
		now:       time.Now,
		dedup:     make(map[dedupKey]int),
		inflight:  make(map[string]struct{}),
	}
}

// SetInjector wires the session registry after construction; the two depend on each other.
func (w *Workflow) SetInjector(inj Injector) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.injector = inj
}

func (w *Workflow) isStale(req *PendingRequest) bool {
	return w.staleAge > 0 && w.now().Sub(req.CreatedAt) >= w.staleAge
}

// Detect handles one [NETWORK_REQUEST] marker. Invalid domains are rejected
// without a prompt. A live pending request for the same session and domain
// suppresses the prompt. An expired one is dropped and prompted again.
func (w *Workflow) Detect(ctx context.Context, d Detection) (Outcome, error) {
	log := w.logger.WithFields(zap.String("session_id", d.SessionID), zap.String("domain", d.Domain))

	if err := ValidateDomain(d.Domain); err != nil {
		log.Warn("Rejected invalid network request", zap.Error(err))
		msg := fmt.Sprintf(":no_entry: Rejected network request for `%s`: %v", d.Domain, err)
		if _, perr := w.poster.PostInThread(ctx, d.ChannelID, d.ThreadID, msg); perr != nil {
			log.Warn("Failed to post rejection", zap.Error(perr))
		}
		w.inject(ctx, d.SessionID, InvalidMarker(d.Domain))
		return OutcomeRejected, nil
	}

	req, expired, deduped, err := w.reserve(ctx, d, log)
	if expired != nil {
		w.markExpired(ctx, *expired)
	}
	if err != nil {
		return 0, err
	}
	if deduped {
		return OutcomeDeduplicated, nil
	}

	postID, err := w.poster.PostCard(ctx, d.ChannelID, d.ThreadID, w.card(req))
	if err != nil {
		w.mu.Lock()
		if derr := w.store.DeletePendingRequest(ctx, req.RequestID); derr != nil {
			log.Warn("Failed to roll back pending request", zap.String("request_id", req.RequestID), zap.Error(derr))
		}
		delete(w.dedup, dedupKey{d.SessionID, d.Domain})
		w.mu.Unlock()
		return 0, fmt.Errorf("post approval card: %w", err)
	}
	if err := w.store.SetPendingRequestPost(ctx, req.RequestID, postID); err != nil {
		log.Warn("Failed to record approval card", zap.String("request_id", req.RequestID), zap.Error(err))
	}

	w.metrics.NetworkRequests.Inc()
	w.emitter.Emit(ctx, events.ApprovalRequested, map[string]any{
		"request_id": req.RequestID, "session_id": d.SessionID, "domain": d.Domain,
	})
	log.Info("Network request received, awaiting approval", zap.String("request_id", req.RequestID))
	return OutcomePrompted, nil
}

// reserve is the atomic lookup-then-create of a pending request. It reports
// deduped when a live request already exists, and returns an expired request
// it replaced so the caller can mark its card outside the lock.
func (w *Workflow) reserve(ctx context.Context, d Detection, log *logger.Logger) (PendingRequest, *PendingRequest, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := dedupKey{d.SessionID, d.Domain}
	existing, err := w.store.GetPendingRequestByDomainAndSession(ctx, d.Domain, d.SessionID)
	if err != nil {
		log.Warn("Failed to check for duplicate request, proceeding", zap.Error(err))
	}
	if existing != nil && !w.isStale(existing) {
		w.dedup[key]++
		w.metrics.NetworkRequestsDeduplicated.Inc()
		log.Debug("Skipping duplicate network request, already pending",
			zap.String("existing_request_id", existing.RequestID),
			zap.Int("count", w.dedup[key]))
		return PendingRequest{}, nil, true, nil
	}
	if existing != nil {
		w.dropLocked(ctx, *existing)
	}

	req := PendingRequest{
		RequestID: uuid.New().String(),
		ChannelID: d.ChannelID,
		ThreadID:  d.ThreadID,
		SessionID: d.SessionID,
		Domain:    d.Domain,
		CreatedAt: w.now().UTC(),
	}
	if err := w.store.CreatePendingRequest(ctx, req); err != nil {
		return PendingRequest{}, existing, false, fmt.Errorf("persist pending request: %w", err)
	}
	return req, existing, false, nil
}

func (w *Workflow) card(req PendingRequest) chat.Card {
	action := func(id, name string) chat.CardAction {
		return chat.CardAction{
			ID:   id,
			Name: name,
			URL:  w.callback,
			Context: map[string]any{
				"action":     id,
				"request_id": req.RequestID,
				"signature":  Sign(w.secret, req.RequestID, id),
			},
		}
	}
	return chat.Card{
		Text:    fmt.Sprintf("**Network Request:** `%s`", req.Domain),
		Color:   cardColor,
		Actions: []chat.CardAction{action(ActionApprove, "Approve"), action(ActionDeny, "Deny")},
	}
}

// DedupCount reports how many detections were suppressed for the live request.
func (w *Workflow) DedupCount(sessionID, domain string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dedup[dedupKey{sessionID, domain}]
}

// Decide applies a callback. Authorization and the signature are checked
// before any lookup and both failures are audited without side effects.
func (w *Workflow) Decide(ctx context.Context, cb Callback) (Decision, error) {
	start := w.now()
	defer func() { w.metrics.CallbackDuration.Observe(w.now().Sub(start).Seconds()) }()

	log := w.logger.WithFields(zap.String("request_id", cb.RequestID), zap.String("user", cb.UserName))

	if len(w.approvers) > 0 && !slices.Contains(w.approvers, cb.UserName) {
		log.Warn("Unauthorized user attempted to process request")
		w.audit(ctx, AuditEntry{RequestID: cb.RequestID, Action: auditUnauthorized, ApprovedBy: cb.UserName})
		return Decision{}, ErrUnauthorized
	}
	if (cb.Action != ActionApprove && cb.Action != ActionDeny) || !Verify(w.secret, cb.RequestID, cb.Action, cb.Signature) {
		log.Warn("Invalid callback signature", zap.String("action", cb.Action))
		w.audit(ctx, AuditEntry{RequestID: cb.RequestID, Action: auditInvalidSignature, ApprovedBy: cb.UserName})
		return Decision{}, ErrSignatureInvalid
	}

	if !w.claim(cb.RequestID) {
		return Decision{}, ErrExpired
	}
	defer w.unclaim(cb.RequestID)

	req, err := w.store.GetPendingRequest(ctx, cb.RequestID)
	if err != nil {
		return Decision{}, fmt.Errorf("get pending request: %w", err)
	}
	if req == nil {
		return Decision{}, ErrExpired
	}
	if w.isStale(req) {
		w.mu.Lock()
		w.dropLocked(ctx, *req)
		w.mu.Unlock()
		w.markExpired(ctx, *req)
		return Decision{}, ErrExpired
	}

	dec := Decision{RequestID: req.RequestID, SessionID: req.SessionID, Domain: req.Domain, Action: cb.Action}
	marker := DeniedMarker(req.Domain)
	if cb.Action == ActionApprove {
		added, err := w.firewall.AddDomain(ctx, req.Domain)
		if err != nil {
			log.Error("Firewall update failed, request stays pending", zap.String("domain", req.Domain), zap.Error(err))
			return Decision{}, fmt.Errorf("add %s to allow-list: %w", req.Domain, err)
		}
		dec.Added = added
		marker = ApprovedMarker(req.Domain)
		dec.Message = fmt.Sprintf("`%s` approved by @%s", req.Domain, cb.UserName)
	} else {
		dec.Message = fmt.Sprintf("`%s` denied by @%s", req.Domain, cb.UserName)
	}

	if err := w.store.DeletePendingRequest(ctx, req.RequestID); err != nil {
		log.Error("Failed to delete pending request", zap.Error(err))
	}
	w.mu.Lock()
	delete(w.dedup, dedupKey{req.SessionID, req.Domain})
	w.mu.Unlock()

	w.audit(ctx, AuditEntry{RequestID: req.RequestID, Domain: req.Domain, Action: cb.Action, ApprovedBy: cb.UserName})
	if err := w.poster.UpdatePost(ctx, req.PostID, dec.Message); err != nil {
		log.Warn("Failed to update approval card", zap.Error(err))
	}
	w.inject(ctx, req.SessionID, marker)

	w.metrics.Approvals.WithLabelValues(cb.Action).Inc()
	w.metrics.NetworkRequestDuration.Observe(w.now().Sub(req.CreatedAt).Seconds())
	w.emitter.Emit(ctx, events.ApprovalDecided, map[string]any{
		"request_id": req.RequestID, "session_id": req.SessionID, "domain": req.Domain,
		"action": cb.Action, "user": cb.UserName,
	})
	log.Info("Network request decided",
		zap.String("domain", req.Domain),
		zap.String("action", cb.Action),
		zap.String("session_id", req.SessionID))
	return dec, nil
}

func (w *Workflow) claim(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[id]; busy {
		return false
	}
	w.inflight[id] = struct{}{}
	return true
}

func (w *Workflow) unclaim(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id)
}

// CleanupStale drops pending requests older than the stale age and marks
// their cards expired. It returns how many were dropped.
func (w *Workflow) CleanupStale(ctx context.Context) (int, error) {
	if w.staleAge <= 0 {
		return 0, nil
	}
	dropped, err := w.store.DeleteStalePendingRequests(ctx, w.now().Add(-w.staleAge).UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale pending requests: %w", err)
	}
	w.mu.Lock()
	for _, req := range dropped {
		delete(w.dedup, dedupKey{req.SessionID, req.Domain})
	}
	w.mu.Unlock()
	for _, req := range dropped {
		w.markExpired(ctx, req)
	}
	if len(dropped) > 0 {
		w.logger.Info("Cleaned up stale pending requests", zap.Int("count", len(dropped)))
	}
	return len(dropped), nil
}

// ForgetSession clears dedup state for a stopped session.
func (w *Workflow) ForgetSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k := range w.dedup {
		if k.session == sessionID {
			delete(w.dedup, k)
		}
	}
}

// dropLocked removes an expired request. Its card is marked by the caller
// once mu is released.
func (w *Workflow) dropLocked(ctx context.Context, req PendingRequest) {
	if err := w.store.DeletePendingRequest(ctx, req.RequestID); err != nil {
		w.logger.Warn("Failed to drop expired request", zap.String("request_id", req.RequestID), zap.Error(err))
	}
	delete(w.dedup, dedupKey{req.SessionID, req.Domain})
	w.logger.Info("Pending request expired", zap.String("request_id", req.RequestID), zap.String("domain", req.Domain))
}

func (w *Workflow) markExpired(ctx context.Context, req PendingRequest) {
	if req.PostID == "" {
		return
	}
	if err := w.poster.UpdatePost(ctx, req.PostID, fmt.Sprintf("`%s` request expired without a decision.", req.Domain)); err != nil {
		w.logger.Debug("Failed to mark card expired", zap.String("post_id", req.PostID), zap.Error(err))
	}
}

func (w *Workflow) audit(ctx context.Context, e AuditEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.now().UTC()
	}
	if err := w.store.LogApproval(ctx, e); err != nil {
		w.logger.Error("Failed to write audit record", zap.String("request_id", e.RequestID), zap.Error(err))
	}
}

func (w *Workflow) inject(ctx context.Context, sessionID, text string) {
	w.mu.Lock()
	inj := w.injector
	w.mu.Unlock()
	if inj == nil {
		return
	}
	if err := inj.Inject(ctx, sessionID, text); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("Failed to deliver marker to session",
			zap.String("session_id", sessionID), zap.String("marker", text), zap.Error(err))
	}
}
