package workload

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/appctx"
	"github.com/jcttech/claude-session-manager/internal/common/constants"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/events"
)

// Options configures a Registry.
type Options struct {
	// MaxSessions caps attachments per workload; 0 means unlimited.
	MaxSessions  int
	StartTimeout time.Duration
}

// Registry is the in-memory directory of workloads. mu guards the maps only;
// a cold start runs outside it behind a per-key gate, so two callers never
// cold-start the same key and other keys are never blocked by a start.
type Registry struct {
	mu       sync.Mutex
	entries  map[Key]*Entry
	starting map[Key]*startGate

	lifecycle Lifecycle
	health    HealthChecker
	store     Store
	emitter   *events.Emitter
	opts      Options
	logger    *logger.Logger
	now       func() time.Time
}

// startGate is closed when an in-progress cold start finishes; err is its outcome.
type startGate struct {
	done chan struct{}
	err  error
}

// NewRegistry creates a registry. store and emitter may be nil.
func NewRegistry(lc Lifecycle, hc HealthChecker, store Store, emitter *events.Emitter, opts Options, log *logger.Logger) *Registry {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 2 * time.Minute
	}
	return &Registry{
		entries:   make(map[Key]*Entry),
		starting:  make(map[Key]*startGate),
		lifecycle: lc,
		health:    hc,
		store:     store,
		emitter:   emitter,
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "workload-registry")),
		now:       time.Now,
	}
}

// LookupOrStart attaches one session to the workload for key, cold-starting it on a miss.
func (r *Registry) LookupOrStart(ctx context.Context, key Key, cfg LaunchConfig) (Handle, error) {
	// Hashing may touch the remote host, so it happens before the lock.
	var currentHash string
	if fp, ok := r.lifecycle.(Fingerprinter); ok {
		h, err := fp.ConfigHash(ctx, cfg)
		if err != nil {
			r.logger.Debug("Config hash unavailable", zap.String("key", key.String()), zap.Error(err))
		}
		currentHash = h
	}

	for {
		r.mu.Lock()
		if e, ok := r.entries[key]; ok {
			h, err := r.attachLocked(ctx, e, currentHash)
			r.mu.Unlock()
			return h, err
		}
		if g, ok := r.starting[key]; ok {
			r.mu.Unlock()
			select {
			case <-g.done:
			case <-ctx.Done():
				return Handle{}, ctx.Err()
			}
			if g.err != nil {
				return Handle{}, g.err
			}
			continue
		}
		g := &startGate{done: make(chan struct{})}
		r.starting[key] = g
		r.mu.Unlock()

		return r.coldStart(ctx, key, cfg, g)
	}
}

func (r *Registry) attachLocked(ctx context.Context, e *Entry, currentHash string) (Handle, error) {
	if e.State != StateRunning {
		return Handle{}, fmt.Errorf("%w: %s is %s", ErrWorkloadUnavailable, e.Key, e.State)
	}
	if r.opts.MaxSessions > 0 && e.SessionCount >= r.opts.MaxSessions {
		return Handle{}, fmt.Errorf("%w: %s has %d sessions (max %d)", ErrWorkloadFull, e.Key, e.SessionCount, r.opts.MaxSessions)
	}

	e.SessionCount++
	e.LastActivityAt = r.now()
	r.persistSessions(ctx, e)

	changed := currentHash != "" && e.ConfigHash != "" && currentHash != e.ConfigHash
	if changed {
		r.logger.Warn("Launch config changed, rebuild needed on next cold start",
			zap.String("key", e.Key.String()),
			zap.String("stored_hash", e.ConfigHash),
			zap.String("current_hash", currentHash))
	}
	r.logger.Info("Reusing workload",
		zap.String("key", e.Key.String()),
		zap.String("name", e.Name),
		zap.Int("session_count", e.SessionCount))

	return Handle{
		Key:           e.Key,
		ID:            e.ID,
		Name:          e.Name,
		Addr:          e.Addr,
		Reused:        true,
		ConfigChanged: changed,
		SessionCount:  e.SessionCount,
	}, nil
}

// coldStart brings key up without holding mu. The entry becomes visible, and
// g is released, only once the workload is healthy and persisted.
func (r *Registry) coldStart(ctx context.Context, key Key, cfg LaunchConfig, g *startGate) (Handle, error) {
	start := r.now()
	r.logger.Info("Cold-starting workload", zap.String("key", key.String()))

	e, err := r.bringUp(ctx, key, cfg)
	if err == nil && r.store != nil {
		if perr := r.store.UpsertWorkload(ctx, *e); perr != nil {
			r.logger.Warn("Failed to persist workload", zap.String("key", key.String()), zap.Error(perr))
		}
	}

	r.mu.Lock()
	delete(r.starting, key)
	if err == nil {
		r.entries[key] = e
	}
	g.err = err
	close(g.done)
	r.mu.Unlock()

	if err != nil {
		return Handle{}, err
	}
	r.emitter.Emit(ctx, events.WorkloadStarted, map[string]any{
		"resource": key.Resource, "branch": key.Branch, "name": e.Name,
	})
	r.logger.Info("Workload started",
		zap.String("key", key.String()),
		zap.String("name", e.Name),
		zap.String("addr", e.Addr),
		zap.Duration("took", r.now().Sub(start)))

	return Handle{Key: key, ID: e.ID, Name: e.Name, Addr: e.Addr, SessionCount: 1}, nil
}

func (r *Registry) bringUp(ctx context.Context, key Key, cfg LaunchConfig) (*Entry, error) {
	startCtx, cancel := context.WithTimeout(ctx, r.opts.StartTimeout)
	defer cancel()

	inst, err := r.lifecycle.BringUp(startCtx, key, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWorkloadStartFailed, key, err)
	}
	if r.health != nil {
		if err := r.health.WaitHealthy(startCtx, inst.Addr); err != nil {
			r.bringDownDetached(ctx, inst)
			return nil, fmt.Errorf("%w: %s: %w", ErrWorkloadStartFailed, key, err)
		}
	}
	return &Entry{
		Key:            key,
		ID:             inst.ID,
		Name:           inst.Name,
		Addr:           inst.Addr,
		State:          StateRunning,
		SessionCount:   1,
		LastActivityAt: r.now(),
		ConfigHash:     inst.ConfigHash,
	}, nil
}

func (r *Registry) bringDownDetached(parent context.Context, inst Instance) {
	ctx, cancel := appctx.Detached(parent, nil, constants.CleanupTimeout)
	defer cancel()
	if err := r.lifecycle.BringDown(ctx, inst); err != nil {
		r.logger.Warn("Failed to bring down half-started workload", zap.String("name", inst.Name), zap.Error(err))
	}
}

// Release detaches one session. It never tears down.
func (r *Registry) Release(ctx context.Context, key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return 0
	}
	if e.SessionCount > 0 {
		e.SessionCount--
	}
	e.LastActivityAt = r.now()
	r.persistSessions(ctx, e)
	return e.SessionCount
}

// Touch stamps activity without changing the count.
func (r *Registry) Touch(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.LastActivityAt = r.now()
	}
}

// Teardown brings the workload down and removes it. Without force it refuses
// while sessions are attached.
func (r *Registry) Teardown(ctx context.Context, key Key, force bool) error {
	return r.teardown(ctx, key, func(e *Entry) error {
		if !force && e.SessionCount > 0 {
			return fmt.Errorf("%w: %s has %d sessions", ErrWorkloadInUse, key, e.SessionCount)
		}
		return nil
	})
}

// TeardownIfIdle tears down key only if it is running, has no sessions and has
// been idle for at least timeout. The check and the state change are atomic.
// It reports whether a teardown happened.
func (r *Registry) TeardownIfIdle(ctx context.Context, key Key, timeout time.Duration) (bool, error) {
	skipped := false
	err := r.teardown(ctx, key, func(e *Entry) error {
		if e.State != StateRunning || e.SessionCount > 0 || r.now().Sub(e.LastActivityAt) < timeout {
			skipped = true
			return ErrWorkloadInUse
		}
		return nil
	})
	if skipped {
		return false, nil
	}
	return err == nil, err
}

func (r *Registry) teardown(ctx context.Context, key Key, check func(*Entry) error) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkloadNotFound, key)
	}
	if e.State == StateStopping {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is already stopping", ErrWorkloadUnavailable, key)
	}
	if err := check(e); err != nil {
		r.mu.Unlock()
		return err
	}
	e.State = StateStopping
	inst := Instance{ID: e.ID, Name: e.Name, Addr: e.Addr, ConfigHash: e.ConfigHash}
	count := e.SessionCount
	r.mu.Unlock()

	r.persistState(ctx, key, StateStopping)
	r.logger.Info("Tearing down workload",
		zap.String("key", key.String()),
		zap.String("name", inst.Name),
		zap.Int("session_count", count))

	downErr := r.lifecycle.BringDown(ctx, inst)

	r.mu.Lock()
	if cur, ok := r.entries[key]; ok && cur == e {
		cur.State = StateStopped
		delete(r.entries, key)
	}
	r.mu.Unlock()

	r.persistState(ctx, key, StateStopped)
	r.emitter.Emit(ctx, events.WorkloadStopped, map[string]any{
		"resource": key.Resource, "branch": key.Branch, "name": inst.Name,
	})

	if downErr != nil {
		r.logger.Warn("Workload bring-down failed", zap.String("name", inst.Name), zap.Error(downErr))
		return fmt.Errorf("bring down %s: %w", key, downErr)
	}
	return nil
}

// Get returns a copy of the entry for key.
func (r *Registry) Get(key Key) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot lists all entries sorted by key.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Resource != out[j].Key.Resource {
			return out[i].Key.Resource < out[j].Key.Resource
		}
		return out[i].Key.Branch < out[j].Key.Branch
	})
	return out
}

// Restore replaces the registry contents with persisted running workloads.
func (r *Registry) Restore(entries []Entry) {
	adopter, _ := r.lifecycle.(Adopter)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[Key]*Entry, len(entries))
	for _, e := range entries {
		if e.State != StateRunning {
			continue
		}
		e := e
		r.entries[e.Key] = &e
		if adopter != nil {
			adopter.Adopt(Instance{ID: e.ID, Name: e.Name, Addr: e.Addr, ConfigHash: e.ConfigHash})
		}
	}
	r.logger.Info("Workload registry restored", zap.Int("count", len(r.entries)))
}

// RestoreFromStore loads running workloads from the store.
func (r *Registry) RestoreFromStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, err := r.store.ListRunningWorkloads(ctx)
	if err != nil {
		return fmt.Errorf("list running workloads: %w", err)
	}
	r.Restore(entries)
	return nil
}

func (r *Registry) persistSessions(ctx context.Context, e *Entry) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateWorkloadSessions(ctx, e.Key, e.SessionCount, e.LastActivityAt); err != nil {
		r.logger.Warn("Failed to persist session count", zap.String("key", e.Key.String()), zap.Error(err))
	}
}

func (r *Registry) persistState(ctx context.Context, key Key, state State) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateWorkloadState(ctx, key, state); err != nil {
		r.logger.Warn("Failed to persist workload state", zap.String("key", key.String()), zap.Error(err))
	}
}
