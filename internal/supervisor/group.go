// Package supervisor runs the long-lived background tasks under one shutdown signal.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jcttech/claude-session-manager/internal/common/constants"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

// ErrGraceExceeded is returned by Shutdown when tasks outlive the grace period.
var ErrGraceExceeded = errors.New("shutdown grace period exceeded")

// Group is an errgroup whose tasks share one cancellable context. A task
// returning an error cancels the others; a panicking task is logged and
// treated as finished.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
	grace  time.Duration
	logger *logger.Logger

	mu      sync.Mutex
	running map[string]int
	done    chan struct{}
	err     error
	once    sync.Once
}

// New derives the group context from parent. grace <= 0 uses the default.
func New(parent context.Context, grace time.Duration, log *logger.Logger) *Group {
	if grace <= 0 {
		grace = constants.ShutdownGrace
	}
	ctx, cancel := context.WithCancel(parent)
	eg, egCtx := errgroup.WithContext(ctx)
	return &Group{
		ctx:     egCtx,
		cancel:  cancel,
		eg:      eg,
		grace:   grace,
		logger:  log.WithFields(zap.String("component", "supervisor")),
		running: make(map[string]int),
		done:    make(chan struct{}),
	}
}

// Context is cancelled on Shutdown or when any task fails.
func (g *Group) Context() context.Context { return g.ctx }

// Go starts fn as a named task.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	g.running[name]++
	g.mu.Unlock()

	g.eg.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Background task panicked",
					zap.String("task", name),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))
				err = nil
			}
			g.mu.Lock()
			if g.running[name]--; g.running[name] <= 0 {
				delete(g.running, name)
			}
			g.mu.Unlock()
		}()

		g.logger.Debug("Background task started", zap.String("task", name))
		if err := fn(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("Background task failed", zap.String("task", name), zap.Error(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		g.logger.Debug("Background task stopped", zap.String("task", name))
		return nil
	})
}

// Wait blocks until every task has returned and reports the first failure.
func (g *Group) Wait() error {
	g.once.Do(func() {
		go func() {
			g.err = g.eg.Wait()
			close(g.done)
		}()
	})
	<-g.done
	return g.err
}

// Running lists the names of tasks that have not returned.
func (g *Group) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.running))
	for n := range g.running {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Shutdown cancels the group and waits up to the grace period. Tasks still
// running afterwards are abandoned and ErrGraceExceeded is returned.
func (g *Group) Shutdown() error {
	g.cancel()

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	timer := time.NewTimer(g.grace)
	defer timer.Stop()
	select {
	case err := <-waitErr:
		return err
	case <-timer.C:
		g.logger.Warn("Tasks still running after grace period",
			zap.Duration("grace", g.grace),
			zap.Strings("tasks", g.Running()))
		return ErrGraceExceeded
	}
}
