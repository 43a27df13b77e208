package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/constants"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

// Reaper is the part of the workload registry the idle monitor needs.
type Reaper interface {
	Snapshot() []workload.Entry
	TeardownIfIdle(ctx context.Context, key workload.Key, timeout time.Duration) (bool, error)
}

// Idle tears down workloads that have had no sessions for the idle timeout.
type Idle struct {
	reaper  Reaper
	timeout time.Duration
	tick    time.Duration
	logger  *logger.Logger
}

func NewIdle(reaper Reaper, timeout time.Duration, log *logger.Logger) *Idle {
	return &Idle{
		reaper:  reaper,
		timeout: timeout,
		tick:    constants.IdleTick,
		logger:  log.WithFields(zap.String("component", "idle-monitor")),
	}
}

// Run scans every tick until ctx is done. A zero timeout disables it.
func (m *Idle) Run(ctx context.Context) error {
	if m.timeout <= 0 {
		m.logger.Info("Idle monitor disabled")
		return nil
	}
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check tears down every idle workload and returns the number removed.
// The idle test is repeated under the registry lock, so a session attaching
// between the snapshot and the teardown wins.
func (m *Idle) Check(ctx context.Context) int {
	if m.timeout <= 0 {
		return 0
	}
	removed := 0
	for _, e := range m.reaper.Snapshot() {
		if e.State != workload.StateRunning || e.SessionCount > 0 {
			continue
		}
		done, err := m.reaper.TeardownIfIdle(ctx, e.Key, m.timeout)
		if err != nil {
			m.logger.Warn("Idle teardown failed", zap.String("key", e.Key.String()), zap.Error(err))
			continue
		}
		if done {
			m.logger.Info("Idle workload torn down", zap.String("key", e.Key.String()), zap.String("name", e.Name))
			removed++
		}
	}
	return removed
}
