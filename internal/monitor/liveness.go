package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/constants"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/output"
)

// ThreadPoster posts a reply into a session thread.
type ThreadPoster interface {
	PostInThread(ctx context.Context, channelID, rootID, message string) (string, error)
}

// Liveness warns once per quiet period about sessions with no output.
type Liveness struct {
	tracker *Tracker
	poster  ThreadPoster
	timeout time.Duration
	tick    time.Duration
	logger  *logger.Logger
}

func NewLiveness(tracker *Tracker, poster ThreadPoster, timeout time.Duration, log *logger.Logger) *Liveness {
	return &Liveness{
		tracker: tracker,
		poster:  poster,
		timeout: timeout,
		tick:    constants.LivenessTick,
		logger:  log.WithFields(zap.String("component", "liveness-monitor")),
	}
}

// Run scans every tick until ctx is done. A zero timeout disables it.
func (l *Liveness) Run(ctx context.Context) error {
	if l.timeout <= 0 {
		l.logger.Info("Liveness monitor disabled")
		return nil
	}
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Check(ctx)
		}
	}
}

// Check posts a warning for each newly stale session and returns how many were warned.
func (l *Liveness) Check(ctx context.Context) int {
	if l.timeout <= 0 {
		return 0
	}
	warned := 0
	for _, a := range l.tracker.Stale(l.timeout) {
		if !l.tracker.MarkWarned(a.SessionID) {
			continue
		}
		idle := l.tracker.now().Sub(a.LastActivity)
		msg := fmt.Sprintf(":warning: No output activity for **%s**. Session may be unresponsive. Use `stop` to end it or wait for it to resume.",
			output.FormatDuration(idle))
		if _, err := l.poster.PostInThread(ctx, a.ChannelID, a.ThreadID, msg); err != nil {
			l.logger.Warn("Failed to post liveness warning", zap.String("session_id", a.SessionID), zap.Error(err))
		}
		l.logger.Info("Session appears unresponsive",
			zap.String("session_id", a.SessionID),
			zap.Duration("idle", idle),
			zap.String("last_event", a.LastEventType))
		warned++
	}
	return warned
}
