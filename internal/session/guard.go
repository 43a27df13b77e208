package session

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/output"
)

// guard is deferred at the top of each per-session task. A panic is logged
// and turned into a ProcessDied event handed to notify; other sessions are
// unaffected.
func (m *Manager) guard(s *Session, task string, notify func(output.Event)) {
	r := recover()
	if r == nil {
		return
	}
	m.logger.Error("Session task panicked",
		zap.String("session_id", s.ID),
		zap.String("task", task),
		zap.Any("panic", r),
		zap.String("stack", string(debug.Stack())))
	notify(output.ProcessDied(nil, fmt.Sprintf("internal error in %s", task)))
}
