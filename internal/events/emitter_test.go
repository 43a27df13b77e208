package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/events/bus"
)

func TestProvideDefaultsToMemory(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	b, cleanup, err := Provide(config.NATSConfig{}, log)
	require.NoError(t, err)
	defer cleanup()
	_, ok := b.(*bus.MemoryEventBus)
	assert.True(t, ok)

	got := make(chan *bus.Event, 1)
	_, err = b.Subscribe(SessionStopped, func(_ context.Context, ev *bus.Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)

	NewEmitter(b, "session-manager", log).Emit(context.Background(), SessionStopped, map[string]any{"id": "s1"})
	select {
	case ev := <-got:
		assert.Equal(t, SessionStopped, ev.Type)
		assert.Equal(t, "session-manager", ev.Source)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNilEmitterIsNoop(t *testing.T) {
	var e *Emitter
	e.Emit(context.Background(), SessionStarted, nil)
	NewEmitter(nil, "x", logger.NewNop()).Emit(context.Background(), SessionStarted, nil)
}
