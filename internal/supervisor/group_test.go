package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

func TestShutdownCancelsTasks(t *testing.T) {
	g := New(context.Background(), time.Second, logger.NewNop())
	var stopped atomic.Int32
	for i := 0; i < 3; i++ {
		g.Go("worker", func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Add(1)
			return ctx.Err()
		})
	}
	assert.Equal(t, []string{"worker"}, g.Running())

	require.NoError(t, g.Shutdown())
	assert.Equal(t, int32(3), stopped.Load())
	assert.Empty(t, g.Running())
}

func TestShutdownGraceExceeded(t *testing.T) {
	g := New(context.Background(), 20*time.Millisecond, logger.NewNop())
	release := make(chan struct{})
	defer close(release)
	g.Go("stubborn", func(context.Context) error {
		<-release
		return nil
	})

	require.ErrorIs(t, g.Shutdown(), ErrGraceExceeded)
	assert.Equal(t, []string{"stubborn"}, g.Running())
}

func TestTaskFailureCancelsGroup(t *testing.T) {
	g := New(context.Background(), time.Second, logger.NewNop())
	g.Go("listener", func(context.Context) error { return errors.New("bind: address in use") })
	g.Go("scanner", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	err := g.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener: bind: address in use")
	assert.Error(t, g.Context().Err())
}

func TestPanicIsContained(t *testing.T) {
	g := New(context.Background(), time.Second, logger.NewNop())
	g.Go("bad", func(context.Context) error { panic("boom") })
	var ok atomic.Bool
	g.Go("good", func(ctx context.Context) error {
		<-ctx.Done()
		ok.Store(true)
		return nil
	})

	require.Eventually(t, func() bool { return len(g.Running()) == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, g.Context().Err(), "panic does not cancel siblings")
	require.NoError(t, g.Shutdown())
	assert.True(t, ok.Load())
}
