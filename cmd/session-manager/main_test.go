package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/db"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

type nopLifecycle struct{}

func (nopLifecycle) BringUp(context.Context, workload.Key, workload.LaunchConfig) (workload.Instance, error) {
	return workload.Instance{Name: "wl", Addr: "127.0.0.1:1"}, nil
}

func (nopLifecycle) BringDown(context.Context, workload.Instance) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("SM_CALLBACK_SECRET", "test-secret")
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.Database = config.DatabaseConfig{Driver: "sqlite3", Path: db.MemoryPath}
	cfg.NATS.URL = ""
	return cfg
}

func TestProvideRuntimeRejectsUnknown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workload.Runtime = "kubernetes"
	_, err := provideRuntime(context.Background(), cfg, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kubernetes")
}

func TestProvideWiring(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNop()
	cfg := testConfig(t)

	st, cleanup, err := provideStore(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })
	require.NoError(t, st.Ping(ctx))

	bus, emitter, busCleanup, err := provideEventBus(cfg, log)
	require.NoError(t, err)
	t.Cleanup(busCleanup)
	assert.True(t, bus.IsConnected())
	require.NotNil(t, emitter)

	rt := &workloadRuntime{lifecycle: nopLifecycle{}, cleanup: func() error { return nil }}
	registry, err := provideRegistry(ctx, cfg, rt, st, emitter, log)
	require.NoError(t, err)
	assert.Empty(t, registry.Snapshot())

	svc, err := provideServices(serviceDeps{
		cfg:      cfg,
		store:    st,
		registry: registry,
		runtime:  rt,
		emitter:  emitter,
		log:      log,
	})
	require.NoError(t, err)
	assert.Empty(t, svc.Sessions.List())
	assert.Equal(t, 0, svc.Cleanup.RunOnce(ctx))
	require.NoError(t, svc.Sessions.Shutdown(ctx))
}
