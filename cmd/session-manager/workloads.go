package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/bridge"
	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/common/portutil"
	"github.com/jcttech/claude-session-manager/internal/common/shellutil"
	"github.com/jcttech/claude-session-manager/internal/events"
	"github.com/jcttech/claude-session-manager/internal/workload"
	"github.com/jcttech/claude-session-manager/internal/workload/devcontainer"
	"github.com/jcttech/claude-session-manager/internal/workload/docker"
)

const workerPortRange = 256

// workloadRuntime is the lifecycle chosen by workload.runtime plus the shell
// runner that reaches the host where repositories are checked out.
type workloadRuntime struct {
	lifecycle workload.Lifecycle
	runner    shellutil.Runner
	cleanup   func() error
}

func provideRuntime(ctx context.Context, cfg *config.Config, log *logger.Logger) (*workloadRuntime, error) {
	switch cfg.Workload.Runtime {
	case "", "docker":
		cli, err := docker.NewClient(cfg.Docker, log)
		if err != nil {
			return nil, fmt.Errorf("create docker client: %w", err)
		}
		if err := cli.Ping(ctx); err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("docker daemon unreachable: %w", err)
		}
		ports := portutil.NewAllocator(cfg.Workload.GRPCPortStart, workerPortRange)
		log.Info("Docker runtime ready", zap.String("host", cfg.Docker.Host))
		return &workloadRuntime{
			lifecycle: docker.NewLifecycle(cli, ports, log),
			runner:    shellutil.LocalRunner{},
			cleanup:   cli.Close,
		}, nil

	case "devcontainer":
		runner, err := devcontainer.NewSSHRunner(cfg.SSH, log)
		if err != nil {
			return nil, fmt.Errorf("create ssh runner: %w", err)
		}
		log.Info("Devcontainer runtime ready", zap.String("host", runner.Host()))
		return &workloadRuntime{
			lifecycle: devcontainer.NewLifecycle(runner, runner.Host(), log),
			runner:    runner,
			cleanup:   runner.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported workload runtime %q", cfg.Workload.Runtime)
	}
}

func provideRegistry(ctx context.Context, cfg *config.Config, rt *workloadRuntime, st workload.Store, emitter *events.Emitter, log *logger.Logger) (*workload.Registry, error) {
	check := bridge.HealthCheck{
		Retries:  cfg.Workload.HealthRetries,
		Interval: cfg.Workload.HealthInterval(),
		Logger:   log,
	}
	registry := workload.NewRegistry(rt.lifecycle, check, st, emitter, workload.Options{
		MaxSessions:  cfg.Workload.MaxSessions,
		StartTimeout: cfg.Workload.StartTimeout(),
	}, log)
	if err := registry.RestoreFromStore(ctx); err != nil {
		return nil, err
	}
	return registry, nil
}
