// Package main runs the session manager: it listens to chat, drives agent
// sessions inside containers and serves the approval callback.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/approval"
	"github.com/jcttech/claude-session-manager/internal/chat"
	"github.com/jcttech/claude-session-manager/internal/chat/mattermost"
	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/server"
	"github.com/jcttech/claude-session-manager/internal/supervisor"
	"github.com/jcttech/claude-session-manager/internal/tracing"
)

const (
	postBuffer      = 256
	shutdownTimeout = 30 * time.Second
)

func main() {
	// ============================================
	// CONFIGURATION & LOGGING
	// ============================================
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging.ToLoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("Session manager exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("Starting session manager",
		zap.String("runtime", cfg.Workload.Runtime),
		zap.String("listen", cfg.Server.ListenAddr))

	var cleanups []func() error
	runCleanups := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				log.Warn("Cleanup failed", zap.Error(err))
			}
		}
	}
	defer runCleanups()

	// ============================================
	// TRACING
	// ============================================
	if tracing.Init(ctx, cfg.Tracing.ServiceName) {
		log.Info("OTLP tracing enabled")
	}
	cleanups = append(cleanups, func() error {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return tracing.Shutdown(shutdownCtx)
	})

	// ============================================
	// STORAGE & EVENT BUS
	// ============================================
	st, storeCleanup, err := provideStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, storeCleanup)

	eventBus, emitter, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, func() error { busCleanup(); return nil })
	log.Info("Event bus ready", zap.Bool("connected", eventBus.IsConnected()))

	// ============================================
	// WORKLOADS
	// ============================================
	rt, err := provideRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, rt.cleanup)

	registry, err := provideRegistry(ctx, cfg, rt, st, emitter, log)
	if err != nil {
		return err
	}

	// ============================================
	// CHAT & SERVICES
	// ============================================
	chatClient, err := mattermost.New(ctx, cfg.Chat, log)
	if err != nil {
		return fmt.Errorf("connect to chat: %w", err)
	}

	svc, err := provideServices(serviceDeps{
		cfg:      cfg,
		chat:     chatClient,
		store:    st,
		registry: registry,
		runtime:  rt,
		emitter:  emitter,
		log:      log,
	})
	if err != nil {
		return err
	}

	recovered, err := svc.Sessions.Recover(ctx)
	if err != nil {
		log.Warn("Session recovery failed", zap.Error(err))
	} else if recovered > 0 {
		log.Info("Recovered sessions", zap.Int("count", recovered))
	}
	svc.Cleanup.RunOnce(ctx)

	httpServer := server.New(server.Params{
		Config:  cfg.Server,
		DB:      st,
		Metrics: svc.Metrics.Handler(),
		Routes:  []server.RouteRegistrar{approval.NewController(svc.Approvals, log)},
		Debug:   cfg.Logging.Level == "debug",
	}, log)

	// ============================================
	// BACKGROUND TASKS
	// ============================================
	group := supervisor.New(ctx, 0, log)
	posts := make(chan chat.Post, postBuffer)
	group.Go("chat-listener", func(ctx context.Context) error { return chatClient.Listen(ctx, posts) })
	group.Go("message-router", func(ctx context.Context) error { return svc.Sessions.Run(ctx, posts) })
	group.Go("http-server", func(ctx context.Context) error { return httpServer.Run(ctx, shutdownTimeout) })
	group.Go("liveness-monitor", svc.Liveness.Run)
	group.Go("idle-monitor", svc.Idle.Run)
	group.Go("approval-cleanup", svc.Cleanup.Run)

	log.Info("Session manager ready",
		zap.String("health", "/health"),
		zap.String("metrics", "/metrics"),
		zap.String("callback", "/callback"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutting down session manager", zap.String("signal", sig.String()))
	case <-group.Context().Done():
		log.Warn("Background task failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := svc.Sessions.Shutdown(shutdownCtx); err != nil {
		log.Error("Session shutdown error", zap.Error(err))
	}

	groupErr := group.Shutdown()
	if errors.Is(groupErr, supervisor.ErrGraceExceeded) {
		log.Warn("Some background tasks did not stop in time")
		groupErr = nil
	}
	log.Info("Session manager stopped")
	return groupErr
}
