// Package main implements a mock worker that serves the AgentWorker gRPC
// service with scripted responses, for local end-to-end runs of the session
// manager without a real agent.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/jcttech/claude-session-manager/internal/bridge"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

type options struct {
	listen   string
	delay    time.Duration
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "mock-worker",
		Short:        "Serve the AgentWorker protocol with scripted responses",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "0.0.0.0:50051", "gRPC listen address")
	cmd.Flags().DurationVar(&opts.delay, "delay", 50*time.Millisecond, "delay between streamed events")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func serve(opts *options) error {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: opts.logLevel, Format: logger.DetectFormat(), OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	lis, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.listen, err)
	}

	srv := grpc.NewServer()
	bridge.RegisterWorkerServer(srv, newMockWorker(opts.delay))

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("Shutting down mock worker")
		srv.GracefulStop()
	}()

	log.Info("Mock worker listening", zap.String("addr", lis.Addr().String()))
	return srv.Serve(lis)
}
