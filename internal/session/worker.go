package session

import (
	"context"

	"github.com/jcttech/claude-session-manager/internal/bridge"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

// Turn is one streamed worker call.
type Turn interface {
	Turn(ctx context.Context, emit bridge.Emit) (string, error)
}

// Worker is the remote execution surface a session drives.
type Worker interface {
	Execute(ctx context.Context, req bridge.ExecuteRequest) (Turn, error)
	Continue(ctx context.Context, req bridge.SendMessageRequest) (Turn, error)
	Interrupt(ctx context.Context, remoteSessionID string) bool
	Close() error
}

// Dialer connects to the worker of a workload.
type Dialer func(addr string) (Worker, error)

// BridgeDialer dials workers over the gRPC bridge.
func BridgeDialer(log *logger.Logger) Dialer {
	return func(addr string) (Worker, error) {
		c, err := bridge.Dial(addr, log)
		if err != nil {
			return nil, err
		}
		return bridgeWorker{c: c}, nil
	}
}

type bridgeWorker struct {
	c *bridge.Client
}

func (w bridgeWorker) Execute(ctx context.Context, req bridge.ExecuteRequest) (Turn, error) {
	st, err := w.c.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (w bridgeWorker) Continue(ctx context.Context, req bridge.SendMessageRequest) (Turn, error) {
	st, err := w.c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (w bridgeWorker) Interrupt(ctx context.Context, remoteSessionID string) bool {
	return w.c.Interrupt(ctx, remoteSessionID)
}

func (w bridgeWorker) Close() error {
	return w.c.Close()
}
