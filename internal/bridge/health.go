package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/constants"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

// Dialer opens a client for a worker address.
type Dialer func(addr string) (*Client, error)

// WaitForHealth polls Health on addr up to retries times, sleeping interval
// between attempts, until the worker reports ready.
func WaitForHealth(ctx context.Context, dial Dialer, addr string, retries int, interval time.Duration) error {
	if retries < 1 {
		retries = 1
	}
	lastErr := errors.New("worker not ready")

	for attempt := 1; attempt <= retries; attempt++ {
		if ready, err := checkOnce(ctx, dial, addr); ready {
			return nil
		} else if err != nil {
			lastErr = err
		}

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("worker %s not healthy after %d attempts: %w", addr, retries, lastErr)
}

func checkOnce(ctx context.Context, dial Dialer, addr string) (bool, error) {
	client, err := dial(addr)
	if err != nil {
		return false, err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(ctx, constants.RPCConnectTimeout)
	defer cancel()
	ready, _, err := client.Health(ctx)
	return ready, err
}

// HealthCheck adapts WaitForHealth to the workload registry's health check.
type HealthCheck struct {
	Retries  int
	Interval time.Duration
	Logger   *logger.Logger
	Dial     Dialer
}

// WaitHealthy blocks until the worker at addr is ready or retries are exhausted.
func (p HealthCheck) WaitHealthy(ctx context.Context, addr string) error {
	dial := p.Dial
	if dial == nil {
		dial = func(addr string) (*Client, error) { return Dial(addr, p.Logger) }
	}
	start := time.Now()
	err := WaitForHealth(ctx, dial, addr, p.Retries, p.Interval)
	if err == nil && p.Logger != nil {
		p.Logger.Info("Worker healthy", zap.String("addr", addr), zap.Duration("waited", time.Since(start)))
	}
	return err
}
