// Package appctx provides context helpers for work that must outlive its caller.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that ignores the parent's cancellation but keeps its
// values. It is cancelled when stopCh closes or the timeout expires. A nil stopCh
// leaves only the timeout.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	if stopCh == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
