// Package contextx provides context utilities shared by embedpipe components.
package contextx

import (
	"context"
	"time"
)

// WithCleanupTimeout creates a context for cleanup operations that will not be
// cancelled when the parent context is cancelled. Lock releases and job state
// writes use it so they complete even if the caller's deadline already passed.
//
// The caller must call the returned cancel function to release resources.
func WithCleanupTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

// Sleep blocks for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when the context ended the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
