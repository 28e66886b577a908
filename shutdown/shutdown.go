// Package shutdown cancels a context on the platform's termination signals.
package shutdown

import (
	"context"
	"os/signal"
)

// Context returns a child of parent that is canceled on the first
// termination signal. Call stop to release the signal handler.
func Context(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, signals...)
}
