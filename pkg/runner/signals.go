package runner

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ShutdownSignals are the signals that end Run.
var ShutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// WithShutdownSignals returns a context cancelled on the first interrupt
// or termination signal.
func WithShutdownSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, ShutdownSignals...)
}
