package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/messaging"
)

// Recovery turns a handler panic into an error so one bad envelope cannot
// take down the subscription's listener.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next messaging.Handler) messaging.Handler {
		return func(ctx context.Context, env domain.RawEnvelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "event handler panicked",
						slog.String("event_type", env.Type.RoutingKey()),
						slog.String("event_id", env.ID.String()),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)
					err = fmt.Errorf("event handler panicked: %v", r)
				}
			}()

			return next(ctx, env)
		}
	}
}
