package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/messaging"
)

// Logging logs every delivery with its duration at debug level, failures
// at error level.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next messaging.Handler) messaging.Handler {
		return func(ctx context.Context, env domain.RawEnvelope) error {
			start := time.Now()
			err := next(ctx, env)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "event handler failed",
					slog.String("event_type", env.Type.RoutingKey()),
					slog.String("event_id", env.ID.String()),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return err
			}

			logger.DebugContext(ctx, "event handled",
				slog.String("event_type", env.Type.RoutingKey()),
				slog.String("event_id", env.ID.String()),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)
			return nil
		}
	}
}
