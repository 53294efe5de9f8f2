package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"covenant/dispatch"
)

// LoggingMiddleware records the procedure name, duration, and any errors for each call.
// It captures the start time before calling next, and logs the elapsed time after next
// returns.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *dispatch.Envelope) *dispatch.Result {
			start := time.Now()

			result := next(ctx, req)

			event := logger.Info()
			if result.Error != nil {
				event = logger.Warn().Int("code", result.Error.Code).Str("error", result.Error.Message)
			}
			event.
				Str("procedure", req.Procedure).
				Dur("duration", time.Since(start)).
				Msg("procedure dispatched")

			return result
		}
	}
}
