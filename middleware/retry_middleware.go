package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"covenant/dispatch"
)

// RetryMiddleware retries a procedure call on transient failures (timeout, cancellation)
// with exponential backoff. Non-transient HandlerError/ValidationError/NotFound failures
// are returned immediately.
func RetryMiddleware(logger zerolog.Logger, maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *dispatch.Envelope) *dispatch.Result {
			result := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if result.Error == nil {
					return result
				}
				if !isTransient(result.Error.Message) {
					return result
				}
				logger.Warn().
					Int("attempt", i+1).
					Str("procedure", req.Procedure).
					Str("error", result.Error.Message).
					Msg("retrying procedure call")
				time.Sleep(baseDelay * time.Duration(int64(1)<<uint(i)))
				result = next(ctx, req)
			}
			return result
		}
	}
}

func isTransient(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") || strings.Contains(lower, "connection refused") || strings.Contains(lower, "cancelled")
}
