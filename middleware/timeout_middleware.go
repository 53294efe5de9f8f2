package middleware

import (
	"context"
	"time"

	"covenant/dispatch"
)

// TimeOutMiddleware enforces a maximum duration for each procedure call.
// If the handler doesn't complete within the timeout, it returns an error immediately.
//
// Implementation:
//  1. Create a context with timeout (ctx.Done() fires when timeout expires)
//  2. Run the next handler in a goroutine, sending its result to a channel
//  3. Select between the result channel and ctx.Done()
//
// The dispatcher checks ctx.Err() after the handler returns and discards any resources from
// a call whose deadline already expired, so a handler that keeps running after this
// middleware gives up cannot still publish invalidations.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *dispatch.Envelope) *dispatch.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *dispatch.Result, 1) // Buffered: prevent goroutine leak if timeout fires
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case result := <-done:
				return result
			case <-ctx.Done():
				return &dispatch.Result{Error: &dispatch.Fault{
					Code:    dispatch.CodeInternalServer,
					Message: "request timed out",
				}}
			}
		}
	}
}
