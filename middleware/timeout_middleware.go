package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"
)

// TimeOutMiddleware answers with a timeout failure when the handler takes longer than timeout.
// The handler keeps running with a canceled context; its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewFailure(call.CallID, &message.Error{
					Kind:    message.ErrorKindTimeout,
					Path:    call.Path,
					Message: "handler for " + call.Path + " timed out",
				})
			}
		}
	}
}
