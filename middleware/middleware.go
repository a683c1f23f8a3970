// Package middleware wraps the dispatcher's handler invocation.
//
// Middlewares form an onion around the business handler:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"duplex-rpc/message"
)

// HandlerFunc answers one inbound call. It always returns a response; the dispatcher
// decides whether it is sent (fire-and-forget calls are never answered).
type HandlerFunc func(ctx context.Context, call *message.Call) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
