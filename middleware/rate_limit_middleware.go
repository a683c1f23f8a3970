package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"duplex-rpc/message"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Response {
			if !limiter.Allow() {
				return message.NewFailure(call.CallID, message.ErrRateLimited)
			}
			return next(ctx, call)
		}
	}
}
