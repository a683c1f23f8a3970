package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/logging"
	"duplex-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Response {
			start := time.Now()
			resp := next(ctx, call)

			fields := []zap.Field{
				zap.String("path", call.Path),
				zap.String("callId", call.CallID),
				zap.Duration("duration", time.Since(start)),
			}
			if !resp.Success {
				logger.Info("call failed", append(fields,
					zap.String("error", resp.Error),
					zap.String("kind", string(resp.ErrorKind)))...)
				return resp
			}
			logger.Debug("call served", fields...)
			return resp
		}
	}
}
