package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetrpc/message"
)

// Logging logs method, duration and error of every call.
func Logging(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("rpc")
	return Func(func(ctx context.Context, req *message.Request, resp *message.Response, next Handler) (*message.Response, error) {
		start := time.Now()
		out, err := next(ctx, req, resp)
		fields := []zap.Field{
			zap.String("method", req.Method().FullName()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			log.Warn("call failed", append(fields, zap.Error(err))...)
		} else {
			log.Debug("call", fields...)
		}
		return out, err
	})
}
