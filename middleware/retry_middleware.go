package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetrpc/holder"
	"fleetrpc/message"
	"fleetrpc/transport"
)

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Refresh, if set, is force-refreshed before every retry so the next attempt may pick
	// another endpoint.
	Refresh holder.Refreshable
	Log     *zap.Logger
}

// Retry re-runs the rest of the chain on retryable connection errors, with exponential
// backoff. Any other error is returned immediately.
func Retry(cfg RetryConfig) Middleware {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return Func(func(ctx context.Context, req *message.Request, resp *message.Response, next Handler) (*message.Response, error) {
		out, err := next(ctx, req, resp)
		for i := 0; i < cfg.MaxRetries; i++ {
			if err == nil || !transport.IsRetryable(err) {
				return out, err
			}
			log.Info("retrying", zap.Int("attempt", i+1), zap.String("method", req.Method().FullName()), zap.Error(err))
			if cfg.Refresh != nil {
				cfg.Refresh.Refresh(true)
			}
			delay := cfg.BaseDelay * time.Duration(1<<i) // exponential backoff
			select {
			case <-ctx.Done():
				return out, err
			case <-time.After(delay):
			}
			out, err = next(ctx, req, resp)
		}
		return out, err
	})
}
