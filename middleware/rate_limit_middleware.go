package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"fleetrpc/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit 创建一个基于令牌桶算法的限流中间件
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return Func(func(ctx context.Context, req *message.Request, resp *message.Response, next Handler) (*message.Response, error) {
		if !limiter.Allow() {
			return nil, errors.Wrapf(ErrRateLimited, "%s", req.Method().FullName())
		}
		return next(ctx, req, resp)
	})
}
