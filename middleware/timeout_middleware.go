package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"fleetrpc/message"
)

var ErrTimeout = errors.New("request timed out")

// Timeout bounds the rest of the chain. next keeps running in the background after the
// deadline passes; it sees a cancelled ctx.
func Timeout(timeout time.Duration) Middleware {
	return Func(func(ctx context.Context, req *message.Request, resp *message.Response, next Handler) (*message.Response, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			resp *message.Response
			err  error
		}
		done := make(chan result, 1)
		go func() {
			r, err := next(ctx, req, resp)
			done <- result{r, err}
		}()

		select {
		case r := <-done:
			return r.resp, r.err
		case <-ctx.Done():
			return nil, errors.Wrapf(ErrTimeout, "%s after %s", req.Method().FullName(), timeout)
		}
	})
}
