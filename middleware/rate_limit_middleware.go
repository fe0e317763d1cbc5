package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/xtreemfs/xtreemfs-sub001/event"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit admits r requests per second with bursts of burst, using a
// token bucket shared by all connections. Excess requests fail at once.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req event.Request) (event.Response, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
