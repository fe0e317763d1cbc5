package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/event"
)

var ErrTimedOut = errors.New("request timed out")

type result struct {
	resp event.Response
	err  error
}

// Timeout answers with ErrTimedOut if next has not finished within
// timeout. next keeps running with a cancelled context; its late result is
// discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req event.Request) (event.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, ErrTimedOut
			}
		}
	}
}
