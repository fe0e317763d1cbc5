package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/logging"
)

// Temporary is implemented by procedure errors worth another try, such as
// a briefly unavailable backing store.
type Temporary interface {
	Temporary() bool
}

func isTemporary(err error) bool {
	var t Temporary
	return errors.As(err, &t) && t.Temporary()
}

// Retry re-runs next up to maxRetries times while it fails with a
// temporary error, backing off exponentially from baseDelay.
func Retry(maxRetries int, baseDelay time.Duration, log *logging.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req event.Request) (event.Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries && err != nil && isTemporary(err); i++ {
				log.Info().Int("attempt", i+1).Err(err).Log("retrying request")
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, errors.Join(err, ctx.Err())
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
