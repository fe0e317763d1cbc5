package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/logging"
)

// Logging logs every request at debug level and failures at warning.
func Logging(log *logging.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req event.Request) (event.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)
			if err != nil {
				log.Warning().
					Str("request", fmt.Sprintf("%T", req)).
					Uint64("interface", uint64(req.InterfaceNumber())).
					Uint64("operation", uint64(req.OperationNumber())).
					Dur("duration", duration).
					Err(err).
					Log("request failed")
				return resp, err
			}
			log.Debug().
				Str("request", fmt.Sprintf("%T", req)).
				Uint64("interface", uint64(req.InterfaceNumber())).
				Uint64("operation", uint64(req.OperationNumber())).
				Dur("duration", duration).
				Log("request served")
			return resp, nil
		}
	}
}
