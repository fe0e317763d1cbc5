// Package middleware wraps server procedure invocation.
//
// Chain(A, B, C)(h) runs A, then B, then C around h.
package middleware

import (
	"context"

	"github.com/xtreemfs/xtreemfs-sub001/event"
)

// HandlerFunc runs one decoded request. A returned error becomes the
// exception sent to the caller.
type HandlerFunc func(ctx context.Context, req event.Request) (event.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
