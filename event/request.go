package event

import (
	"errors"
	"sync"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/codec"
)

// Request identifies a remote procedure and is answered exactly once.
type Request interface {
	Event
	codec.Marshaler
	InterfaceNumber() uint32
	OperationNumber() uint32
	DefaultResponseTag() uint32
	// ResponseTimeout is the caller's wait budget; zero means the client
	// default applies.
	ResponseTimeout() time.Duration
	SetResponseTarget(t Target)
	// Respond delivers the terminal outcome. Only the first call has any
	// effect; later calls return false.
	Respond(resp Response) bool
}

// Response answers one Request.
type Response interface {
	Event
	codec.Marshaler
}

var ErrNoResponsePath = errors.New("event: request has no default response path")

// RequestBase implements the response hand-off for concrete requests.
// Without an explicit target the response lands in a private one-slot
// channel read by WaitForDefaultResponse.
type RequestBase struct {
	Base
	Timeout time.Duration

	mu        sync.Mutex
	target    Target
	responded bool
	ch        chan Response
}

func (r *RequestBase) ResponseTimeout() time.Duration { return r.Timeout }

func (r *RequestBase) SetResponseTarget(t Target) {
	r.mu.Lock()
	r.target = t
	r.mu.Unlock()
}

func (r *RequestBase) Respond(resp Response) bool {
	r.mu.Lock()
	if r.responded {
		r.mu.Unlock()
		return false
	}
	r.responded = true
	t := r.target
	if t == nil {
		if r.ch == nil {
			r.ch = make(chan Response, 1)
		}
		r.ch <- resp
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()
	return t.Send(resp)
}

// Responded reports whether a terminal outcome was already delivered.
func (r *RequestBase) Responded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responded
}

// Responses exposes the default response path.
func (r *RequestBase) Responses() <-chan Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == nil {
		r.ch = make(chan Response, 1)
	}
	return r.ch
}

type defaultPath interface {
	Responses() <-chan Response
}

// WaitForDefaultResponse blocks until req is answered or timeout elapses.
// A non-positive timeout falls back to req.ResponseTimeout, and blocks
// indefinitely if that is also zero. The result is classified by Expect.
func WaitForDefaultResponse(req Request, timeout time.Duration) (Response, error) {
	p, ok := req.(defaultPath)
	if !ok {
		return nil, ErrNoResponsePath
	}
	if timeout <= 0 {
		timeout = req.ResponseTimeout()
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case resp := <-p.Responses():
		return Expect(resp, req.DefaultResponseTag())
	case <-expired:
		return nil, ErrTimeout
	}
}

// Await is WaitForDefaultResponse with the result asserted to T.
func Await[T Response](req Request, timeout time.Duration) (T, error) {
	var zero T
	resp, err := WaitForDefaultResponse(req, timeout)
	if err != nil {
		return zero, err
	}
	t, ok := resp.(T)
	if !ok {
		return zero, unexpected(resp)
	}
	return t, nil
}
