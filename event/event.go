// Package event defines the unit of work passed between stages, queues and
// the RPC client: events carrying a stable type tag, requests that are
// answered exactly once, responses, and exception responses.
package event

import (
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Event is anything that can be queued. The tag identifies the concrete type
// for dispatch and on the wire.
type Event interface {
	TypeTag() uint32
}

// TagOf derives the 32-bit type tag of a fully-qualified type name.
func TagOf(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

// Stamped is implemented by events that record when they were enqueued.
type Stamped interface {
	MarkEnqueued(t time.Time)
	EnqueuedAt() time.Time
}

// Base is embedded by concrete events to carry the enqueue timestamp.
type Base struct {
	enqueued atomic.Int64
}

func (b *Base) MarkEnqueued(t time.Time) {
	b.enqueued.Store(t.UnixNano())
}

// EnqueuedAt returns the zero time if the event was never stamped.
func (b *Base) EnqueuedAt() time.Time {
	ns := b.enqueued.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Target accepts events. Stages, clients and queues are targets.
type Target interface {
	// Send hands ev over and reports whether it was accepted. A false
	// result means backpressure: the event was not queued.
	Send(ev Event) bool
}

// TargetFunc adapts a function to Target, e.g. to count or forward
// responses in tests without defining a type.
type TargetFunc func(ev Event) bool

func (f TargetFunc) Send(ev Event) bool { return f(ev) }

var (
	StartupEventTag  = TagOf("xtreemfs.event.StartupEvent")
	ShutdownEventTag = TagOf("xtreemfs.event.ShutdownEvent")
)

// StartupEvent is delivered once to a stage handler before normal traffic.
type StartupEvent struct{ Base }

func (*StartupEvent) TypeTag() uint32 { return StartupEventTag }

// ShutdownEvent stops the worker that dequeues it.
type ShutdownEvent struct{ Base }

func (*ShutdownEvent) TypeTag() uint32 { return ShutdownEventTag }
