package event

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var ErrRegistrySealed = errors.New("event: registry is sealed")

// Factory returns a zero instance ready to decode its own fields.
type Factory func() Event

// Kind classifies a registered type by the contract its instances
// implement. The message layer uses it to refuse a response where a request
// is expected and vice versa, before any body bytes are decoded.
//
// Exceptions are checked before requests and responses, since every
// exception is also a response.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindException
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindException:
		return "exception"
	default:
		return "unknown"
	}
}

type entry struct {
	factory Factory
	kind    Kind
}

// Registry maps type tags to factories so bodies can be decoded without the
// transport knowing their schema. Populate it at startup, then Seal it.
type Registry struct {
	mu        sync.RWMutex
	factories map[uint32]entry
	sealed    atomic.Bool
}

// NewRegistry returns a registry that already knows ExceptionResponse.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[uint32]entry)}
	_ = r.Register(ExceptionResponseTag, func() Event { return new(ExceptionResponse) })
	return r
}

// Register binds tag to f. Re-registering a tag replaces the previous
// factory.
func (r *Registry) Register(tag uint32, f Factory) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	sample := f()
	if sample == nil {
		return fmt.Errorf("event: factory for tag %#08x returned nil", tag)
	}
	r.mu.Lock()
	r.factories[tag] = entry{factory: f, kind: kindOf(sample)}
	r.mu.Unlock()
	return nil
}

// RegisterType registers f under the tag its instances report.
func (r *Registry) RegisterType(f Factory) error {
	sample := f()
	if sample == nil {
		return errors.New("event: factory returned nil")
	}
	return r.Register(sample.TypeTag(), f)
}

// Create returns a fresh instance for tag from its factory, ready for
// UnmarshalFields. The second result is false for an unregistered tag;
// callers on the wire path report that as message.ErrUnknownType rather than
// guessing a type.
//
// Create is safe for concurrent use and never blocks on registration once
// the registry is sealed.
func (r *Registry) Create(tag uint32) (Event, bool) {
	r.mu.RLock()
	e, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.factory(), true
}

// Kind reports the kind of tag, KindUnknown if it is not registered.
func (r *Registry) Kind(tag uint32) Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[tag].kind
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// Seal forbids further registration.
func (r *Registry) Seal() { r.sealed.Store(true) }

func kindOf(ev Event) Kind {
	switch ev.(type) {
	case Exception:
		return KindException
	case Request:
		return KindRequest
	case Response:
		return KindResponse
	default:
		return KindUnknown
	}
}
