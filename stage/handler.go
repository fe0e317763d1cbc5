package stage

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/logging"
)

// Handler processes events taken from a stage queue. Returning an error
// wrapping event.ErrUnknownEvent discards the event with a warning; any
// other error on a Request is answered with an exception response.
type Handler interface {
	Handle(ev event.Event) error
}

type HandlerFunc func(ev event.Event) error

func (f HandlerFunc) Handle(ev event.Event) error { return f(ev) }

// ThreadSafe is implemented by handlers that may run on several workers at
// once. Handlers without it are serialized by the stage.
type ThreadSafe interface {
	ThreadSafe() bool
}

// Coded is implemented by errors that carry an exception code.
type Coded interface {
	ErrorCode() uint32
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

func isThreadSafe(h Handler) bool {
	ts, ok := h.(ThreadSafe)
	return ok && ts.ThreadSafe()
}

func invoke(h Handler, ev event.Event) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ev)
}

// Contain runs h on ev. It never lets a failure escape: unknown events are
// dropped, and a failing Request is answered with an exception carrying the
// original code, message and stack.
func Contain(h Handler, ev event.Event, log *logging.Logger) {
	err := invoke(h, ev)
	if err == nil {
		return
	}
	if errors.Is(err, event.ErrUnknownEvent) {
		switch ev.(type) {
		case *event.StartupEvent, *event.ShutdownEvent:
		default:
			log.Warning().
				Str("type", fmt.Sprintf("%T", ev)).
				Uint64("tag", uint64(ev.TypeTag())).
				Log("discarding unknown event")
		}
		return
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		log.Err().Err(err).Str("stack", string(pe.Stack)).Log("recovered handler panic")
	}
	req, ok := ev.(event.Request)
	if !ok {
		log.Err().Err(err).Str("type", fmt.Sprintf("%T", ev)).Log("handler failed")
		return
	}
	if !req.Respond(ToException(err)) {
		log.Debug().Err(err).Log("request already answered, dropping handler error")
	}
}

// ToException converts a handler error into the exception the caller sees.
// Exceptions pass through unchanged; other errors become code 5 (system
// error) unless they implement Coded.
func ToException(err error) event.Exception {
	var ex event.Exception
	if errors.As(err, &ex) {
		return ex
	}
	e := &event.ExceptionResponse{Code: event.CodeSystemError, Message: err.Error()}
	var c Coded
	if errors.As(err, &c) {
		e.Code = c.ErrorCode()
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		e.Stack = string(pe.Stack)
	}
	return e
}
