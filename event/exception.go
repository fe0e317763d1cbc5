package event

import (
	"errors"
	"fmt"

	"github.com/xtreemfs/xtreemfs-sub001/codec"
)

// ONC-RPC accept status codes, reused as exception codes by the server.
const (
	CodeProgramUnavailable   uint32 = 1
	CodeProgramMismatch      uint32 = 2
	CodeProcedureUnavailable uint32 = 3
	CodeGarbageArguments     uint32 = 4
	CodeSystemError          uint32 = 5
)

var (
	ErrTimeout         = errors.New("event: timed out")
	ErrTransport       = errors.New("event: transport failure")
	ErrUnexpectedEvent = errors.New("event: unexpected, non-exception event type")
	ErrUnknownEvent    = errors.New("event: unknown event type")
)

var (
	ExceptionResponseTag = TagOf("xtreemfs.event.ExceptionResponse")
	TransportErrorTag    = TagOf("xtreemfs.event.TransportError")
)

// Exception is a Response that signals an application failure. Typed
// exceptions embed ExceptionResponse and override TypeTag.
type Exception interface {
	Response
	error
	Exception() *ExceptionResponse
}

type ExceptionResponse struct {
	Base
	Code    uint32
	Message string
	Stack   string
}

func NewException(code uint32, format string, args ...any) *ExceptionResponse {
	return &ExceptionResponse{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (*ExceptionResponse) TypeTag() uint32 { return ExceptionResponseTag }

func (e *ExceptionResponse) Error() string {
	return fmt.Sprintf("exception %d: %s", e.Code, e.Message)
}

func (e *ExceptionResponse) Exception() *ExceptionResponse { return e }

// Clone copies the failure so it can be raised again on another goroutine.
func (e *ExceptionResponse) Clone() *ExceptionResponse {
	return &ExceptionResponse{Code: e.Code, Message: e.Message, Stack: e.Stack}
}

func (e *ExceptionResponse) MarshalFields(enc *codec.Encoder) {
	enc.Uint32(e.Code)
	enc.String(e.Message)
	enc.String(e.Stack)
}

func (e *ExceptionResponse) UnmarshalFields(d *codec.Decoder) error {
	e.Code = d.Uint32()
	e.Message = d.String()
	e.Stack = d.String()
	return d.Err()
}

// TransportError reports that a request could not be carried to its
// destination or its reply could not be read. It never crosses the wire.
type TransportError struct {
	Base
	Addr     string
	Attempts int
	Err      error
}

func (*TransportError) TypeTag() uint32 { return TransportErrorTag }

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure to %s after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

func (e *TransportError) MarshalFields(enc *codec.Encoder) {
	enc.String(e.Addr)
	enc.Uint32(uint32(e.Attempts))
	enc.String(fmt.Sprint(e.Err))
}

func (e *TransportError) UnmarshalFields(d *codec.Decoder) error {
	e.Addr = d.String()
	e.Attempts = int(d.Uint32())
	e.Err = errors.New(d.String())
	return d.Err()
}

// Expect classifies a dequeued event against the expected response tag:
// the matching response, a re-raised exception or transport failure, or a
// generic error for anything else. A nil event means the wait timed out.
func Expect(ev Event, tag uint32) (Response, error) {
	if ev == nil {
		return nil, ErrTimeout
	}
	if te, ok := ev.(*TransportError); ok {
		return nil, te
	}
	if ex, ok := ev.(Exception); ok && ev.TypeTag() != tag {
		return nil, ex
	}
	if ev.TypeTag() == tag {
		if resp, ok := ev.(Response); ok {
			return resp, nil
		}
	}
	return nil, unexpected(ev)
}

func unexpected(ev Event) error {
	return fmt.Errorf("%w: tag %#08x (%T)", ErrUnexpectedEvent, ev.TypeTag(), ev)
}
