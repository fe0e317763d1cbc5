// Package testsvc is a small echo interface used by tests and the example
// server. It plays the part of generated service-interface code.
package testsvc

import (
	"context"
	"errors"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/codec"
	"github.com/xtreemfs/xtreemfs-sub001/event"
)

const (
	InterfaceNumber = 3
	OpEcho          = 1
	OpLookup        = 2
)

var (
	EchoRequestTag    = event.TagOf("xtreemfs.interfaces.TestInterface.echoRequest")
	EchoResponseTag   = event.TagOf("xtreemfs.interfaces.TestInterface.echoResponse")
	LookupRequestTag  = event.TagOf("xtreemfs.interfaces.TestInterface.lookupRequest")
	LookupResponseTag = event.TagOf("xtreemfs.interfaces.TestInterface.lookupResponse")
	NotFoundTag       = event.TagOf("xtreemfs.interfaces.TestInterface.NotFoundException")
)

// CodeNotFound is the code carried by NotFound.
const CodeNotFound = 5

type EchoRequest struct {
	event.RequestBase
	Payload []byte
}

func NewEchoRequest(payload []byte, timeout time.Duration) *EchoRequest {
	r := &EchoRequest{Payload: payload}
	r.Timeout = timeout
	return r
}

func (*EchoRequest) TypeTag() uint32            { return EchoRequestTag }
func (*EchoRequest) InterfaceNumber() uint32    { return InterfaceNumber }
func (*EchoRequest) OperationNumber() uint32    { return OpEcho }
func (*EchoRequest) DefaultResponseTag() uint32 { return EchoResponseTag }

func (r *EchoRequest) MarshalFields(e *codec.Encoder) { e.Opaque(r.Payload) }

func (r *EchoRequest) UnmarshalFields(d *codec.Decoder) error {
	r.Payload = d.Opaque()
	return d.Err()
}

type EchoResponse struct {
	event.Base
	Payload []byte
}

func (*EchoResponse) TypeTag() uint32 { return EchoResponseTag }

func (r *EchoResponse) MarshalFields(e *codec.Encoder) { e.Opaque(r.Payload) }

func (r *EchoResponse) UnmarshalFields(d *codec.Decoder) error {
	r.Payload = d.Opaque()
	return d.Err()
}

type LookupRequest struct {
	event.RequestBase
	Path string
}

func (*LookupRequest) TypeTag() uint32            { return LookupRequestTag }
func (*LookupRequest) InterfaceNumber() uint32    { return InterfaceNumber }
func (*LookupRequest) OperationNumber() uint32    { return OpLookup }
func (*LookupRequest) DefaultResponseTag() uint32 { return LookupResponseTag }

// AffinityKey routes lookups of one path to one server.
func (r *LookupRequest) AffinityKey() string { return r.Path }

func (r *LookupRequest) MarshalFields(e *codec.Encoder) { e.String(r.Path) }

func (r *LookupRequest) UnmarshalFields(d *codec.Decoder) error {
	r.Path = d.String()
	return d.Err()
}

type LookupResponse struct {
	event.Base
	Size uint64
}

func (*LookupResponse) TypeTag() uint32 { return LookupResponseTag }

func (r *LookupResponse) MarshalFields(e *codec.Encoder) { e.Uint64(r.Size) }

func (r *LookupResponse) UnmarshalFields(d *codec.Decoder) error {
	r.Size = d.Uint64()
	return d.Err()
}

// NotFound is the typed application exception of the interface.
type NotFound struct {
	event.ExceptionResponse
}

func NewNotFound(path string) *NotFound {
	return &NotFound{event.ExceptionResponse{Code: CodeNotFound, Message: "not found: " + path}}
}

func (*NotFound) TypeTag() uint32 { return NotFoundTag }

// Register adds every type of the interface to r.
func Register(r *event.Registry) error {
	return errors.Join(
		r.RegisterType(func() event.Event { return new(EchoRequest) }),
		r.RegisterType(func() event.Event { return new(EchoResponse) }),
		r.RegisterType(func() event.Event { return new(LookupRequest) }),
		r.RegisterType(func() event.Event { return new(LookupResponse) }),
		r.RegisterType(func() event.Event { return new(NotFound) }),
	)
}

// Service implements the interface. Echo returns the payload after Delay;
// Lookup knows only the paths in Files.
type Service struct {
	Delay time.Duration
	// FailAll makes every operation raise NotFound.
	FailAll bool
	Files   map[string]uint64
}

func (s *Service) Echo(ctx context.Context, req *EchoRequest) (*EchoResponse, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.FailAll {
		return nil, NewNotFound("echo")
	}
	return &EchoResponse{Payload: req.Payload}, nil
}

func (s *Service) Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	size, ok := s.Files[req.Path]
	if !ok || s.FailAll {
		return nil, NewNotFound(req.Path)
	}
	return &LookupResponse{Size: size}, nil
}
