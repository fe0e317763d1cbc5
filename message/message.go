// Package message lays out RPC requests and responses inside a record.
//
// Request:  [interface:u32][operation:u32][xid:u32][cred flavor:u32][cred opaque][body tag:u32][body]
// Response: [xid:u32][body tag:u32][body]
//
// Bodies are decoded by looking their tag up in an event.Registry and letting
// the new instance read its own fields. Whether a response body is an
// exception is decided by the registry, not by a wire flag.
package message

import (
	"errors"
	"fmt"

	"github.com/xtreemfs/xtreemfs-sub001/codec"
	"github.com/xtreemfs/xtreemfs-sub001/event"
)

// AuthNone is the credential flavor of unauthenticated calls.
const AuthNone uint32 = 0

var (
	// ErrProtocol is wrapped by every decoding failure.
	ErrProtocol    = errors.New("message: protocol error")
	ErrMalformed   = fmt.Errorf("%w: malformed header", ErrProtocol)
	ErrUnknownType = fmt.Errorf("%w: unknown body type tag", ErrProtocol)
	ErrWrongKind   = fmt.Errorf("%w: body has the wrong kind", ErrProtocol)
	ErrBadBody     = fmt.Errorf("%w: body does not decode", ErrProtocol)
	ErrMismatch    = fmt.Errorf("%w: header does not match body", ErrProtocol)
)

// Credential is an authentication flavor plus its opaque payload.
type Credential struct {
	Flavor uint32
	Body   []byte
}

type RequestHeader struct {
	Interface  uint32
	Operation  uint32
	XID        uint32
	Credential Credential
	BodyTag    uint32
}

func EncodeRequest(xid uint32, cred Credential, req event.Request) []byte {
	e := codec.NewEncoder(make([]byte, 0, 64))
	e.Uint32(req.InterfaceNumber())
	e.Uint32(req.OperationNumber())
	e.Uint32(xid)
	e.Uint32(cred.Flavor)
	e.Opaque(cred.Body)
	e.Uint32(req.TypeTag())
	req.MarshalFields(e)
	return e.Bytes()
}

// DecodeRequest parses a request record. When the header is intact it is
// returned even if the body fails, so the caller can answer by xid.
func DecodeRequest(reg *event.Registry, data []byte) (RequestHeader, event.Request, error) {
	d := codec.NewDecoder(data)
	var h RequestHeader
	h.Interface = d.Uint32()
	h.Operation = d.Uint32()
	h.XID = d.Uint32()
	h.Credential.Flavor = d.Uint32()
	h.Credential.Body = d.Opaque()
	h.BodyTag = d.Uint32()
	if err := d.Err(); err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev, ok := reg.Create(h.BodyTag)
	if !ok {
		return h, nil, fmt.Errorf("%w: %#08x", ErrUnknownType, h.BodyTag)
	}
	req, ok := ev.(event.Request)
	if !ok {
		return h, nil, fmt.Errorf("%w: %T is not a request", ErrWrongKind, ev)
	}
	if req.InterfaceNumber() != h.Interface || req.OperationNumber() != h.Operation {
		return h, nil, fmt.Errorf("%w: header %d/%d, body %d/%d", ErrMismatch,
			h.Interface, h.Operation, req.InterfaceNumber(), req.OperationNumber())
	}
	if err := codec.Unmarshal(d.Rest(), req); err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	return h, req, nil
}

func EncodeResponse(xid uint32, resp event.Response) []byte {
	e := codec.NewEncoder(make([]byte, 0, 64))
	e.Uint32(xid)
	e.Uint32(resp.TypeTag())
	resp.MarshalFields(e)
	return e.Bytes()
}

// PeekXID returns the transaction id of a response record.
func PeekXID(data []byte) (uint32, error) {
	d := codec.NewDecoder(data)
	xid := d.Uint32()
	if d.Err() != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, d.Err())
	}
	return xid, nil
}

// DecodeResponse parses a response record into a response or exception.
func DecodeResponse(reg *event.Registry, data []byte) (uint32, event.Response, error) {
	d := codec.NewDecoder(data)
	xid := d.Uint32()
	tag := d.Uint32()
	if err := d.Err(); err != nil {
		return xid, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch reg.Kind(tag) {
	case event.KindResponse, event.KindException:
	case event.KindUnknown:
		return xid, nil, fmt.Errorf("%w: %#08x", ErrUnknownType, tag)
	default:
		return xid, nil, fmt.Errorf("%w: tag %#08x", ErrWrongKind, tag)
	}
	ev, ok := reg.Create(tag)
	if !ok {
		return xid, nil, fmt.Errorf("%w: %#08x", ErrUnknownType, tag)
	}
	resp, ok := ev.(event.Response)
	if !ok {
		return xid, nil, fmt.Errorf("%w: %T is not a response", ErrWrongKind, ev)
	}
	if err := codec.Unmarshal(d.Rest(), resp); err != nil {
		return xid, nil, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	return xid, resp, nil
}
