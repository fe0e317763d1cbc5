package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/internal/testsvc"
)

func newRegistry(t *testing.T) *event.Registry {
	t.Helper()
	reg := event.NewRegistry()
	require.NoError(t, testsvc.Register(reg))
	reg.Seal()
	return reg
}

func TestRequestRoundTripIsByteIdentical(t *testing.T) {
	reg := newRegistry(t)
	payload := bytes.Repeat([]byte{0xab}, 61)
	cred := Credential{Flavor: 1, Body: []byte("user:group")}

	first := EncodeRequest(42, cred, testsvc.NewEchoRequest(payload, 0))

	h, req, err := DecodeRequest(reg, first)
	require.NoError(t, err)
	assert.Equal(t, uint32(testsvc.InterfaceNumber), h.Interface)
	assert.Equal(t, uint32(testsvc.OpEcho), h.Operation)
	assert.Equal(t, uint32(42), h.XID)
	assert.Equal(t, cred, h.Credential)
	assert.Equal(t, testsvc.EchoRequestTag, h.BodyTag)
	assert.Equal(t, payload, req.(*testsvc.EchoRequest).Payload)

	second := EncodeRequest(h.XID, h.Credential, req)
	assert.Equal(t, first, second)
}

func TestRequestWireLayout(t *testing.T) {
	data := EncodeRequest(7, Credential{Flavor: AuthNone}, &testsvc.LookupRequest{Path: "/a"})
	words := func(i int) uint32 { return binary.BigEndian.Uint32(data[i*4:]) }
	assert.Equal(t, uint32(3), words(0))
	assert.Equal(t, uint32(2), words(1))
	assert.Equal(t, uint32(7), words(2))
	assert.Equal(t, AuthNone, words(3))
	assert.Equal(t, uint32(0), words(4)) // empty credential
	assert.Equal(t, testsvc.LookupRequestTag, words(5))
	assert.Equal(t, uint32(2), words(6)) // path length
	assert.Len(t, data, 8*4)
}

func TestResponseRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	data := EncodeResponse(9, &testsvc.EchoResponse{Payload: []byte("pong")})

	xid, err := PeekXID(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), xid)

	xid, resp, err := DecodeResponse(reg, data)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), xid)
	assert.Equal(t, []byte("pong"), resp.(*testsvc.EchoResponse).Payload)
	assert.Equal(t, data, EncodeResponse(xid, resp))
}

func TestExceptionIsDistinguishedByRegistry(t *testing.T) {
	reg := newRegistry(t)
	data := EncodeResponse(1, testsvc.NewNotFound("/missing"))

	_, resp, err := DecodeResponse(reg, data)
	require.NoError(t, err)
	nf, ok := resp.(*testsvc.NotFound)
	require.True(t, ok)
	assert.Equal(t, uint32(testsvc.CodeNotFound), nf.Code)
	assert.Equal(t, "not found: /missing", nf.Message)

	_, err = event.Expect(resp, testsvc.EchoResponseTag)
	var ex event.Exception
	assert.True(t, errors.As(err, &ex))
}

func TestDecodeErrors(t *testing.T) {
	reg := newRegistry(t)

	_, _, err := DecodeResponse(reg, []byte{0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrMalformed)

	unknown := EncodeResponse(1, &event.TransportError{Err: errors.New("x")})
	_, _, err = DecodeResponse(reg, unknown)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.ErrorIs(t, err, ErrProtocol)

	// a request tag in a response slot
	wrong := EncodeResponse(1, &testsvc.EchoResponse{})
	binary.BigEndian.PutUint32(wrong[4:], testsvc.EchoRequestTag)
	_, _, err = DecodeResponse(reg, wrong)
	assert.ErrorIs(t, err, ErrWrongKind)

	// header says operation 2 but the body is an echo request
	req := EncodeRequest(5, Credential{}, testsvc.NewEchoRequest([]byte("x"), 0))
	binary.BigEndian.PutUint32(req[4:], 2)
	h, _, err := DecodeRequest(reg, req)
	assert.ErrorIs(t, err, ErrMismatch)
	assert.Equal(t, uint32(5), h.XID)

	// truncated body keeps the header
	req = EncodeRequest(6, Credential{}, testsvc.NewEchoRequest([]byte("payload"), 0))
	h, _, err = DecodeRequest(reg, req[:len(req)-4])
	assert.ErrorIs(t, err, ErrBadBody)
	assert.Equal(t, uint32(6), h.XID)
}
