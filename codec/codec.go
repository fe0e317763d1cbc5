// Package codec implements the XDR field encoding used for RPC bodies.
//
// Every value is a sequence of 4-byte big-endian units. Variable-length
// opaque data and strings carry a uint32 length prefix and are zero padded to
// the next 4-byte boundary.
//
// Payload types never expose their wire schema to the transport. They
// implement Marshaler and write or read their own fields.
package codec

import "errors"

// MaxOpaque bounds any single length-prefixed item, matching the record cap.
const MaxOpaque = 32 << 20

var (
	ErrShortBuffer = errors.New("codec: short buffer")
	ErrTooLong     = errors.New("codec: length exceeds limit")
	ErrBadBool     = errors.New("codec: invalid boolean")
	ErrPadding     = errors.New("codec: non-zero padding")
)

// Marshaler is the single serialization contract for request, response and
// exception bodies.
type Marshaler interface {
	MarshalFields(e *Encoder)
	UnmarshalFields(d *Decoder) error
}

// Marshal encodes m into a fresh buffer.
func Marshal(m Marshaler) []byte {
	e := NewEncoder(nil)
	m.MarshalFields(e)
	return e.Bytes()
}

// Unmarshal decodes data into m and requires that all of data is consumed.
func Unmarshal(data []byte, m Marshaler) error {
	d := NewDecoder(data)
	if err := m.UnmarshalFields(d); err != nil {
		return err
	}
	if d.Err() != nil {
		return d.Err()
	}
	if d.Remaining() != 0 {
		return errors.New("codec: trailing bytes after body")
	}
	return nil
}

func pad(n int) int {
	return (4 - n%4) % 4
}
