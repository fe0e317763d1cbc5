package codec

import (
	"encoding/binary"
	"fmt"
)

// Encoder appends XDR units to a growing buffer. It never fails.
type Encoder struct {
	buf []byte
}

func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf[:0]}
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Int32(v int32) {
	e.Uint32(uint32(v))
}

func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Int64(v int64) {
	e.Uint64(uint64(v))
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint32(1)
		return
	}
	e.Uint32(0)
}

// Opaque writes variable-length data: length, bytes, padding.
func (e *Encoder) Opaque(b []byte) {
	e.Uint32(uint32(len(b)))
	e.FixedOpaque(b)
}

// FixedOpaque writes bytes and padding without a length prefix.
func (e *Encoder) FixedOpaque(b []byte) {
	e.buf = append(e.buf, b...)
	for i := pad(len(b)); i > 0; i-- {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	for i := pad(len(s)); i > 0; i-- {
		e.buf = append(e.buf, 0)
	}
}

// Struct writes a nested value in place.
func (e *Encoder) Struct(m Marshaler) {
	m.MarshalFields(e)
}

// Raw appends pre-encoded bytes verbatim.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Len() int { return len(e.buf) }

// Decoder reads XDR units from a buffer. The first error is sticky: later
// reads return zero values and Err reports the original failure.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.Remaining() < n {
		d.fail(fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.off, d.Remaining()))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) Int64() int64 {
	return int64(d.Uint64())
}

func (d *Decoder) Bool() bool {
	switch d.Uint32() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(ErrBadBool)
		return false
	}
}

func (d *Decoder) length() int {
	n := d.Uint32()
	if d.err != nil {
		return -1
	}
	if n > MaxOpaque {
		d.fail(fmt.Errorf("%w: %d", ErrTooLong, n))
		return -1
	}
	return int(n)
}

// Opaque reads length-prefixed data. The result is a copy.
func (d *Decoder) Opaque() []byte {
	n := d.length()
	if n < 0 {
		return nil
	}
	b := d.FixedOpaque(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// FixedOpaque reads n bytes plus padding. The result aliases the input.
func (d *Decoder) FixedOpaque(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	for _, p := range d.take(pad(n)) {
		if p != 0 {
			d.fail(ErrPadding)
			return nil
		}
	}
	return b
}

func (d *Decoder) String() string {
	n := d.length()
	if n < 0 {
		return ""
	}
	return string(d.FixedOpaque(n))
}

func (d *Decoder) Struct(m Marshaler) error {
	if d.err != nil {
		return d.err
	}
	if err := m.UnmarshalFields(d); err != nil {
		d.fail(err)
	}
	return d.err
}

// Rest consumes and returns everything not yet read.
func (d *Decoder) Rest() []byte {
	return d.take(d.Remaining())
}
