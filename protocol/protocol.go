// Package protocol implements ONC-RPC record marking over a byte stream.
//
// A record is sent as one or more fragments. Each fragment starts with a
// 4-byte big-endian marker whose high bit flags the last fragment of the
// record and whose low 31 bits give the fragment length. The receiver
// concatenates fragments until it sees the last one.
//
// Fragment format:
//
//	0                                  4
//	┌─┬────────────────────────────────┬──────────────────────┐
//	│L│     fragment length (31 bit)   │   fragment bytes ...  │
//	└─┴────────────────────────────────┴──────────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MarkerSize = 4
	// LastFragment is the marker bit that closes a record.
	LastFragment uint32 = 1 << 31
	// MaxRecordSize bounds a reassembled record. Anything larger is treated
	// as a desynchronized stream.
	MaxRecordSize = 32 << 20
)

var ErrRecordTooLarge = errors.New("protocol: record exceeds size limit")

// WriteRecord writes record as a single last fragment in one Write call, so
// concurrent writers holding a lock never interleave partial records.
func WriteRecord(w io.Writer, record []byte) error {
	if len(record) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(record))
	}
	buf := make([]byte, MarkerSize, MarkerSize+len(record))
	binary.BigEndian.PutUint32(buf, LastFragment|uint32(len(record)))
	buf = append(buf, record...)
	_, err := w.Write(buf)
	return err
}

// WriteFragments splits record into fragments of at most size bytes. An
// empty record is written as one empty last fragment.
func WriteFragments(w io.Writer, record []byte, size int) error {
	if len(record) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(record))
	}
	if size <= 0 {
		return WriteRecord(w, record)
	}
	for {
		n := min(size, len(record))
		marker := uint32(n)
		if n == len(record) {
			marker |= LastFragment
		}
		var hdr [MarkerSize]byte
		binary.BigEndian.PutUint32(hdr[:], marker)
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(record[:n]); err != nil {
			return err
		}
		record = record[n:]
		if marker&LastFragment != 0 {
			return nil
		}
	}
}

// ReadRecord reads fragments until the last one and returns the record.
// io.ReadFull guarantees every fragment is read completely.
func ReadRecord(r io.Reader) ([]byte, error) {
	var record []byte
	var hdr [MarkerSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if len(record) > 0 && err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		marker := binary.BigEndian.Uint32(hdr[:])
		n := int(marker &^ LastFragment)
		if len(record)+n > MaxRecordSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(record)+n)
		}
		start := len(record)
		record = append(record, make([]byte, n)...)
		if _, err := io.ReadFull(r, record[start:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if marker&LastFragment != 0 {
			return record, nil
		}
	}
}
