package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestWriteReadRecord(t *testing.T) {
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := WriteRecord(&buf, body); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}

	marker := binary.BigEndian.Uint32(buf.Bytes()[:MarkerSize])
	if marker&LastFragment == 0 {
		t.Fatalf("single fragment must carry the last-fragment bit, marker %#x", marker)
	}
	if int(marker&^LastFragment) != len(body) {
		t.Fatalf("fragment length mismatch: got %d, want %d", marker&^LastFragment, len(body))
	}

	got, err := ReadRecord(&buf)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("record mismatch: got %q, want %q", got, body)
	}
}

func TestMultiFragmentRecord(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 10)

	var buf bytes.Buffer
	if err := WriteFragments(&buf, body, 7); err != nil {
		t.Fatalf("WriteFragments failed: %v", err)
	}
	// 15 fragments: 14 of 7 bytes and one of 2
	if want := len(body) + 15*MarkerSize; buf.Len() != want {
		t.Fatalf("encoded size: got %d, want %d", buf.Len(), want)
	}

	got, err := ReadRecord(&buf)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("reassembled record mismatch")
	}
}

func TestBackToBackRecords(t *testing.T) {
	var buf bytes.Buffer
	for _, s := range []string{"first", "", "third"} {
		if err := WriteRecord(&buf, []byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"first", "", "third"} {
		got, err := ReadRecord(&buf)
		if err != nil {
			t.Fatalf("ReadRecord failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := ReadRecord(&buf); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadRecordTooLarge(t *testing.T) {
	var hdr [MarkerSize]byte
	binary.BigEndian.PutUint32(hdr[:], LastFragment|uint32(MaxRecordSize+1))
	_, err := ReadRecord(bytes.NewReader(hdr[:]))
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("expected ErrRecordTooLarge, got %v", err)
	}
}

func TestReadRecordTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]
	if _, err := ReadRecord(bytes.NewReader(truncated)); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}

	// a non-last fragment followed by EOF is also truncation
	var frag bytes.Buffer
	var hdr [MarkerSize]byte
	binary.BigEndian.PutUint32(hdr[:], 2)
	frag.Write(hdr[:])
	frag.WriteString("ab")
	if _, err := ReadRecord(&frag); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}
