// Package codec serializes and deserializes the fixed-width little-endian
// primitives and fixed-layout records used throughout the index layout
// engine. It is adapted from the teacher's internal/util byte-array
// helpers (plain offset-based ReadLEUint32/WriteLEUint32 pairs),
// generalized into an explicit advancing cursor so every record decode
// can check that exactly its declared byte count was consumed.
//
// No heap allocation happens here beyond the final fixed-size arrays the
// records themselves own; Writer and Reader always operate on a
// caller-supplied, borrowed byte slice.
package codec

import (
	"fmt"

	"github.com/dm-vdo/uds-layout/internal/layouterr"
)

// Writer serializes fixed-width fields into a caller-supplied buffer,
// advancing an internal cursor as it goes.
type Writer struct {
	buf []byte
	pos int
}

// NewWriter wraps buf for sequential little-endian writes. buf must be at
// least as large as everything the caller intends to write into it.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Pos returns the number of bytes written so far.
func (w *Writer) Pos() int { return w.pos }

func (w *Writer) advance(n int) []byte {
	if w.pos+n > len(w.buf) {
		panic(fmt.Sprintf("codec: write of %d bytes at pos %d overruns buffer of length %d", n, w.pos, len(w.buf)))
	}
	b := w.buf[w.pos : w.pos+n]
	w.pos += n
	return b
}

func (w *Writer) PutUint8(v uint8) {
	b := w.advance(1)
	b[0] = v
}

func (w *Writer) PutUint16(v uint16) {
	b := w.advance(2)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func (w *Writer) PutUint32(v uint32) {
	b := w.advance(4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func (w *Writer) PutUint64(v uint64) {
	b := w.advance(8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// PutBytes copies exactly len(v) bytes into the buffer.
func (w *Writer) PutBytes(v []byte) {
	b := w.advance(len(v))
	copy(b, v)
}

// PutFixed copies v into a field of exactly size bytes, zero-padding (or
// truncating, which panics instead of silently corrupting data) to fit.
func (w *Writer) PutFixed(v []byte, size int) {
	if len(v) > size {
		panic(fmt.Sprintf("codec: value of length %d does not fit in fixed field of size %d", len(v), size))
	}
	b := w.advance(size)
	n := copy(b, v)
	for i := n; i < size; i++ {
		b[i] = 0
	}
}

// PutZero writes n zero bytes; used for reserved/padding fields so they
// are explicit in the encoder rather than relying on a zeroed buffer.
func (w *Writer) PutZero(n int) {
	b := w.advance(n)
	for i := range b {
		b[i] = 0
	}
}

// Reader deserializes fixed-width fields from a caller-supplied buffer,
// advancing an internal cursor as it goes.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential little-endian reads.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Pos returns the number of bytes consumed so far.
func (r *Reader) Pos() int { return r.pos }

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) advance(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("codec: read of %d bytes at pos %d overruns buffer of length %d: %w", n, r.pos, len(r.buf), layouterr.ErrCorruptComponent)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.advance(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.advance(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.advance(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.advance(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v, nil
}

// Bytes returns the next n bytes as a fresh copy, so callers may retain it
// independent of the backing buffer's lifetime.
func (r *Reader) Bytes(n int) ([]byte, error) {
	b, err := r.advance(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Skip advances the cursor by n bytes without copying, for reserved/padding
// fields the caller doesn't need back.
func (r *Reader) Skip(n int) error {
	_, err := r.advance(n)
	return err
}

// ExpectConsumed fails decoding unless exactly n bytes have been consumed
// so far, per spec.md §4.1's "every decode of a record checks that exactly
// the record's declared byte count was consumed" rule.
func (r *Reader) ExpectConsumed(n int) error {
	if r.pos != n {
		return fmt.Errorf("codec: expected to consume exactly %d bytes, consumed %d: %w", n, r.pos, layouterr.ErrCorruptComponent)
	}
	return nil
}

// StringFromBytes trims trailing NUL bytes, as fixed-length string fields
// (like region/file names elsewhere in the pack) are NUL-padded.
func StringFromBytes(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}
