package ioregion

import (
	"context"
	"fmt"

	"github.com/dm-vdo/uds-layout/internal/layouterr"
)

// BufferedWriter streams data into a Region at an advancing position,
// serving spec.md §4.6's open_writer contract. It holds no buffer of its
// own: each Write goes straight to the Region, and blockSize is recorded
// but not used to chunk or align writes.
type BufferedWriter struct {
	region    Region
	blockSize int
	pos       int64 // next write offset within the region
}

// NewBufferedWriter returns a writer positioned at the start of region,
// streaming in blockSize chunks.
func NewBufferedWriter(region Region, blockSize int) *BufferedWriter {
	return &BufferedWriter{region: region, blockSize: blockSize}
}

// Write writes p to the region at the writer's current position,
// advancing it. p need not be block-sized; it is written in one Region
// Write call at whatever offset the writer has reached.
func (w *BufferedWriter) Write(ctx context.Context, p []byte) error {
	if w.pos+int64(len(p)) > w.region.Length() {
		return fmt.Errorf("ioregion: buffered write of %d bytes at pos %d exceeds region length %d: %w", len(p), w.pos, w.region.Length(), layouterr.ErrOutOfRange)
	}
	if err := w.region.Write(ctx, w.pos, p); err != nil {
		return err
	}
	w.pos += int64(len(p))
	return nil
}

// Sync flushes the underlying region to stable storage.
func (w *BufferedWriter) Sync() error {
	return w.region.Sync()
}

// Pos returns the writer's current offset within its region.
func (w *BufferedWriter) Pos() int64 { return w.pos }

// BufferedReader streams data out of a Region, matching spec.md §4.6's
// open_reader contract.
type BufferedReader struct {
	region    Region
	blockSize int
	pos       int64
}

// NewBufferedReader returns a reader positioned at the start of region.
func NewBufferedReader(region Region, blockSize int) *BufferedReader {
	return &BufferedReader{region: region, blockSize: blockSize}
}

// Read returns exactly n bytes from the reader's current position,
// advancing it.
func (r *BufferedReader) Read(ctx context.Context, n int) ([]byte, error) {
	if r.pos+int64(n) > r.region.Length() {
		return nil, fmt.Errorf("ioregion: buffered read of %d bytes at pos %d exceeds region length %d: %w", n, r.pos, r.region.Length(), layouterr.ErrOutOfRange)
	}
	b, err := r.region.Read(ctx, r.pos, n, 0)
	if err != nil {
		return nil, err
	}
	r.pos += int64(n)
	return b, nil
}

// Pos returns the reader's current offset within its region.
func (r *BufferedReader) Pos() int64 { return r.pos }
