package ioregion

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dm-vdo/uds-layout/internal/layouterr"
)

// fileRegion is a byte-range capability over a fileFactory's backing
// file. It holds its factory by composition, not by embedding a common
// "base region" struct — there is no container_of-style downcast needed
// to recover the concrete type, per spec.md §9's Design Notes.
type fileRegion struct {
	factory *fileFactory
	start   int64
	length  int64
	closed  int32
}

func (r *fileRegion) Length() int64 { return r.length }

func (r *fileRegion) Read(ctx context.Context, offset int64, size int, minLen int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if atomic.LoadInt32(&r.closed) != 0 {
		return nil, fmt.Errorf("ioregion: read on closed region: %w", layouterr.ErrBadState)
	}
	if minLen == 0 {
		minLen = size
	}
	if err := checkBounds(offset, size, r.length); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	n, err := r.factory.f.ReadAt(buf, r.start+offset)
	if n < minLen {
		if err != nil {
			return nil, fmt.Errorf("ioregion: short read at region offset %d, got %d of %d bytes: %w", offset, n, size, layouterr.ErrShortRead)
		}
		return nil, fmt.Errorf("ioregion: short read at region offset %d, got %d of %d bytes: %w", offset, n, size, layouterr.ErrShortRead)
	}
	return buf[:n], nil
}

func (r *fileRegion) Write(ctx context.Context, offset int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if atomic.LoadInt32(&r.closed) != 0 {
		return fmt.Errorf("ioregion: write on closed region: %w", layouterr.ErrBadState)
	}
	if err := checkBounds(offset, len(data), r.length); err != nil {
		return err
	}
	n, err := r.factory.f.WriteAt(data, r.start+offset)
	if err != nil {
		return fmt.Errorf("ioregion: write at region offset %d: %w", offset, err)
	}
	if n != len(data) {
		return fmt.Errorf("ioregion: short write at region offset %d, wrote %d of %d bytes: %w", offset, n, len(data), layouterr.ErrBufferError)
	}
	return nil
}

func (r *fileRegion) Sync() error {
	return r.factory.f.Sync()
}

func (r *fileRegion) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return fmt.Errorf("ioregion: region closed more than once: %w", layouterr.ErrBadState)
	}
	return r.factory.Close()
}
