package ioregion

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// fileFactory is the production Factory, backed by a single *os.File.
// Adapted from disk.Disk (which opened one *os.File and computed a fixed
// partition window from an Oberon boot block); the Oberon partition-table
// parsing has no equivalent here, since the caller supplies the byte
// offset and capacity directly (spec.md §6's "offset, byte_capacity"
// parameters to create/open).
type fileFactory struct {
	f        *os.File
	capacity int64
	refCount int64
}

// Open opens (or creates, with create=true) imagePath and returns a
// Factory with capacity writable bytes available, starting at byte 0 of
// the file. The caller's initial reference is returned already held; call
// Close when done with it.
func Open(imagePath string, capacity int64, create bool) (Factory, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(imagePath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("ioregion: opening %s: %w", imagePath, err)
	}
	if create {
		if err := f.Truncate(capacity); err != nil {
			f.Close()
			return nil, fmt.Errorf("ioregion: truncating %s to %d bytes: %w", imagePath, capacity, err)
		}
	}
	ff := &fileFactory{f: f, capacity: capacity, refCount: 1}
	log.Debug().Str("path", imagePath).Int64("capacity", capacity).Bool("create", create).Msg("ioregion: opened backing file")
	return ff, nil
}

func (ff *fileFactory) Size() (int64, error) {
	return ff.capacity, nil
}

func (ff *fileFactory) OpenRegion(start, length int64) (Region, error) {
	if start < 0 || length < 0 || start+length > ff.capacity {
		return nil, fmt.Errorf("ioregion: region [%d, %d) exceeds factory capacity %d", start, start+length, ff.capacity)
	}
	ff.Ref()
	return &fileRegion{factory: ff, start: start, length: length}, nil
}

func (ff *fileFactory) Ref() Factory {
	atomic.AddInt64(&ff.refCount, 1)
	return ff
}

func (ff *fileFactory) Close() error {
	if c := atomic.AddInt64(&ff.refCount, -1); c < 0 {
		panic(fmt.Sprintf("ioregion: Factory closed more times than referenced, refcount %d", c))
	} else if c == 0 {
		log.Debug().Msg("ioregion: closing backing file, refcount reached zero")
		return ff.f.Close()
	}
	return nil
}
