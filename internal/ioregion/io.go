// Package ioregion is the concrete, file-backed implementation of the I/O
// factory and io_region collaborators spec.md §2 lists as out of scope
// ("random-access aligned read/write of raw byte ranges", "reporting
// writable capacity"). It is adapted from the teacher's internal/disk
// package: disk.Disk's getBlocks/putBlocks pair (Seek+Read/Write over a
// single *os.File) is generalized here to arbitrary byte ranges and
// positioned I/O (ReadAt/WriteAt), since spec.md §5 requires that
// distinct volume-index zones be written concurrently by different
// workers without interfering with each other.
//
// Per spec.md §9's Design Notes, the source's function-pointer
// polymorphism on io_region (read/write/sync/free via dispatch table) and
// its container_of downcasts from a common region base are both replaced
// here with a plain Go interface (Region) and composition (fileRegion
// holds its *fileFactory directly; there is no base struct to downcast
// from).
package ioregion

import (
	"context"
	"fmt"

	"github.com/dm-vdo/uds-layout/internal/layouterr"
)

// Factory opens random-access byte ranges ("regions") backed by a single
// underlying store and reports its writable capacity. It is
// reference-counted: the layout manager holds one reference for its own
// lifetime, and each open Region holds an independent reference so a
// region can outlive the layout that created it (spec.md §5, "Shared
// resources").
type Factory interface {
	// Size reports the writable capacity of the backing store in bytes.
	Size() (int64, error)

	// OpenRegion returns a Region restricted to [start, start+length) of
	// the backing store. OpenRegion itself takes a new reference on the
	// factory; the returned Region's Close releases it.
	OpenRegion(start, length int64) (Region, error)

	// Ref takes an additional reference on the factory and returns the
	// same Factory, mirroring the source's atomic_t refcount without
	// exposing it directly.
	Ref() Factory

	// Close releases the caller's reference. When the reference count
	// reaches zero, the underlying descriptor is closed.
	Close() error
}

// Region is an abstract capability over a fixed byte range: read, write,
// sync, and a drop hook, per spec.md §9's replacement for the source's
// io_region vtable.
type Region interface {
	// Read returns exactly size bytes starting at offset (relative to
	// the region's own start), or fails with ErrOutOfRange /
	// ErrShortRead. minLen, when less than size, permits a short result
	// at end-of-region without error (used when a trailing region may
	// be partially populated); 0 means "minLen == size".
	Read(ctx context.Context, offset int64, size int, minLen int) ([]byte, error)

	// Write stores data at offset (relative to the region's own start).
	Write(ctx context.Context, offset int64, data []byte) error

	// Sync flushes any buffered writes to stable storage. Per spec.md
	// §5's ordering guarantee 1, callers must Sync body writes before
	// writing a commit-fence header.
	Sync() error

	// Close releases this Region's reference on its Factory. It is an
	// error to use the Region afterward.
	Close() error

	// Length reports the region's byte length.
	Length() int64
}

func checkBounds(offset int64, size int, regionLen int64) error {
	if offset < 0 || size < 0 {
		return fmt.Errorf("ioregion: negative offset %d or size %d: %w", offset, size, layouterr.ErrOutOfRange)
	}
	if offset+int64(size) > regionLen {
		return fmt.Errorf("ioregion: range [%d, %d) exceeds region length %d: %w", offset, offset+int64(size), regionLen, layouterr.ErrOutOfRange)
	}
	return nil
}
