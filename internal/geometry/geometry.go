// Package geometry computes the block count of every fixed region of an
// index layout from a logical configuration (spec.md §4.4): chapter
// size, chapters per volume, journal size, and so on. The volume index /
// page map / open chapter sizing formulas themselves are out-of-scope
// collaborators (spec.md §2); this package only consumes their results
// through the Estimator seam to assemble the final geometry.
package geometry

import (
	"fmt"

	"github.com/dm-vdo/uds-layout/internal/layouterr"
)

// Config is the logical index configuration geometry is computed from
// (spec.md §4.4).
type Config struct {
	ChaptersPerVolume       uint64
	PagesPerChapter         uint64
	RecordPagesPerChapter   uint64
	BytesPerPage            uint32
	SparseChaptersPerVolume uint64
	VolumeIndexMemoryBytes  uint64
	JournalBlocks           uint64
	CheckpointCount         uint16
}

// Estimator computes the block counts of the three region kinds this
// package doesn't itself know how to size, since their producers (volume
// index, page map, open chapter) are out-of-scope collaborators.
type Estimator interface {
	VolumeIndexBlocksPerSave(cfg Config, blockSize uint32) uint64
	PageMapBlocks(cfg Config, blockSize uint32) uint64
	OpenChapterBlocks(cfg Config, blockSize uint32) uint64
}

// DefaultEstimator is a simplified stand-in for the real volume-index
// memory-sizing and page-map/open-chapter layout algorithms (themselves
// out of scope per spec.md §2): it sizes each region proportionally to
// the corresponding configuration field, rounded up to whole blocks, with
// no extra blocks reserved beyond that rounding. It is not a port of any
// specific upstream sizing formula — none was available to ground it on
// — but it satisfies the same contract real estimators would: a block
// count derived from the config and the block size.
type DefaultEstimator struct{}

func ceilDiv(bytes uint64, blockSize uint32) uint64 {
	bs := uint64(blockSize)
	return (bytes + bs - 1) / bs
}

func (DefaultEstimator) VolumeIndexBlocksPerSave(cfg Config, blockSize uint32) uint64 {
	return ceilDiv(cfg.VolumeIndexMemoryBytes, blockSize)
}

func (DefaultEstimator) PageMapBlocks(cfg Config, blockSize uint32) uint64 {
	// One page-number entry (8 bytes) per chapter in the volume.
	return ceilDiv(cfg.ChaptersPerVolume*8, blockSize)
}

func (DefaultEstimator) OpenChapterBlocks(cfg Config, blockSize uint32) uint64 {
	return ceilDiv(cfg.RecordPagesPerChapter*uint64(cfg.BytesPerPage), blockSize)
}

// Geometry is the computed block count of every fixed region of an index
// layout (spec.md §4.4).
type Geometry struct {
	BlockSize                uint32
	VolumeBlocks             uint64
	VolumeIndexBlocksPerSave uint64
	PageMapBlocks            uint64
	OpenChapterBlocks        uint64
	SaveBlocks               uint64
	NumSaves                 uint16
	SubindexBlocks           uint64
	TotalBlocks              uint64
}

// Compute derives a Geometry from cfg and blockSize, then checks it
// against byteCapacity. It fails fast — before any persistent write is
// attempted — with ErrIncorrectAlignment or ErrInsufficientIndexSpace,
// per spec.md §4.4 and Testable Properties 9-10.
func Compute(cfg Config, blockSize uint32, estimator Estimator, byteCapacity int64) (Geometry, error) {
	if blockSize == 0 {
		return Geometry{}, fmt.Errorf("geometry: block size must be nonzero: %w", layouterr.ErrIncorrectAlignment)
	}
	if cfg.BytesPerPage%blockSize != 0 {
		return Geometry{}, fmt.Errorf("geometry: bytes_per_page %d not a multiple of block size %d: %w", cfg.BytesPerPage, blockSize, layouterr.ErrIncorrectAlignment)
	}

	bytesPerChapter := cfg.PagesPerChapter * uint64(cfg.BytesPerPage)
	bytesPerVolume := cfg.ChaptersPerVolume * bytesPerChapter
	if bytesPerVolume%uint64(blockSize) != 0 {
		return Geometry{}, fmt.Errorf("geometry: bytes_per_volume %d not a multiple of block size %d: %w", bytesPerVolume, blockSize, layouterr.ErrIncorrectAlignment)
	}
	volumeBlocks := bytesPerVolume / uint64(blockSize)

	volumeIndexBlocks := estimator.VolumeIndexBlocksPerSave(cfg, blockSize)
	pageMapBlocks := estimator.PageMapBlocks(cfg, blockSize)
	openChapterBlocks := estimator.OpenChapterBlocks(cfg, blockSize)

	// +1 is the slot header block (spec.md §4.4).
	saveBlocks := 1 + volumeIndexBlocks + pageMapBlocks + openChapterBlocks

	numSaves := 2 + cfg.CheckpointCount
	// spec.md §4.4 states subindex_blocks = volume_blocks + num_saves *
	// save_blocks, but §6's on-disk layout places a dedicated one-block
	// "subindex index record" at block 2, immediately before the volume
	// data, with no separate term in total_blocks to account for it.
	// Folding that marker block into subindex_blocks (rather than adding
	// a fourth term to total_blocks) keeps the explicitly-stated
	// three-term total_blocks formula exactly correct; see DESIGN.md.
	subindexBlocks := 1 + volumeBlocks + uint64(numSaves)*saveBlocks
	// +1 layout header, +1 config, +1 seal (spec.md §4.4).
	totalBlocks := 3 + subindexBlocks

	required := int64(totalBlocks) * int64(blockSize)
	if byteCapacity < required {
		return Geometry{}, fmt.Errorf("geometry: capacity %d bytes < required %d bytes (%d blocks of %d): %w", byteCapacity, required, totalBlocks, blockSize, layouterr.ErrInsufficientIndexSpace)
	}

	return Geometry{
		BlockSize:                blockSize,
		VolumeBlocks:             volumeBlocks,
		VolumeIndexBlocksPerSave: volumeIndexBlocks,
		PageMapBlocks:            pageMapBlocks,
		OpenChapterBlocks:        openChapterBlocks,
		SaveBlocks:               saveBlocks,
		NumSaves:                 numSaves,
		SubindexBlocks:           subindexBlocks,
		TotalBlocks:              totalBlocks,
	}, nil
}
