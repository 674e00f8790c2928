// Package superblock builds, encodes, decodes, and verifies the
// top-level descriptor at block 0 of an index layout (spec.md §4.3). Its
// field-at-offset encode/decode shape is grounded in the same teacher
// pattern as internal/region: a fixed-size record with a constant magic,
// a version, and a handful of scalar fields, exactly like
// internal/filesystem/fileheader.go's mark/name/aleng/bleng layout in the
// teacher pack.
package superblock

import (
	"bytes"
	"fmt"

	"github.com/dm-vdo/uds-layout/internal/codec"
	"github.com/dm-vdo/uds-layout/internal/layouterr"
	"github.com/dm-vdo/uds-layout/internal/nonce"
	"github.com/dm-vdo/uds-layout/internal/randsrc"
)

// magicLabel is the 32-byte ASCII constant identifying this format,
// verified byte-for-byte on decode (spec.md §6).
var magicLabel = [32]byte{}

func init() {
	const label = "*ALBIREO*SINGLE*FILE*LAYOUT*001*"
	if len(label) != len(magicLabel) {
		panic(fmt.Sprintf("superblock: magic label literal is %d bytes, want %d", len(label), len(magicLabel)))
	}
	copy(magicLabel[:], label)
}

const (
	// MinVersion and CurrentVersion bound the superblock versions this
	// build accepts on open; only CurrentVersion is ever written by
	// create (spec.md §6).
	MinVersion     = 1
	CurrentVersion = 1

	// Size is the encoded size of a Data record.
	//
	// spec.md §3/§4.3 list open_chapter_blocks and page_map_blocks as
	// u64 fields and state the total as 96 bytes, but
	// 32 (magic_label) + 32 (nonce_seed) + 8 (master_nonce) + 4
	// (version) + 4 (block_size) + 2 (subindex_count) + 2 (max_saves) +
	// 4 (pad) only leaves 8 bytes for both remaining fields together,
	// not 16. Both fields are encoded here as u32, which makes every
	// named field fit exactly into the stated 96 bytes; see DESIGN.md.
	Size = 96

	// NonceSeedSize is the width of the random seed the master nonce is
	// derived from.
	NonceSeedSize = 32
)

// Data is the superblock record (spec.md §3).
type Data struct {
	NonceSeed         [NonceSeedSize]byte
	MasterNonce       uint64
	Version           uint32
	BlockSize         uint32
	SubindexCount     uint16 // historical field, always 1 (spec.md §9)
	MaxSaves          uint16
	OpenChapterBlocks uint32
	PageMapBlocks     uint32
}

// Generate builds a fresh superblock for a newly created layout: it fills
// NonceSeed with randomness from src and derives MasterNonce from it
// (Invariant 3), then copies in the caller-supplied geometry fields.
func Generate(src randsrc.Source, hasher nonce.Source, blockSize uint32, maxSaves uint16, openChapterBlocks, pageMapBlocks uint32) (Data, error) {
	if maxSaves < 2 {
		return Data{}, fmt.Errorf("superblock: max_saves %d < 2: %w", maxSaves, layouterr.ErrBadState)
	}
	var seed [NonceSeedSize]byte
	if _, err := src.Read(seed[:]); err != nil {
		return Data{}, fmt.Errorf("superblock: generating nonce seed: %w", err)
	}
	return Data{
		NonceSeed:         seed,
		MasterNonce:       nonce.PrimaryHash(hasher, seed[:]),
		Version:           CurrentVersion,
		BlockSize:         blockSize,
		SubindexCount:     1,
		MaxSaves:          maxSaves,
		OpenChapterBlocks: openChapterBlocks,
		PageMapBlocks:     pageMapBlocks,
	}, nil
}

// Encode serializes sb into exactly Size bytes, per spec.md §4.3's field
// order: magic_label, nonce_seed, master_nonce, version, block_size,
// subindex_count, max_saves, 4 zero pad bytes, open_chapter_blocks,
// page_map_blocks.
func (sb Data) Encode() []byte {
	buf := make([]byte, Size)
	w := codec.NewWriter(buf)
	w.PutBytes(magicLabel[:])
	w.PutBytes(sb.NonceSeed[:])
	w.PutUint64(sb.MasterNonce)
	w.PutUint32(sb.Version)
	w.PutUint32(sb.BlockSize)
	w.PutUint16(sb.SubindexCount)
	w.PutUint16(sb.MaxSaves)
	w.PutZero(4)
	w.PutUint32(sb.OpenChapterBlocks)
	w.PutUint32(sb.PageMapBlocks)
	return buf
}

// Decode parses and verifies a superblock from exactly Size bytes, per
// spec.md §4.3: magic label, version range, subindex_count == 1, and
// master_nonce == primary_hash(nonce_seed) (Invariant 3). Any mismatch
// yields ErrCorruptComponent, except an out-of-range version which yields
// the dedicated ErrUnsupportedVersion.
func Decode(buf []byte, hasher nonce.Source) (Data, error) {
	r := codec.NewReader(buf)

	gotMagic, err := r.Bytes(len(magicLabel))
	if err != nil {
		return Data{}, err
	}
	if !bytes.Equal(gotMagic, magicLabel[:]) {
		return Data{}, fmt.Errorf("superblock: bad magic label %q: %w", gotMagic, layouterr.ErrCorruptComponent)
	}

	var seed [NonceSeedSize]byte
	seedBytes, err := r.Bytes(NonceSeedSize)
	if err != nil {
		return Data{}, err
	}
	copy(seed[:], seedBytes)

	masterNonce, err := r.Uint64()
	if err != nil {
		return Data{}, err
	}
	version, err := r.Uint32()
	if err != nil {
		return Data{}, err
	}
	blockSize, err := r.Uint32()
	if err != nil {
		return Data{}, err
	}
	subindexCount, err := r.Uint16()
	if err != nil {
		return Data{}, err
	}
	maxSaves, err := r.Uint16()
	if err != nil {
		return Data{}, err
	}
	if err := r.Skip(4); err != nil {
		return Data{}, err
	}
	openChapterBlocks, err := r.Uint32()
	if err != nil {
		return Data{}, err
	}
	pageMapBlocks, err := r.Uint32()
	if err != nil {
		return Data{}, err
	}
	if err := r.ExpectConsumed(Size); err != nil {
		return Data{}, err
	}

	if version < MinVersion || version > CurrentVersion {
		return Data{}, fmt.Errorf("superblock: version %d outside [%d, %d]: %w", version, MinVersion, CurrentVersion, layouterr.ErrUnsupportedVersion)
	}
	if subindexCount != 1 {
		return Data{}, fmt.Errorf("superblock: subindex_count %d != 1: %w", subindexCount, layouterr.ErrCorruptComponent)
	}
	if maxSaves < 2 {
		return Data{}, fmt.Errorf("superblock: max_saves %d < 2: %w", maxSaves, layouterr.ErrCorruptComponent)
	}
	wantNonce := nonce.PrimaryHash(hasher, seed[:])
	if masterNonce != wantNonce {
		return Data{}, fmt.Errorf("superblock: master_nonce %x != primary_hash(nonce_seed) %x: %w", masterNonce, wantNonce, layouterr.ErrCorruptComponent)
	}

	return Data{
		NonceSeed:         seed,
		MasterNonce:       masterNonce,
		Version:           version,
		BlockSize:         blockSize,
		SubindexCount:     subindexCount,
		MaxSaves:          maxSaves,
		OpenChapterBlocks: openChapterBlocks,
		PageMapBlocks:     pageMapBlocks,
	}, nil
}

// VerifyBlockSize checks the persisted block size against the caller's
// configured block size (Invariant 7), returning ErrWrongIndexConfig on
// mismatch.
func VerifyBlockSize(sb Data, callerBlockSize uint32) error {
	if sb.BlockSize != callerBlockSize {
		return fmt.Errorf("superblock: persisted block size %d != configured %d: %w", sb.BlockSize, callerBlockSize, layouterr.ErrWrongIndexConfig)
	}
	return nil
}

// SubindexNonce derives the subindex nonce from the superblock's master
// nonce and the subindex's start block (Invariant 5), applying the
// zero-fallback quirk.
func SubindexNonce(hasher nonce.Source, sb Data, subindexStartBlock uint64) uint64 {
	payload := make([]byte, 8+2)
	w := codec.NewWriter(payload)
	w.PutUint64(subindexStartBlock)
	w.PutUint16(0) // subindex_index, always 0 (spec.md §9: num_indexes > 1 not supported)
	return nonce.SecondaryHashWithFallback(hasher, sb.MasterNonce, payload)
}
