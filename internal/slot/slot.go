// Package slot implements one rotating save slot (spec.md §4.5): the
// four-state object (empty/written/valid/invalid) that holds a region
// table, a small save-data record, and a bounded state buffer, and the
// oldest-for-overwrite/latest-for-load selection algorithms over an
// array of them. It is grounded on the same fixed-offset record pattern
// as internal/region and internal/superblock, generalized here onto a
// record whose trailing payload (the caller's state buffer) varies in
// length, the way the teacher's indexsector.go varies its trailing
// directory-entry count.
package slot

import (
	"context"
	"fmt"

	"github.com/dm-vdo/uds-layout/internal/clock"
	"github.com/dm-vdo/uds-layout/internal/codec"
	"github.com/dm-vdo/uds-layout/internal/ioregion"
	"github.com/dm-vdo/uds-layout/internal/layouterr"
	"github.com/dm-vdo/uds-layout/internal/nonce"
	"github.com/dm-vdo/uds-layout/internal/region"
)

// StateBufferMax is the largest state buffer a caller may fill via
// GetStateBuffer (spec.md §4.6).
const StateBufferMax = 512

// saveDataSize is the encoded size of SaveData.
//
// spec.md §4.5's instantiate step names three save_data fields —
// nonce, timestamp, version — but §6's on-disk layout states the
// serialised size as 16 bytes, which is exactly nonce(8)+timestamp(8)
// with no room left for a separate version byte. The region_header
// already carries its own version field (always CurrentVersion), so
// this implementation treats "version=1" in §4.5's instantiate
// description as referring to that shared header field rather than a
// distinct save_data field; see DESIGN.md.
const saveDataSize = 16

// State is a save slot's observable state (spec.md §4.5).
type State int

const (
	StateEmpty State = iota
	StateWritten
	StateValid
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateWritten:
		return "WRITTEN"
	case StateValid:
		return "VALID"
	case StateInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// SaveData is the 16-byte record chained to the subindex nonce (spec.md
// Invariant 4).
type SaveData struct {
	Nonce     uint64
	Timestamp uint64
}

// Encode serializes d into exactly saveDataSize bytes.
func (d SaveData) Encode() []byte {
	buf := make([]byte, saveDataSize)
	w := codec.NewWriter(buf)
	w.PutUint64(d.Nonce)
	w.PutUint64(d.Timestamp)
	return buf
}

func decodeSaveData(buf []byte) (SaveData, error) {
	r := codec.NewReader(buf)
	nonceVal, err := r.Uint64()
	if err != nil {
		return SaveData{}, err
	}
	ts, err := r.Uint64()
	if err != nil {
		return SaveData{}, err
	}
	if err := r.ExpectConsumed(saveDataSize); err != nil {
		return SaveData{}, err
	}
	return SaveData{Nonce: nonceVal, Timestamp: ts}, nil
}

// Slot is one rotating save slot: its header-block region plus the
// in-memory view of its region table, save data, and state buffer.
type Slot struct {
	StartBlock uint64
	BlockCount uint64

	header    ioregion.Region
	blockSize uint32

	State    State
	Kind     region.HeaderType
	Zones    uint64
	Table    region.Table
	SaveData SaveData

	// StateBuffer is the caller-filled payload handed to commit_save; nil
	// when empty (spec.md §4.6 GetStateBuffer).
	StateBuffer []byte
}

// New wraps the one-block header region of a slot spanning
// [startBlock, startBlock+blockCount) in the layout's block space.
func New(startBlock, blockCount uint64, blockSize uint32, header ioregion.Region) *Slot {
	return &Slot{StartBlock: startBlock, BlockCount: blockCount, blockSize: blockSize, header: header, State: StateEmpty, Kind: region.HeaderTypeUnsaved}
}

// Close releases the slot's header region, which holds its own
// reference on the I/O factory independent of the layout that created it
// (spec.md §5, "Shared resources").
func (s *Slot) Close() error {
	if s.header == nil {
		return nil
	}
	return s.header.Close()
}

// Reset lays out the slot's minimal empty-state region table — the
// header block, an optional page-map region, and a trailing scratch
// region spanning the remainder — and clears all save data (spec.md
// §4.5). It does not touch disk; the caller must call Write to make the
// reset durable (invalidating whatever was previously on disk).
func (s *Slot) Reset(pageMapBlocks uint64) {
	s.Kind = region.HeaderTypeUnsaved
	s.Zones = 0
	s.SaveData = SaveData{}
	s.StateBuffer = nil

	var regions []region.LayoutRegion
	next := s.StartBlock + 1
	if pageMapBlocks > 0 {
		regions = append(regions, region.LayoutRegion{StartBlock: next, BlockCount: pageMapBlocks, Kind: region.KindIndexPageMap, Instance: region.SoleInstance})
		next += pageMapBlocks
	}
	if end := s.StartBlock + s.BlockCount; next < end {
		regions = append(regions, region.LayoutRegion{StartBlock: next, BlockCount: end - next, Kind: region.KindScratch, Instance: region.SoleInstance})
	}
	s.Table = region.Table{Regions: regions}
	s.State = StateEmpty
}

// Instantiate prepares a fresh in-memory save: it allocates the zone
// array, includes an open-chapter region only for SAVE (dropping it for
// CHECKPOINT), splits the volume-index budget evenly across zones with
// any remainder routed to a trailing scratch region, allocates a
// StateBufferMax-byte state buffer, and computes the slot's nonce and
// timestamp (spec.md §4.5). It does not write anything to disk.
func (s *Slot) Instantiate(hasher nonce.Source, clk clock.Source, subindexNonce uint64, zones uint64, kind region.HeaderType, pageMapBlocks, volumeIndexBlocksPerSave, openChapterBlocks uint64) error {
	if zones == 0 {
		return fmt.Errorf("slot: zones must be > 0: %w", layouterr.ErrBadState)
	}
	if kind != region.HeaderTypeSave && kind != region.HeaderTypeCheckpoint {
		return fmt.Errorf("slot: instantiate kind must be SAVE or CHECKPOINT, got %s: %w", kind, layouterr.ErrBadState)
	}
	if volumeIndexBlocksPerSave > 0 && volumeIndexBlocksPerSave/zones == 0 {
		return fmt.Errorf("slot: volume-index budget %d too small for %d zones: %w", volumeIndexBlocksPerSave, zones, layouterr.ErrInsufficientIndexSpace)
	}

	var regions []region.LayoutRegion
	next := s.StartBlock + 1
	if pageMapBlocks > 0 {
		regions = append(regions, region.LayoutRegion{StartBlock: next, BlockCount: pageMapBlocks, Kind: region.KindIndexPageMap, Instance: region.SoleInstance})
		next += pageMapBlocks
	}

	if volumeIndexBlocksPerSave > 0 {
		perZone := volumeIndexBlocksPerSave / zones
		for z := uint64(0); z < zones; z++ {
			regions = append(regions, region.LayoutRegion{StartBlock: next, BlockCount: perZone, Kind: region.KindVolumeIndex, Instance: region.Instance(z)})
			next += perZone
		}
	}

	if kind == region.HeaderTypeSave && openChapterBlocks > 0 {
		regions = append(regions, region.LayoutRegion{StartBlock: next, BlockCount: openChapterBlocks, Kind: region.KindOpenChapter, Instance: region.SoleInstance})
		next += openChapterBlocks
	}

	if end := s.StartBlock + s.BlockCount; next < end {
		regions = append(regions, region.LayoutRegion{StartBlock: next, BlockCount: end - next, Kind: region.KindScratch, Instance: region.SoleInstance})
	}

	s.Table = region.Table{Regions: regions}
	s.Kind = kind
	s.Zones = zones
	s.StateBuffer = make([]byte, StateBufferMax)

	ts := clk.NowMillis()
	payload := append(SaveData{Timestamp: ts}.Encode(), encodeStartBlock(s.StartBlock)...)
	s.SaveData = SaveData{Nonce: nonce.SecondaryHashWithFallback(hasher, subindexNonce, payload), Timestamp: ts}
	s.State = StateEmpty
	return nil
}

func encodeStartBlock(startBlock uint64) []byte {
	buf := make([]byte, 8)
	codec.NewWriter(buf).PutUint64(startBlock)
	return buf
}

// Write serializes the region table, save data, and state buffer into
// the slot's one-block header and flushes it; this is the slot's commit
// point (spec.md §4.5). Callers must have already written and synced any
// body sub-regions (page map, volume-index zones, open chapter) before
// calling Write for a real commit; setup_save_slot instead calls Write
// immediately after Reset, to make the invalidation durable.
func (s *Slot) Write(ctx context.Context) error {
	header := region.Header{
		RegionBlocks: s.BlockCount,
		Type:         s.Kind,
		Version:      region.CurrentVersion,
		PayloadBytes: uint16(saveDataSize + len(s.StateBuffer)),
	}
	tableBuf := region.EncodeTable(header, s.Table.Regions)

	buf := make([]byte, s.blockSize)
	if len(tableBuf)+saveDataSize+len(s.StateBuffer) > len(buf) {
		return fmt.Errorf("slot: header payload %d bytes exceeds block size %d: %w", len(tableBuf)+saveDataSize+len(s.StateBuffer), len(buf), layouterr.ErrBufferError)
	}
	pos := copy(buf, tableBuf)
	pos += copy(buf[pos:], s.SaveData.Encode())
	copy(buf[pos:], s.StateBuffer)

	if err := s.header.Write(ctx, 0, buf); err != nil {
		return fmt.Errorf("slot: writing header block at %d: %w", s.StartBlock, err)
	}
	if err := s.header.Sync(); err != nil {
		return fmt.Errorf("slot: syncing header block at %d: %w", s.StartBlock, err)
	}
	if s.Kind == region.HeaderTypeUnsaved {
		s.State = StateEmpty
	} else {
		s.State = StateWritten
	}
	return nil
}

// Validate recomputes the slot's nonce from subindexNonce and compares
// it against the stored one, updating s.State to StateValid or
// StateInvalid (spec.md §4.5). It returns (true, timestamp) when valid,
// (false, 0) otherwise.
func (s *Slot) Validate(hasher nonce.Source, subindexNonce uint64) (bool, uint64) {
	if s.Kind == region.HeaderTypeUnsaved || s.Zones == 0 || s.SaveData.Timestamp == 0 {
		s.State = StateInvalid
		return false, 0
	}
	zeroed := SaveData{Timestamp: s.SaveData.Timestamp}
	payload := append(zeroed.Encode(), encodeStartBlock(s.StartBlock)...)
	want := nonce.SecondaryHashWithFallback(hasher, subindexNonce, payload)
	if want != s.SaveData.Nonce {
		s.State = StateInvalid
		return false, 0
	}
	s.State = StateValid
	return true, s.SaveData.Timestamp
}

// DecodeHeader reads a slot's on-disk header block (region table, save
// data, and state buffer) without validating its nonce; the caller must
// call Validate afterward. A malformed header yields the decode error
// rather than panicking, so the layout manager's open can mark the slot
// invalid and continue with the remaining slots (spec.md §4.6).
func DecodeHeader(buf []byte, startBlock, blockCount uint64, blockSize uint32, header ioregion.Region) (*Slot, error) {
	table, err := region.DecodeTable(buf)
	if err != nil {
		return nil, err
	}
	offset := region.HeaderSize + len(table.Regions)*region.LayoutRegionSize
	if int(table.Header.PayloadBytes) < saveDataSize {
		return nil, fmt.Errorf("slot: payload_bytes %d shorter than save_data size %d: %w", table.Header.PayloadBytes, saveDataSize, layouterr.ErrCorruptComponent)
	}
	stateBufLen := int(table.Header.PayloadBytes) - saveDataSize
	if offset+saveDataSize+stateBufLen > len(buf) {
		return nil, fmt.Errorf("slot: declared payload overruns header block: %w", layouterr.ErrCorruptComponent)
	}

	saveData, err := decodeSaveData(buf[offset : offset+saveDataSize])
	if err != nil {
		return nil, err
	}
	stateBuffer := append([]byte(nil), buf[offset+saveDataSize:offset+saveDataSize+stateBufLen]...)

	zones, err := validateSlotRegions(table, startBlock)
	if err != nil {
		return nil, err
	}

	s := &Slot{
		StartBlock:  startBlock,
		BlockCount:  blockCount,
		blockSize:   blockSize,
		header:      header,
		Kind:        table.Header.Type,
		Zones:       zones,
		Table:       table,
		SaveData:    saveData,
		StateBuffer: stateBuffer,
	}
	if s.Kind == region.HeaderTypeUnsaved {
		s.State = StateEmpty
	} else {
		s.State = StateWritten
	}
	return s, nil
}

// validateSlotRegions walks table's regions in the fixed order Reset and
// Instantiate always produce them in — an optional page map, zero or
// more volume-index zones in ascending instance order, an optional open
// chapter, and a trailing region that may or may not be an explicit
// scratch entry — using region.Iterator's location-checked Expect calls
// rather than trusting whatever order happens to be on disk. The zone
// count is inferred from how many volume-index regions were consumed.
// The trailing-scratch ambiguity is handled by
// ExpectEitherAbsentOrScratch, per spec.md §9's Open Question.
func validateSlotRegions(table region.Table, startBlock uint64) (uint64, error) {
	it := region.NewIterator(table, startBlock+1)

	if kind, ok := it.PeekKind(); ok && kind == region.KindIndexPageMap {
		if _, ok := it.Expect(region.KindIndexPageMap, region.SoleInstance, 0); !ok {
			return 0, fmt.Errorf("slot: %w: %v", layouterr.ErrCorruptComponent, it.Err())
		}
	}

	var zones uint64
	for {
		kind, ok := it.PeekKind()
		if !ok || kind != region.KindVolumeIndex {
			break
		}
		if _, ok := it.Expect(region.KindVolumeIndex, region.Instance(zones), 0); !ok {
			return 0, fmt.Errorf("slot: %w: %v", layouterr.ErrCorruptComponent, it.Err())
		}
		zones++
	}

	if kind, ok := it.PeekKind(); ok && kind == region.KindOpenChapter {
		if _, ok := it.Expect(region.KindOpenChapter, region.SoleInstance, 0); !ok {
			return 0, fmt.Errorf("slot: %w: %v", layouterr.ErrCorruptComponent, it.Err())
		}
	}

	it.ExpectEitherAbsentOrScratch(0)
	if !it.Done() {
		kind, _ := it.PeekKind()
		return 0, fmt.Errorf("slot: unexpected trailing %s region: %w", kind, layouterr.ErrCorruptComponent)
	}
	return zones, nil
}

// SelectOldestForOverwrite scans slots and returns the index of the one
// setup_save_slot should invalidate and reuse: any invalid slot (treated
// as timestamp 0) is preferred, otherwise the least-recently-written
// valid slot; ties are broken by lowest index (spec.md §4.5).
func SelectOldestForOverwrite(slots []*Slot, hasher nonce.Source, subindexNonce uint64) int {
	best := 0
	bestTs := ^uint64(0)
	for i, s := range slots {
		ok, ts := s.Validate(hasher, subindexNonce)
		if !ok {
			ts = 0
		}
		if ts < bestTs {
			bestTs = ts
			best = i
		}
	}
	return best
}

// SelectLatestForLoad scans slots and returns the index of the valid
// slot with the greatest timestamp; ties are broken toward the
// later-in-array slot (spec.md §4.5). ok is false, with index 0, if no
// slot validates.
func SelectLatestForLoad(slots []*Slot, hasher nonce.Source, subindexNonce uint64) (idx int, ok bool) {
	found := false
	var bestTs uint64
	best := 0
	for i, s := range slots {
		valid, ts := s.Validate(hasher, subindexNonce)
		if !valid {
			continue
		}
		if !found || ts >= bestTs {
			bestTs = ts
			best = i
			found = true
		}
	}
	return best, found
}
