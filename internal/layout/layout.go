// Package layout implements the index layout manager (spec.md §4.6): it
// owns the reference-counted I/O factory, the top-level region table,
// and the save-slot array, and exposes create/open/commit/cancel/
// discard/select-latest as one cohesive object. It is grounded in the
// same top-level orchestration role the teacher's internal/disk.Disk
// plays for the Oberon partition layout, generalized from one fixed
// partition table to the region-table-of-regions hierarchy this format
// needs.
package layout

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dm-vdo/uds-layout/internal/clock"
	"github.com/dm-vdo/uds-layout/internal/geometry"
	"github.com/dm-vdo/uds-layout/internal/ioregion"
	"github.com/dm-vdo/uds-layout/internal/layouterr"
	"github.com/dm-vdo/uds-layout/internal/nonce"
	"github.com/dm-vdo/uds-layout/internal/randsrc"
	"github.com/dm-vdo/uds-layout/internal/region"
	"github.com/dm-vdo/uds-layout/internal/slot"
	"github.com/dm-vdo/uds-layout/internal/superblock"
)

// subindexStartBlock is the block holding the "subindex index record"
// marker (spec.md §6); num_indexes is pinned to 1 (spec.md §9), so this
// is a constant rather than an array offset.
const subindexStartBlock = 2

// Config is the logical configuration a layout is created from: the
// geometry inputs, block size, slot count, and the caller's own opaque
// configuration blob persisted verbatim in the config region (spec.md
// §6: "block 1: config (layout config data, opaque to this engine)").
type Config struct {
	Geometry   geometry.Config
	BlockSize  uint32
	MaxSaves   uint16
	ConfigBlob []byte
}

// Layout is an opened or freshly created index layout.
type Layout struct {
	factory ioregion.Factory
	offset  int64

	blockSize uint32
	hasher    nonce.Source
	clk       clock.Source

	Superblock          superblock.Data
	ConfigBlob          []byte
	VolumeStartBlock    uint64
	VolumeBlocks        uint64
	SaveBlocksEach       uint64
	PageMapBlocks       uint64
	VolumeIndexBlocksPerSave uint64
	OpenChapterBlocks   uint64
	SealBlock           uint64
	subindexNonce       uint64

	topTable region.Table
	Slots    []*slot.Slot
}

func (l *Layout) blockAddr(block uint64) int64 {
	return l.offset + int64(block)*int64(l.blockSize)
}

func (l *Layout) openBlockRegion(block, count uint64) (ioregion.Region, error) {
	return l.factory.OpenRegion(l.blockAddr(block), int64(count)*int64(l.blockSize))
}

// Create computes sizes, rejects undersized capacity or misaligned
// config before any write, generates a superblock, lays out every
// region, zeros and then writes every slot's initial empty header, then
// writes the superblock and top-level region table, and last the config
// region (spec.md §4.6 create). cfg.MaxSaves must equal the geometry's
// save count, 2 + CheckpointCount. The returned layout is in "created,
// no saves" state.
func Create(ctx context.Context, factory ioregion.Factory, offset, byteCapacity int64, cfg Config, estimator geometry.Estimator, hasher nonce.Source, clk clock.Source, rnd randsrc.Source) (*Layout, error) {
	if cfg.MaxSaves < 2 {
		return nil, fmt.Errorf("layout: max_saves %d < 2: %w", cfg.MaxSaves, layouterr.ErrBadState)
	}
	if len(cfg.ConfigBlob) > int(cfg.BlockSize) {
		return nil, fmt.Errorf("layout: config blob of %d bytes exceeds block size %d: %w", len(cfg.ConfigBlob), cfg.BlockSize, layouterr.ErrBufferError)
	}

	g, err := geometry.Compute(cfg.Geometry, cfg.BlockSize, estimator, byteCapacity)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSaves != g.NumSaves {
		return nil, fmt.Errorf("layout: max_saves %d != geometry save count %d (2 + checkpoint_count): %w", cfg.MaxSaves, g.NumSaves, layouterr.ErrBadState)
	}

	sb, err := superblock.Generate(rnd, hasher, cfg.BlockSize, cfg.MaxSaves, uint32(g.OpenChapterBlocks), uint32(g.PageMapBlocks))
	if err != nil {
		return nil, err
	}

	l := &Layout{
		factory:                  factory.Ref(),
		offset:                   offset,
		blockSize:                cfg.BlockSize,
		hasher:                   hasher,
		clk:                      clk,
		Superblock:               sb,
		VolumeStartBlock:         subindexStartBlock + 1,
		VolumeBlocks:             g.VolumeBlocks,
		SaveBlocksEach:           g.SaveBlocks,
		PageMapBlocks:            g.PageMapBlocks,
		VolumeIndexBlocksPerSave: g.VolumeIndexBlocksPerSave,
		OpenChapterBlocks:        g.OpenChapterBlocks,
		SealBlock:                g.TotalBlocks - 1,
		subindexNonce:            superblock.SubindexNonce(hasher, sb, subindexStartBlock),
	}

	// configBuf is built up front, before the region table is encoded,
	// since its checksum (advisory, spec.md §3's layout_region.checksum)
	// must be known before the table bytes are assembled below.
	configBuf := make([]byte, l.blockSize)
	copy(configBuf, cfg.ConfigBlob)
	zeroBlock := make([]byte, l.blockSize)
	zeroChecksum := region.Checksum(zeroBlock)

	regions := []region.LayoutRegion{
		{StartBlock: 1, BlockCount: 1, Kind: region.KindConfig, Instance: region.SoleInstance, Checksum: region.Checksum(configBuf)},
		{StartBlock: subindexStartBlock, BlockCount: 1, Kind: region.KindIndex, Instance: region.SoleInstance, Checksum: zeroChecksum},
		{StartBlock: l.VolumeStartBlock, BlockCount: l.VolumeBlocks, Kind: region.KindVolume, Instance: region.SoleInstance, Checksum: zeroChecksum},
	}
	for i := uint16(0); i < cfg.MaxSaves; i++ {
		start := l.VolumeStartBlock + l.VolumeBlocks + uint64(i)*l.SaveBlocksEach
		header, err := l.openBlockRegion(start, 1)
		if err != nil {
			return nil, err
		}
		s := slot.New(start, l.SaveBlocksEach, l.blockSize, header)

		// Zero the slot's first block before writing its real empty
		// header, so old data can never validate even if the header
		// write itself is interrupted (spec.md §4.6 create).
		if err := header.Write(ctx, 0, make([]byte, l.blockSize)); err != nil {
			return nil, fmt.Errorf("layout: zeroing slot %d header: %w", i, err)
		}
		if err := header.Sync(); err != nil {
			return nil, fmt.Errorf("layout: syncing zeroed slot %d header: %w", i, err)
		}

		s.Reset(l.PageMapBlocks)
		if err := s.Write(ctx); err != nil {
			return nil, fmt.Errorf("layout: writing slot %d initial header: %w", i, err)
		}
		headBuf, err := header.Read(ctx, 0, int(l.blockSize), int(l.blockSize))
		if err != nil {
			return nil, fmt.Errorf("layout: reading back slot %d header for checksum: %w", i, err)
		}

		l.Slots = append(l.Slots, s)
		regions = append(regions, region.LayoutRegion{StartBlock: start, BlockCount: l.SaveBlocksEach, Kind: region.KindSave, Instance: region.Instance(i), Checksum: region.Checksum(headBuf)})
	}
	regions = append(regions, region.LayoutRegion{StartBlock: l.SealBlock, BlockCount: 1, Kind: region.KindSeal, Instance: region.SoleInstance, Checksum: zeroChecksum})

	header := region.Header{RegionBlocks: g.TotalBlocks, Type: region.HeaderTypeSuper, Version: region.CurrentVersion, PayloadBytes: superblock.Size}
	tableBuf := region.EncodeTable(header, regions)
	block0 := make([]byte, l.blockSize)
	sbBuf := sb.Encode()
	if len(tableBuf)+len(sbBuf) > len(block0) {
		return nil, fmt.Errorf("layout: layout header payload of %d bytes exceeds block size %d: %w", len(tableBuf)+len(sbBuf), l.blockSize, layouterr.ErrBufferError)
	}
	copy(block0, tableBuf)
	copy(block0[len(tableBuf):], sbBuf)

	headerRegion, err := l.openBlockRegion(0, 1)
	if err != nil {
		return nil, err
	}
	defer headerRegion.Close()
	if err := headerRegion.Write(ctx, 0, block0); err != nil {
		return nil, fmt.Errorf("layout: writing layout header: %w", err)
	}
	if err := headerRegion.Sync(); err != nil {
		return nil, fmt.Errorf("layout: syncing layout header: %w", err)
	}

	configRegion, err := l.openBlockRegion(1, 1)
	if err != nil {
		return nil, err
	}
	defer configRegion.Close()
	if err := configRegion.Write(ctx, 0, configBuf); err != nil {
		return nil, fmt.Errorf("layout: writing config region: %w", err)
	}
	if err := configRegion.Sync(); err != nil {
		return nil, fmt.Errorf("layout: syncing config region: %w", err)
	}
	l.ConfigBlob = configBuf

	l.topTable = region.Table{Header: header, Regions: regions}
	return l, nil
}

// Open reads and validates the superblock, reconstructs the top-level
// region table, and reconstructs each slot from its on-disk header
// (spec.md §4.6 open). A malformed slot header is marked invalid rather
// than aborting the open; a read failure anywhere else causes open to
// fail without mutating persistent state.
func Open(ctx context.Context, factory ioregion.Factory, offset int64, blockSize uint32, hasher nonce.Source, clk clock.Source) (*Layout, error) {
	l := &Layout{factory: factory.Ref(), offset: offset, blockSize: blockSize, hasher: hasher, clk: clk}

	headerRegion, err := l.openBlockRegion(0, 1)
	if err != nil {
		return nil, err
	}
	defer headerRegion.Close()
	block0, err := headerRegion.Read(ctx, 0, int(blockSize), int(blockSize))
	if err != nil {
		return nil, fmt.Errorf("layout: reading layout header: %w", err)
	}

	table, err := region.DecodeTable(block0)
	if err != nil {
		return nil, err
	}
	tableLen := region.HeaderSize + len(table.Regions)*region.LayoutRegionSize
	if tableLen+superblock.Size > len(block0) {
		return nil, fmt.Errorf("layout: layout header too short for superblock: %w", layouterr.ErrCorruptComponent)
	}
	sb, err := superblock.Decode(block0[tableLen:tableLen+superblock.Size], hasher)
	if err != nil {
		return nil, err
	}
	if err := superblock.VerifyBlockSize(sb, blockSize); err != nil {
		return nil, err
	}
	l.Superblock = sb
	l.subindexNonce = superblock.SubindexNonce(hasher, sb, subindexStartBlock)
	l.topTable = table

	var saveRegions []region.LayoutRegion
	for _, r := range table.Regions {
		switch r.Kind {
		case region.KindVolume:
			l.VolumeStartBlock = r.StartBlock
			l.VolumeBlocks = r.BlockCount
		case region.KindSeal:
			l.SealBlock = r.StartBlock
		case region.KindSave:
			saveRegions = append(saveRegions, r)
		}
	}
	if len(saveRegions) == 0 {
		return nil, fmt.Errorf("layout: no save regions in layout header: %w", layouterr.ErrCorruptComponent)
	}
	l.SaveBlocksEach = saveRegions[0].BlockCount
	l.PageMapBlocks = uint64(sb.PageMapBlocks)
	l.OpenChapterBlocks = uint64(sb.OpenChapterBlocks)
	if l.SaveBlocksEach < 1+l.PageMapBlocks+l.OpenChapterBlocks {
		return nil, fmt.Errorf("layout: save_blocks %d too small for persisted page_map/open_chapter budgets: %w", l.SaveBlocksEach, layouterr.ErrCorruptComponent)
	}
	l.VolumeIndexBlocksPerSave = l.SaveBlocksEach - 1 - l.PageMapBlocks - l.OpenChapterBlocks

	for i, r := range saveRegions {
		if uint64(r.Instance) != uint64(i) {
			return nil, fmt.Errorf("layout: save region %d has instance %d, want %d: %w", i, r.Instance, i, layouterr.ErrCorruptComponent)
		}
		slotHeader, err := l.openBlockRegion(r.StartBlock, 1)
		if err != nil {
			return nil, err
		}
		buf, err := slotHeader.Read(ctx, 0, int(blockSize), int(blockSize))
		if err != nil {
			return nil, fmt.Errorf("layout: reading slot %d header: %w", i, err)
		}
		if got := region.Checksum(buf); got != r.Checksum {
			log.Warn().Int("slot", i).Uint32("want", r.Checksum).Uint32("got", got).Msg("layout: slot header checksum mismatch (advisory, nonce is authoritative)")
		}
		s, err := slot.DecodeHeader(buf, r.StartBlock, r.BlockCount, blockSize, slotHeader)
		if err != nil {
			s = slot.New(r.StartBlock, r.BlockCount, blockSize, slotHeader)
		}
		l.Slots = append(l.Slots, s)
	}

	configRegion, err := l.openBlockRegion(1, 1)
	if err != nil {
		return nil, err
	}
	defer configRegion.Close()
	configBuf, err := configRegion.Read(ctx, 0, int(blockSize), int(blockSize))
	if err != nil {
		return nil, fmt.Errorf("layout: reading config region: %w", err)
	}
	for _, r := range table.Regions {
		if r.Kind == region.KindConfig {
			if got := region.Checksum(configBuf); got != r.Checksum {
				log.Warn().Uint32("want", r.Checksum).Uint32("got", got).Msg("layout: config region checksum mismatch (advisory)")
			}
			break
		}
	}
	l.ConfigBlob = configBuf

	return l, nil
}

// VerifyConfig compares the persisted config blob (the block Create
// wrote, or the block Open read from the config region) to expected,
// structurally (spec.md §4.6 verify_config). An all-zero persisted blob
// yields ErrNoIndex; that is the case when the layout was created with
// an empty config blob or the config region was never written.
func (l *Layout) VerifyConfig(expected []byte) error {
	if len(bytes.TrimRight(l.ConfigBlob, "\x00")) == 0 {
		return layouterr.ErrNoIndex
	}
	padded := make([]byte, len(l.ConfigBlob))
	copy(padded, expected)
	if !bytes.Equal(l.ConfigBlob, padded) {
		return fmt.Errorf("layout: persisted config does not match expected: %w", layouterr.ErrWrongIndexConfig)
	}
	return nil
}

// SetupSaveSlot selects the oldest slot, invalidates it on disk with one
// header write, and instantiates a fresh in-memory save in its place
// (spec.md §4.6). The invalidation write happens before this call
// returns, satisfying ordering guarantee 2 in spec.md §5: no body writes
// of the new save may begin before it.
func (l *Layout) SetupSaveSlot(ctx context.Context, zones uint64, kind region.HeaderType) (int, error) {
	idx := slot.SelectOldestForOverwrite(l.Slots, l.hasher, l.subindexNonce)
	s := l.Slots[idx]

	s.Reset(l.PageMapBlocks)
	if err := s.Write(ctx); err != nil {
		return 0, fmt.Errorf("layout: invalidating slot %d: %w", idx, err)
	}
	if err := s.Instantiate(l.hasher, l.clk, l.subindexNonce, zones, kind, l.PageMapBlocks, l.VolumeIndexBlocksPerSave, l.OpenChapterBlocks); err != nil {
		return 0, err
	}
	return idx, nil
}

func (l *Layout) slotAt(slotID int) (*slot.Slot, error) {
	if slotID < 0 || slotID >= len(l.Slots) {
		return nil, fmt.Errorf("layout: slot id %d out of range [0,%d): %w", slotID, len(l.Slots), layouterr.ErrOutOfRange)
	}
	return l.Slots[slotID], nil
}

// GetStateBuffer returns the mutable, up-to-512-byte state buffer of an
// instantiated slot for the caller to fill (spec.md §4.6).
func (l *Layout) GetStateBuffer(slotID int) ([]byte, error) {
	s, err := l.slotAt(slotID)
	if err != nil {
		return nil, err
	}
	if s.StateBuffer == nil {
		return nil, fmt.Errorf("layout: slot %d has no state buffer (not instantiated): %w", slotID, layouterr.ErrBadState)
	}
	return s.StateBuffer, nil
}

func (l *Layout) findSubRegion(slotID int, kind region.Kind, zone uint64) (region.LayoutRegion, error) {
	s, err := l.slotAt(slotID)
	if err != nil {
		return region.LayoutRegion{}, err
	}
	if kind == region.KindOpenChapter && s.Kind == region.HeaderTypeCheckpoint {
		return region.LayoutRegion{}, fmt.Errorf("layout: open chapter not available on a checkpoint slot: %w", layouterr.ErrBadState)
	}
	wantInstance := region.SoleInstance
	if kind == region.KindVolumeIndex {
		wantInstance = region.Instance(zone)
	}
	for _, r := range s.Table.Regions {
		if r.Kind == kind && (wantInstance == region.SoleInstance || r.Instance == wantInstance) {
			return r, nil
		}
	}
	return region.LayoutRegion{}, fmt.Errorf("layout: slot %d has no %s region for zone %d: %w", slotID, kind, zone, layouterr.ErrBadState)
}

// OpenWriter returns a buffered writer positioned at the start of the
// named sub-region of slotID (spec.md §4.6). kind must be one of
// KindIndexPageMap, KindOpenChapter, KindVolumeIndex; zone is consulted
// only for KindVolumeIndex.
func (l *Layout) OpenWriter(ctx context.Context, slotID int, kind region.Kind, zone uint64) (*ioregion.BufferedWriter, error) {
	r, err := l.findSubRegion(slotID, kind, zone)
	if err != nil {
		return nil, err
	}
	reg, err := l.openBlockRegion(r.StartBlock, r.BlockCount)
	if err != nil {
		return nil, err
	}
	return ioregion.NewBufferedWriter(reg, int(l.blockSize)), nil
}

// OpenReader returns a buffered reader positioned at the start of the
// named sub-region of slotID, mirroring OpenWriter.
func (l *Layout) OpenReader(ctx context.Context, slotID int, kind region.Kind, zone uint64) (*ioregion.BufferedReader, error) {
	r, err := l.findSubRegion(slotID, kind, zone)
	if err != nil {
		return nil, err
	}
	reg, err := l.openBlockRegion(r.StartBlock, r.BlockCount)
	if err != nil {
		return nil, err
	}
	return ioregion.NewBufferedReader(reg, int(l.blockSize)), nil
}

// CommitSave refuses if the state buffer was never filled, otherwise
// writes the slot's header block — the commit fence — and marks it
// written (spec.md §4.6). Callers must have already synced any body
// sub-region writes before calling this, per spec.md §5's ordering
// guarantee 1.
func (l *Layout) CommitSave(ctx context.Context, slotID int) error {
	s, err := l.slotAt(slotID)
	if err != nil {
		return err
	}
	if isAllZero(s.StateBuffer) {
		return fmt.Errorf("layout: slot %d state buffer was never filled: %w", slotID, layouterr.ErrBadState)
	}
	return s.Write(ctx)
}

func isAllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// CancelSave wipes the slot's in-memory metadata without touching disk;
// its previous on-disk state (already invalidated by SetupSaveSlot)
// remains, so it is chosen again as the oldest slot (spec.md §4.6).
func (l *Layout) CancelSave(slotID int) error {
	s, err := l.slotAt(slotID)
	if err != nil {
		return err
	}
	s.Reset(l.PageMapBlocks)
	return nil
}

// VerifySlot re-derives slotID's nonce from the layout's subindex nonce
// and compares it against the stored one, returning the same (valid,
// timestamp) pair slot.Validate does. It is exposed for callers, such as
// the CLI's verify command, that need to check a specific slot's
// integrity without going through FindLatestSlot's oldest/latest
// selection.
func (l *Layout) VerifySlot(slotID int) (bool, uint64, error) {
	s, err := l.slotAt(slotID)
	if err != nil {
		return false, 0, err
	}
	ok, ts := s.Validate(l.hasher, l.subindexNonce)
	return ok, ts, nil
}

// FindLatestSlot returns the id and zone count of the valid slot with
// the greatest timestamp, or ErrIndexNotSavedCleanly if none validates
// (spec.md §4.6).
func (l *Layout) FindLatestSlot() (int, uint64, error) {
	idx, ok := slot.SelectLatestForLoad(l.Slots, l.hasher, l.subindexNonce)
	if !ok {
		return 0, 0, layouterr.ErrIndexNotSavedCleanly
	}
	return idx, l.Slots[idx].Zones, nil
}

// DiscardSaves invalidates every slot (all=true) or just the latest
// valid one (spec.md §4.6). It returns ErrNoIndex if all is false and no
// slot currently validates.
func (l *Layout) DiscardSaves(ctx context.Context, all bool) error {
	if all {
		for i, s := range l.Slots {
			s.Reset(l.PageMapBlocks)
			if err := s.Write(ctx); err != nil {
				return fmt.Errorf("layout: discarding slot %d: %w", i, err)
			}
		}
		return nil
	}
	idx, ok := slot.SelectLatestForLoad(l.Slots, l.hasher, l.subindexNonce)
	if !ok {
		return layouterr.ErrNoIndex
	}
	s := l.Slots[idx]
	s.Reset(l.PageMapBlocks)
	return s.Write(ctx)
}

// OpenVolumeRegion exposes the raw volume bytes to the volume-management
// layer (spec.md §4.6).
func (l *Layout) OpenVolumeRegion() (ioregion.Region, error) {
	return l.openBlockRegion(l.VolumeStartBlock, l.VolumeBlocks)
}

// Close releases the layout's own reference on the I/O factory, along
// with each slot's header region reference. Regions returned by
// OpenWriter/OpenReader/OpenVolumeRegion hold independent references and
// remain usable afterward (spec.md §5, "Shared resources").
func (l *Layout) Close() error {
	var firstErr error
	for _, s := range l.Slots {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := l.factory.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
