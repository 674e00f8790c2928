// Package region implements the region-table protocol (spec.md §4.2): the
// (header, [region*]) pair that introduces every structured area of the
// index layout — the top-level layout, each subindex, and each save
// slot. Encode/decode follows the fixed-offset struct pattern the teacher
// uses for fileHeader and indexSector (internal/filesystem/fileheader.go,
// indexsector.go in the teacher pack): a byte-array-backed type with
// getter/setter functions at known offsets, generalized here onto
// internal/codec's cursor so decode can validate exactly how many bytes
// were consumed.
package region

import (
	"bytes"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/dm-vdo/uds-layout/internal/codec"
	"github.com/dm-vdo/uds-layout/internal/layouterr"
)

// Kind names what a region holds (spec.md §3's closed enumeration).
type Kind uint16

const (
	KindHeader Kind = iota
	KindConfig
	KindIndex
	KindVolume
	KindSave
	KindIndexPageMap
	KindVolumeIndex
	KindOpenChapter
	KindScratch
	KindSeal
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "HEADER"
	case KindConfig:
		return "CONFIG"
	case KindIndex:
		return "INDEX"
	case KindVolume:
		return "VOLUME"
	case KindSave:
		return "SAVE"
	case KindIndexPageMap:
		return "INDEX_PAGE_MAP"
	case KindVolumeIndex:
		return "VOLUME_INDEX"
	case KindOpenChapter:
		return "OPEN_CHAPTER"
	case KindScratch:
		return "SCRATCH"
	case KindSeal:
		return "SEAL"
	default:
		return fmt.Sprintf("KIND(%d)", uint16(k))
	}
}

// Instance distinguishes multiple regions of the same Kind within one
// table (e.g. one VOLUME_INDEX region per zone). SoleInstance marks a
// region of which there is exactly one.
type Instance uint16

// SoleInstance is the sentinel for "no zone/index number applies".
const SoleInstance Instance = 0xFFFF

// HeaderType is the region_header.type field: which kind of container
// this table introduces.
type HeaderType uint8

const (
	HeaderTypeSuper HeaderType = iota
	HeaderTypeSave
	HeaderTypeCheckpoint
	HeaderTypeUnsaved
)

func (t HeaderType) String() string {
	switch t {
	case HeaderTypeSuper:
		return "SUPER"
	case HeaderTypeSave:
		return "SAVE"
	case HeaderTypeCheckpoint:
		return "CHECKPOINT"
	case HeaderTypeUnsaved:
		return "UNSAVED"
	default:
		return fmt.Sprintf("HEADER_TYPE(%d)", uint8(t))
	}
}

// regionMagic is the 8 ASCII bytes "ALBIREOS", stored verbatim as the
// header's magic u64 field (spec.md §6).
var regionMagic = [8]byte{'A', 'L', 'B', 'I', 'R', 'E', 'O', 'S'}

const (
	// CurrentVersion is the only region-header/save-data version this
	// build ever writes; encoded as a single byte in the region header.
	CurrentVersion = 1

	// LayoutRegionSize is the encoded size of one LayoutRegion record
	// (spec.md §3: 8+8+4+2+2).
	LayoutRegionSize = 24

	// HeaderSize is the encoded size of one Header record.
	//
	// spec.md §3 states both a field list (magic u64, region_blocks
	// u64, type u16, version u16, region_count u16, payload_bytes u16 —
	// which sums to 24) and an explicit "Serialised size 22 bytes",
	// repeated verbatim in §6's on-disk layout for both the superblock
	// and save-slot headers. layout_region's declared field widths sum
	// exactly to its own stated 24 bytes, which is good evidence the
	// *type widths* are reliable elsewhere too — so the most likely
	// explanation is that "type" and "version" are each a single byte,
	// not two (8 + 8 + 1 + 1 + 2 + 2 = 22), and the field list's "u16"
	// labels for those two are the actual slip. This implementation
	// follows the thrice-repeated 22-byte count: type and version are
	// encoded as single bytes. See DESIGN.md.
	HeaderSize = 22
)

// Checksum computes the advisory per-region integrity value stored in
// layout_region.checksum (spec.md §3): the low 32 bits of xxh3's 64-bit
// hash of data. It is grounded in jpl-au-folio's use of xxh3 for fast
// content identifiers, and is advisory only — the slot nonce (Invariant
// 4) is the sole authoritative integrity check a caller can rely on, so
// a checksum mismatch is logged rather than treated as fatal.
func Checksum(data []byte) uint32 {
	return uint32(xxh3.Hash(data))
}

// LayoutRegion is one entry of a region table: a block-aligned byte range
// tagged with a Kind and Instance (spec.md §3).
type LayoutRegion struct {
	StartBlock  uint64
	BlockCount  uint64
	Checksum    uint32
	Kind        Kind
	Instance    Instance
}

// Encode serializes r into exactly LayoutRegionSize bytes.
func (r LayoutRegion) Encode() []byte {
	buf := make([]byte, LayoutRegionSize)
	w := codec.NewWriter(buf)
	w.PutUint64(r.StartBlock)
	w.PutUint64(r.BlockCount)
	w.PutUint32(r.Checksum)
	w.PutUint16(uint16(r.Kind))
	w.PutUint16(uint16(r.Instance))
	return buf
}

// DecodeLayoutRegion reads one LayoutRegion from buf, which must be
// exactly LayoutRegionSize bytes.
func DecodeLayoutRegion(buf []byte) (LayoutRegion, error) {
	r := codec.NewReader(buf)
	startBlock, err := r.Uint64()
	if err != nil {
		return LayoutRegion{}, err
	}
	blockCount, err := r.Uint64()
	if err != nil {
		return LayoutRegion{}, err
	}
	checksum, err := r.Uint32()
	if err != nil {
		return LayoutRegion{}, err
	}
	kind, err := r.Uint16()
	if err != nil {
		return LayoutRegion{}, err
	}
	instance, err := r.Uint16()
	if err != nil {
		return LayoutRegion{}, err
	}
	if err := r.ExpectConsumed(LayoutRegionSize); err != nil {
		return LayoutRegion{}, err
	}
	if blockCount == 0 {
		return LayoutRegion{}, fmt.Errorf("region: zero block_count at start_block %d: %w", startBlock, layouterr.ErrCorruptComponent)
	}
	return LayoutRegion{
		StartBlock: startBlock,
		BlockCount: blockCount,
		Checksum:   checksum,
		Kind:       Kind(kind),
		Instance:   Instance(instance),
	}, nil
}

// Header introduces a region table (spec.md §3).
type Header struct {
	RegionBlocks uint64
	Type         HeaderType
	Version      uint8
	RegionCount  uint16
	PayloadBytes uint16
}

// Encode serializes h into exactly HeaderSize bytes.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	w := codec.NewWriter(buf)
	w.PutBytes(regionMagic[:])
	w.PutUint64(h.RegionBlocks)
	w.PutUint8(byte(h.Type))
	w.PutUint8(h.Version)
	w.PutUint16(h.RegionCount)
	w.PutUint16(h.PayloadBytes)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	r := codec.NewReader(buf)
	magic, err := r.Bytes(8)
	if err != nil {
		return Header{}, err
	}
	if !bytes.Equal(magic, regionMagic[:]) {
		return Header{}, fmt.Errorf("region: bad header magic %x: %w", magic, layouterr.ErrCorruptComponent)
	}
	regionBlocks, err := r.Uint64()
	if err != nil {
		return Header{}, err
	}
	typeByte, err := r.Uint8()
	if err != nil {
		return Header{}, err
	}
	versionByte, err := r.Uint8()
	if err != nil {
		return Header{}, err
	}
	if versionByte != CurrentVersion {
		return Header{}, fmt.Errorf("region: header version %d: %w", versionByte, layouterr.ErrUnsupportedVersion)
	}
	regionCount, err := r.Uint16()
	if err != nil {
		return Header{}, err
	}
	payloadBytes, err := r.Uint16()
	if err != nil {
		return Header{}, err
	}
	if err := r.ExpectConsumed(HeaderSize); err != nil {
		return Header{}, err
	}
	return Header{
		RegionBlocks: regionBlocks,
		Type:         HeaderType(typeByte),
		Version:      versionByte,
		RegionCount:  regionCount,
		PayloadBytes: payloadBytes,
	}, nil
}

// DecodeHeader is the exported entry point for decoding a standalone
// region header, e.g. for CLI inspection.
func DecodeHeader(buf []byte) (Header, error) {
	return decodeHeader(buf)
}

// Table is a decoded (header, regions) pair.
type Table struct {
	Header  Header
	Regions []LayoutRegion
}

// EncodeTable serializes header and regions into one contiguous buffer:
// HeaderSize bytes followed by len(regions)*LayoutRegionSize bytes.
func EncodeTable(header Header, regions []LayoutRegion) []byte {
	header.RegionCount = uint16(len(regions))
	buf := make([]byte, 0, HeaderSize+len(regions)*LayoutRegionSize)
	buf = append(buf, header.Encode()...)
	for _, r := range regions {
		buf = append(buf, r.Encode()...)
	}
	return buf
}

// DecodeTable reads a region header followed by header.RegionCount
// layout-region entries from buf. region_count and payload_bytes are
// trusted only to drive how many more bytes to read from the supplied
// buffer; the caller is responsible for bounding buf's size up front (by
// construction it is always one on-disk block), so a malicious
// region_count simply fails as a short read rather than an unbounded
// allocation, per spec.md §4.2.
func DecodeTable(buf []byte) (Table, error) {
	if len(buf) < HeaderSize {
		return Table{}, fmt.Errorf("region: table buffer of %d bytes shorter than header size %d: %w", len(buf), HeaderSize, layouterr.ErrCorruptComponent)
	}
	header, err := decodeHeader(buf[:HeaderSize])
	if err != nil {
		return Table{}, err
	}

	need := HeaderSize + int(header.RegionCount)*LayoutRegionSize
	if need > len(buf) {
		return Table{}, fmt.Errorf("region: table declares %d regions needing %d bytes, buffer has %d: %w", header.RegionCount, need, len(buf), layouterr.ErrCorruptComponent)
	}

	regions := make([]LayoutRegion, 0, header.RegionCount)
	pos := HeaderSize
	for i := uint16(0); i < header.RegionCount; i++ {
		lr, err := DecodeLayoutRegion(buf[pos : pos+LayoutRegionSize])
		if err != nil {
			return Table{}, fmt.Errorf("region: decoding region %d: %w", i, err)
		}
		regions = append(regions, lr)
		pos += LayoutRegionSize
	}
	return Table{Header: header, Regions: regions}, nil
}
