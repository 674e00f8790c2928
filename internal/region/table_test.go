package region

import (
	"errors"
	"testing"

	"github.com/dm-vdo/uds-layout/internal/layouterr"
)

func TestLayoutRegionRoundTrip(t *testing.T) {
	r := LayoutRegion{StartBlock: 7, BlockCount: 100, Checksum: 0xDEADBEEF, Kind: KindVolumeIndex, Instance: 3}
	buf := r.Encode()
	if len(buf) != LayoutRegionSize {
		t.Fatalf("encoded size %d, want %d", len(buf), LayoutRegionSize)
	}
	got, err := DecodeLayoutRegion(buf)
	if err != nil {
		t.Fatalf("DecodeLayoutRegion: %v", err)
	}
	if got != r {
		t.Errorf("got %+v, want %+v", got, r)
	}
}

func TestLayoutRegionRejectsZeroBlockCount(t *testing.T) {
	r := LayoutRegion{StartBlock: 1, BlockCount: 0, Kind: KindSeal, Instance: SoleInstance}
	buf := r.Encode()
	if _, err := DecodeLayoutRegion(buf); !errors.Is(err, layouterr.ErrCorruptComponent) {
		t.Errorf("got %v, want ErrCorruptComponent", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{RegionBlocks: 1, Type: HeaderTypeSuper, Version: CurrentVersion, RegionCount: 4, PayloadBytes: 96}
	buf := h.Encode()
	if len(buf) != HeaderSize {
		t.Fatalf("encoded size %d, want %d", len(buf), HeaderSize)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
}

func TestHeaderRejectsBadMagic(t *testing.T) {
	h := Header{Type: HeaderTypeSuper, Version: CurrentVersion}
	buf := h.Encode()
	buf[0] = 0
	if _, err := DecodeHeader(buf); !errors.Is(err, layouterr.ErrCorruptComponent) {
		t.Errorf("got %v, want ErrCorruptComponent", err)
	}
}

func TestHeaderRejectsFutureVersion(t *testing.T) {
	h := Header{Type: HeaderTypeSuper, Version: CurrentVersion + 1}
	buf := h.Encode()
	if _, err := DecodeHeader(buf); !errors.Is(err, layouterr.ErrUnsupportedVersion) {
		t.Errorf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestEncodeDecodeTable(t *testing.T) {
	regions := []LayoutRegion{
		{StartBlock: 1, BlockCount: 1, Kind: KindConfig, Instance: SoleInstance},
		{StartBlock: 2, BlockCount: 1, Kind: KindIndex, Instance: SoleInstance},
		{StartBlock: 3, BlockCount: 10, Kind: KindVolume, Instance: SoleInstance},
	}
	header := Header{Type: HeaderTypeSuper, Version: CurrentVersion, PayloadBytes: 96}
	buf := EncodeTable(header, regions)

	table, err := DecodeTable(buf)
	if err != nil {
		t.Fatalf("DecodeTable: %v", err)
	}
	if table.Header.RegionCount != uint16(len(regions)) {
		t.Errorf("region_count %d, want %d", table.Header.RegionCount, len(regions))
	}
	if len(table.Regions) != len(regions) {
		t.Fatalf("got %d regions, want %d", len(table.Regions), len(regions))
	}
	for i, r := range regions {
		if table.Regions[i] != r {
			t.Errorf("region %d: got %+v, want %+v", i, table.Regions[i], r)
		}
	}
}

func TestDecodeTableRejectsTruncatedBuffer(t *testing.T) {
	regions := []LayoutRegion{{StartBlock: 1, BlockCount: 1, Kind: KindConfig, Instance: SoleInstance}}
	header := Header{Type: HeaderTypeSuper, Version: CurrentVersion}
	buf := EncodeTable(header, regions)
	truncated := buf[:len(buf)-5]
	if _, err := DecodeTable(truncated); !errors.Is(err, layouterr.ErrCorruptComponent) {
		t.Errorf("got %v, want ErrCorruptComponent", err)
	}
}

func TestIteratorExpectWalksInOrder(t *testing.T) {
	regions := []LayoutRegion{
		{StartBlock: 10, BlockCount: 1, Kind: KindIndexPageMap, Instance: SoleInstance},
		{StartBlock: 11, BlockCount: 4, Kind: KindVolumeIndex, Instance: 0},
		{StartBlock: 15, BlockCount: 4, Kind: KindVolumeIndex, Instance: 1},
		{StartBlock: 19, BlockCount: 2, Kind: KindOpenChapter, Instance: SoleInstance},
		{StartBlock: 21, BlockCount: 5, Kind: KindScratch, Instance: SoleInstance},
	}
	table := Table{Regions: regions}
	it := NewIterator(table, 10)

	if _, ok := it.Expect(KindIndexPageMap, SoleInstance, 1); !ok {
		t.Fatalf("page map: %v", it.Err())
	}
	if _, ok := it.Expect(KindVolumeIndex, 0, 4); !ok {
		t.Fatalf("zone 0: %v", it.Err())
	}
	if _, ok := it.Expect(KindVolumeIndex, 1, 4); !ok {
		t.Fatalf("zone 1: %v", it.Err())
	}
	if _, ok := it.Expect(KindOpenChapter, SoleInstance, 0); !ok {
		t.Fatalf("open chapter: %v", it.Err())
	}
	it.ExpectEitherAbsentOrScratch(5)
	if !it.Done() {
		t.Errorf("expected iterator to be done")
	}
	if it.Err() != nil {
		t.Errorf("unexpected error: %v", it.Err())
	}
}

func TestIteratorRecordsFirstMismatch(t *testing.T) {
	regions := []LayoutRegion{
		{StartBlock: 10, BlockCount: 1, Kind: KindIndexPageMap, Instance: SoleInstance},
	}
	table := Table{Regions: regions}
	it := NewIterator(table, 10)

	if _, ok := it.Expect(KindVolumeIndex, 0, 1); ok {
		t.Fatalf("expected mismatch")
	}
	if it.Err() == nil {
		t.Errorf("expected recorded error")
	}
	// A second failing Expect must not overwrite the first error.
	firstErr := it.Err()
	it.Expect(KindOpenChapter, SoleInstance, 1)
	if it.Err().Error() != firstErr.Error() {
		t.Errorf("first error was overwritten: got %v, want %v", it.Err(), firstErr)
	}
}

func TestIteratorAcceptsAbsentTrailingScratch(t *testing.T) {
	regions := []LayoutRegion{
		{StartBlock: 10, BlockCount: 1, Kind: KindIndexPageMap, Instance: SoleInstance},
	}
	table := Table{Regions: regions}
	it := NewIterator(table, 10)
	if _, ok := it.Expect(KindIndexPageMap, SoleInstance, 1); !ok {
		t.Fatalf("page map: %v", it.Err())
	}
	// No scratch region present at all; must not be treated as an error.
	it.ExpectEitherAbsentOrScratch(3)
	if !it.Done() {
		t.Errorf("expected iterator to be done")
	}
	if it.Err() != nil {
		t.Errorf("unexpected error: %v", it.Err())
	}
}
