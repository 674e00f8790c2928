package slot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dm-vdo/uds-layout/internal/clock"
	"github.com/dm-vdo/uds-layout/internal/ioregion"
	"github.com/dm-vdo/uds-layout/internal/nonce"
	"github.com/dm-vdo/uds-layout/internal/region"
)

const testBlockSize = 4096

func openHeaderRegion(t *testing.T, startBlock, blockCount uint64) (ioregion.Factory, ioregion.Region) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slot.img")
	capacity := int64(startBlock+blockCount) * testBlockSize
	factory, err := ioregion.Open(path, capacity, true)
	if err != nil {
		t.Fatalf("ioregion.Open: %v", err)
	}
	header, err := factory.OpenRegion(int64(startBlock)*testBlockSize, testBlockSize)
	if err != nil {
		t.Fatalf("OpenRegion: %v", err)
	}
	return factory, header
}

func TestResetLaysOutEmptyHeaderAndScratch(t *testing.T) {
	factory, header := openHeaderRegion(t, 2, 10)
	defer factory.Close()

	s := New(2, 10, testBlockSize, header)
	s.Reset(1)
	if s.State != StateEmpty {
		t.Errorf("state = %s, want EMPTY", s.State)
	}
	if len(s.Table.Regions) != 2 {
		t.Fatalf("got %d regions, want 2 (page map + scratch)", len(s.Table.Regions))
	}
	if s.Table.Regions[0].Kind != region.KindIndexPageMap || s.Table.Regions[0].StartBlock != 3 {
		t.Errorf("unexpected page map region: %+v", s.Table.Regions[0])
	}
	if s.Table.Regions[1].Kind != region.KindScratch || s.Table.Regions[1].BlockCount != 8 {
		t.Errorf("unexpected scratch region: %+v", s.Table.Regions[1])
	}
}

func TestWriteThenDecodeRoundTrip(t *testing.T) {
	factory, header := openHeaderRegion(t, 0, 10)
	defer factory.Close()

	hasher := nonce.Murmur3{}
	clk := &clock.Fixed{Millis: 1000}
	s := New(0, 10, testBlockSize, header)
	s.Reset(1)
	if err := s.Write(context.Background()); err != nil {
		t.Fatalf("Write (invalidate): %v", err)
	}

	if err := s.Instantiate(hasher, clk, 0xABCD, 1, region.HeaderTypeSave, 1, 4, 2); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	copy(s.StateBuffer, []byte{0x11, 0x22, 0x33})
	if err := s.Write(context.Background()); err != nil {
		t.Fatalf("Write (commit): %v", err)
	}
	if s.State != StateWritten {
		t.Errorf("state = %s, want WRITTEN", s.State)
	}

	buf, err := header.Read(context.Background(), 0, testBlockSize, testBlockSize)
	if err != nil {
		t.Fatalf("reading header block: %v", err)
	}
	decoded, err := DecodeHeader(buf, 0, 10, testBlockSize, header)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if decoded.Kind != region.HeaderTypeSave {
		t.Errorf("kind = %v, want SAVE", decoded.Kind)
	}
	if decoded.Zones != 1 {
		t.Errorf("zones = %d, want 1", decoded.Zones)
	}
	if decoded.SaveData != s.SaveData {
		t.Errorf("save data = %+v, want %+v", decoded.SaveData, s.SaveData)
	}
	if decoded.StateBuffer[0] != 0x11 || decoded.StateBuffer[1] != 0x22 || decoded.StateBuffer[2] != 0x33 {
		t.Errorf("state buffer mismatch: %v", decoded.StateBuffer[:4])
	}

	ok, ts := decoded.Validate(hasher, 0xABCD)
	if !ok {
		t.Fatalf("decoded slot failed to validate")
	}
	if ts != 1000 {
		t.Errorf("timestamp = %d, want 1000", ts)
	}
}

func TestValidateRejectsUnsavedSlot(t *testing.T) {
	factory, header := openHeaderRegion(t, 0, 10)
	defer factory.Close()
	s := New(0, 10, testBlockSize, header)
	s.Reset(1)
	ok, _ := s.Validate(nonce.Murmur3{}, 1)
	if ok {
		t.Errorf("expected an UNSAVED slot to be invalid")
	}
	if s.State != StateInvalid {
		t.Errorf("state = %s, want INVALID", s.State)
	}
}

func TestValidateRejectsTamperedNonce(t *testing.T) {
	factory, header := openHeaderRegion(t, 0, 10)
	defer factory.Close()
	hasher := nonce.Murmur3{}
	clk := &clock.Fixed{Millis: 42}
	s := New(0, 10, testBlockSize, header)
	s.Reset(1)
	if err := s.Instantiate(hasher, clk, 7, 1, region.HeaderTypeSave, 1, 4, 2); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	s.SaveData.Nonce ^= 0xFF
	ok, _ := s.Validate(hasher, 7)
	if ok {
		t.Errorf("expected tampered nonce to fail validation")
	}
}

func TestInstantiateDropsOpenChapterForCheckpoint(t *testing.T) {
	factory, header := openHeaderRegion(t, 0, 10)
	defer factory.Close()
	s := New(0, 10, testBlockSize, header)
	s.Reset(1)
	if err := s.Instantiate(nonce.Murmur3{}, &clock.Fixed{Millis: 1}, 1, 1, region.HeaderTypeCheckpoint, 1, 4, 2); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	for _, r := range s.Table.Regions {
		if r.Kind == region.KindOpenChapter {
			t.Errorf("checkpoint slot must not have an open-chapter region")
		}
	}
}

func TestInstantiateRejectsZeroZones(t *testing.T) {
	factory, header := openHeaderRegion(t, 0, 10)
	defer factory.Close()
	s := New(0, 10, testBlockSize, header)
	s.Reset(1)
	if err := s.Instantiate(nonce.Murmur3{}, &clock.Fixed{Millis: 1}, 1, 0, region.HeaderTypeSave, 1, 4, 2); err == nil {
		t.Errorf("expected error for zones=0")
	}
}

func newInstantiatedSlot(t *testing.T, startBlock uint64, ts uint64, subindexNonce uint64) *Slot {
	t.Helper()
	factory, header := openHeaderRegion(t, startBlock, 10)
	t.Cleanup(func() { factory.Close() })
	s := New(startBlock, 10, testBlockSize, header)
	s.Reset(1)
	if err := s.Instantiate(nonce.Murmur3{}, &clock.Fixed{Millis: ts}, subindexNonce, 1, region.HeaderTypeSave, 1, 4, 2); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	return s
}

func TestSelectOldestPrefersInvalidSlot(t *testing.T) {
	subindexNonce := uint64(55)
	valid := newInstantiatedSlot(t, 0, 100, subindexNonce)
	invalid := New(10, 10, testBlockSize, nil)
	invalid.Reset(1) // stays UNSAVED, which Validate treats as invalid

	slots := []*Slot{valid, invalid}
	got := SelectOldestForOverwrite(slots, nonce.Murmur3{}, subindexNonce)
	if got != 1 {
		t.Errorf("SelectOldestForOverwrite = %d, want 1 (the invalid slot)", got)
	}
}

func TestSelectOldestBreaksTiesByLowestIndex(t *testing.T) {
	subindexNonce := uint64(9)
	a := newInstantiatedSlot(t, 0, 500, subindexNonce)
	b := newInstantiatedSlot(t, 10, 500, subindexNonce)
	got := SelectOldestForOverwrite([]*Slot{a, b}, nonce.Murmur3{}, subindexNonce)
	if got != 0 {
		t.Errorf("SelectOldestForOverwrite tie = %d, want 0", got)
	}
}

func TestSelectLatestBreaksTiesByHighestIndex(t *testing.T) {
	subindexNonce := uint64(9)
	a := newInstantiatedSlot(t, 0, 500, subindexNonce)
	b := newInstantiatedSlot(t, 10, 500, subindexNonce)
	got, ok := SelectLatestForLoad([]*Slot{a, b}, nonce.Murmur3{}, subindexNonce)
	if !ok {
		t.Fatalf("expected a valid slot")
	}
	if got != 1 {
		t.Errorf("SelectLatestForLoad tie = %d, want 1", got)
	}
}

func TestSelectLatestFailsWhenNoneValid(t *testing.T) {
	invalid := New(0, 10, testBlockSize, nil)
	invalid.Reset(1)
	_, ok := SelectLatestForLoad([]*Slot{invalid}, nonce.Murmur3{}, 1)
	if ok {
		t.Errorf("expected no valid slot")
	}
}
