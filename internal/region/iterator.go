package region

import "fmt"

// Iterator walks a decoded Table's regions against an expected sequence
// of kinds, tracking the next expected start block and the first mismatch
// encountered (spec.md §4.2). This is the "one-pass, location-checked
// deserialization" the spec calls for: each higher-level reconstruction
// (subindex, save slot) walks its own table once via Expect calls instead
// of hand-rolling index arithmetic.
type Iterator struct {
	regions   []LayoutRegion
	pos       int
	nextBlock uint64
	err       error
}

// NewIterator starts an iterator over table's regions, expecting the
// first region to begin at startBlock.
func NewIterator(table Table, startBlock uint64) *Iterator {
	return &Iterator{regions: table.Regions, nextBlock: startBlock}
}

// Err returns the first error recorded by a failed Expect call, or nil.
func (it *Iterator) Err() error { return it.err }

// Done reports whether every region has been consumed.
func (it *Iterator) Done() bool { return it.pos >= len(it.regions) }

// PeekKind returns the Kind of the next unconsumed region and true, or
// (0, false) once the iterator is Done. It lets a caller decide whether
// an optional region (e.g. a save slot's page map) is present before
// committing to an Expect call.
func (it *Iterator) PeekKind() (Kind, bool) {
	if it.Done() {
		return 0, false
	}
	return it.regions[it.pos].Kind, true
}

// fail records err if this is the first failure, and always returns a
// zero LayoutRegion/false so callers can return immediately.
func (it *Iterator) fail(err error) (LayoutRegion, bool) {
	if it.err == nil {
		it.err = err
	}
	return LayoutRegion{}, false
}

// Expect consumes the next region if it matches kind and instance at the
// iterator's current expected start block. blockCount, when non-zero,
// additionally constrains the region's block count. On success it
// advances nextBlock past the consumed region and returns (region, true).
// On mismatch it records the first error and returns (zero, false); the
// iterator does not advance, so a caller in a lenient mode may choose to
// retry with different expectations.
func (it *Iterator) Expect(kind Kind, instance Instance, blockCount uint64) (LayoutRegion, bool) {
	if it.pos >= len(it.regions) {
		return it.fail(fmt.Errorf("region: expected %s region at block %d, table exhausted", kind, it.nextBlock))
	}
	r := it.regions[it.pos]
	if r.StartBlock != it.nextBlock {
		return it.fail(fmt.Errorf("region: expected %s region to start at block %d, found start block %d", kind, it.nextBlock, r.StartBlock))
	}
	if r.Kind != kind {
		return it.fail(fmt.Errorf("region: expected kind %s at block %d, found %s", kind, it.nextBlock, r.Kind))
	}
	if instance != SoleInstance && r.Instance != instance {
		return it.fail(fmt.Errorf("region: expected instance %d of %s at block %d, found instance %d", instance, kind, it.nextBlock, r.Instance))
	}
	if blockCount != 0 && r.BlockCount != blockCount {
		return it.fail(fmt.Errorf("region: expected %s at block %d to span %d blocks, found %d", kind, it.nextBlock, blockCount, r.BlockCount))
	}
	it.pos++
	it.nextBlock += r.BlockCount
	return r, true
}

// ExpectEitherAbsentOrScratch implements the original format's
// expect_layout quirk, preserved per spec.md §9's Open Questions: a trailing scratch
// region is accepted whether or not it is actually present in the table
// (some writers emit an explicit zero-length-payload SCRATCH entry,
// others simply stop the table early and let the remaining blocks go
// unnamed). It never fails: if a region is present, it is validated and
// consumed; if table is already Done, nothing happens and nextBlock is
// left where it stands, which the caller documents as "to the end of the
// slot" by construction.
func (it *Iterator) ExpectEitherAbsentOrScratch(remainingBlocks uint64) {
	if it.Done() {
		return
	}
	r := it.regions[it.pos]
	if r.StartBlock == it.nextBlock && r.Kind == KindScratch {
		it.pos++
		it.nextBlock += r.BlockCount
	}
}
