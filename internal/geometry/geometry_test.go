package geometry

import (
	"errors"
	"testing"

	"github.com/dm-vdo/uds-layout/internal/layouterr"
)

func baseConfig() Config {
	return Config{
		ChaptersPerVolume:       16,
		PagesPerChapter:         64,
		RecordPagesPerChapter:   48,
		BytesPerPage:            4096,
		SparseChaptersPerVolume: 0,
		VolumeIndexMemoryBytes:  1 << 20,
		JournalBlocks:           8,
		CheckpointCount:         0,
	}
}

func TestComputeProducesConsistentTotals(t *testing.T) {
	cfg := baseConfig()
	bytesPerVolume := cfg.ChaptersPerVolume * cfg.PagesPerChapter * uint64(cfg.BytesPerPage)
	g, err := Compute(cfg, 4096, DefaultEstimator{}, int64(bytesPerVolume)*4)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	wantSaveBlocks := 1 + g.VolumeIndexBlocksPerSave + g.PageMapBlocks + g.OpenChapterBlocks
	if g.SaveBlocks != wantSaveBlocks {
		t.Errorf("save_blocks = %d, want %d", g.SaveBlocks, wantSaveBlocks)
	}
	if g.NumSaves != 2 {
		t.Errorf("num_saves = %d, want 2 (checkpoint_count=0)", g.NumSaves)
	}
	wantSubindexBlocks := 1 + g.VolumeBlocks + uint64(g.NumSaves)*g.SaveBlocks
	if g.SubindexBlocks != wantSubindexBlocks {
		t.Errorf("subindex_blocks = %d, want %d", g.SubindexBlocks, wantSubindexBlocks)
	}
	if g.TotalBlocks != 3+g.SubindexBlocks {
		t.Errorf("total_blocks = %d, want %d", g.TotalBlocks, 3+g.SubindexBlocks)
	}
}

func TestComputeHonorsCheckpointCount(t *testing.T) {
	cfg := baseConfig()
	cfg.CheckpointCount = 3
	bytesPerVolume := cfg.ChaptersPerVolume * cfg.PagesPerChapter * uint64(cfg.BytesPerPage)
	g, err := Compute(cfg, 4096, DefaultEstimator{}, int64(bytesPerVolume)*8)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if g.NumSaves != 5 {
		t.Errorf("num_saves = %d, want 5 (2 + checkpoint_count)", g.NumSaves)
	}
}

func TestComputeRejectsMisalignedBytesPerPage(t *testing.T) {
	cfg := baseConfig()
	cfg.BytesPerPage = 4097
	_, err := Compute(cfg, 4096, DefaultEstimator{}, 1<<40)
	if !errors.Is(err, layouterr.ErrIncorrectAlignment) {
		t.Errorf("got %v, want ErrIncorrectAlignment", err)
	}
}

func TestComputeRejectsMisalignedVolume(t *testing.T) {
	cfg := baseConfig()
	cfg.ChaptersPerVolume = 3
	cfg.PagesPerChapter = 1
	cfg.BytesPerPage = 4096
	// bytes_per_volume = 3*1*4096 = 12288, not a multiple of a larger block size.
	_, err := Compute(cfg, 8192, DefaultEstimator{}, 1<<40)
	if !errors.Is(err, layouterr.ErrIncorrectAlignment) {
		t.Errorf("got %v, want ErrIncorrectAlignment", err)
	}
}

func TestComputeRejectsInsufficientCapacity(t *testing.T) {
	cfg := baseConfig()
	_, err := Compute(cfg, 4096, DefaultEstimator{}, 4096) // one block, nowhere near enough
	if !errors.Is(err, layouterr.ErrInsufficientIndexSpace) {
		t.Errorf("got %v, want ErrInsufficientIndexSpace", err)
	}
}

func TestComputeRejectsZeroBlockSize(t *testing.T) {
	cfg := baseConfig()
	_, err := Compute(cfg, 0, DefaultEstimator{}, 1<<40)
	if !errors.Is(err, layouterr.ErrIncorrectAlignment) {
		t.Errorf("got %v, want ErrIncorrectAlignment", err)
	}
}

type zeroEstimator struct{}

func (zeroEstimator) VolumeIndexBlocksPerSave(Config, uint32) uint64 { return 0 }
func (zeroEstimator) PageMapBlocks(Config, uint32) uint64            { return 0 }
func (zeroEstimator) OpenChapterBlocks(Config, uint32) uint64        { return 0 }

func TestComputeWithZeroEstimatorStillReservesSlotHeaderBlock(t *testing.T) {
	cfg := baseConfig()
	bytesPerVolume := cfg.ChaptersPerVolume * cfg.PagesPerChapter * uint64(cfg.BytesPerPage)
	g, err := Compute(cfg, 4096, zeroEstimator{}, int64(bytesPerVolume)*4)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if g.SaveBlocks != 1 {
		t.Errorf("save_blocks = %d, want 1 (just the slot header block)", g.SaveBlocks)
	}
}
