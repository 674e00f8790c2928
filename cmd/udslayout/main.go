// udslayout inspects and manipulates index-layout images: it is the
// odit.go CLI's counterpart for this format, trading list/info/read/write
// of Oberon files for create/inspect/discard/verify of a layout's
// regions and save slots.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dm-vdo/uds-layout/internal/clock"
	"github.com/dm-vdo/uds-layout/internal/geometry"
	"github.com/dm-vdo/uds-layout/internal/ioregion"
	"github.com/dm-vdo/uds-layout/internal/layout"
	"github.com/dm-vdo/uds-layout/internal/layouterr"
	"github.com/dm-vdo/uds-layout/internal/nonce"
	"github.com/dm-vdo/uds-layout/internal/randsrc"
	"github.com/dm-vdo/uds-layout/internal/region"
	"github.com/dm-vdo/uds-layout/internal/slot"
	"github.com/dm-vdo/uds-layout/internal/util"
)

const version = "v0.1"

var (
	flagImage    = flag.String("image", "", "Image to work on")
	flagLogLevel = newLogLevelFlag(zerolog.InfoLevel, "log-level", "Log level (trace, debug, info, warn, error, fatal, panic)")

	flagChaptersPerVolume = flag.Uint64("chapters-per-volume", 1024, "Chapters per volume")
	flagPagesPerChapter   = flag.Uint64("pages-per-chapter", 64, "Pages per chapter")
	flagRecordPages       = flag.Uint64("record-pages-per-chapter", 48, "Record pages per chapter, sizes the open chapter region")
	flagBytesPerPage      = flag.Uint("bytes-per-page", 4096, "Bytes per page")
	flagVolumeIndexBytes  = flag.Uint64("volume-index-bytes", 1<<24, "Volume index memory budget, in bytes")
	flagJournalBlocks     = flag.Uint64("journal-blocks", 8, "Journal blocks")
	flagCheckpoints       = flag.Uint("checkpoints", 0, "Checkpoint slot count, beyond the 2 mandatory save slots")
	flagMaxSaves          = flag.Uint("max-saves", 2, "Number of rotating save slots")
	flagBlockSize         = flag.Uint("block-size", 4096, "Block size in bytes")
	flagCapacity          = flag.Int64("capacity", 0, "Backing file capacity in bytes (0: size exactly to the computed geometry)")
	flagConfig            = flag.String("config", "", "Opaque config blob to persist in the config region")

	flagDiscardAll = flag.Bool("all", false, "Discard every save slot, not just the latest")
)

func newLogLevelFlag(value zerolog.Level, name string, usage string) *logLevelFlag {
	p := &logLevelFlag{level: value}
	flag.Var(p, name, usage)
	return p
}

// logLevelFlag implements flag.Value for zerolog.Level.
type logLevelFlag struct {
	level zerolog.Level
}

func (f *logLevelFlag) String() string { return f.level.String() }

func (f *logLevelFlag) Set(value string) error {
	level, err := zerolog.ParseLevel(strings.ToLower(value))
	if err != nil {
		return err
	}
	f.level = level
	return nil
}

func (f *logLevelFlag) Get() zerolog.Level { return f.level }

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s -image <image> [flags] <command>

Commands:
   create: Builds a fresh layout on -image, sized from the geometry flags
   inspect: Opens -image and prints the superblock and every slot's state
   discard [-all]: Invalidates the latest save slot, or every slot with -all
   verify: Re-derives and checks every nonce in the layout's chain

Flags:
`, os.Args[0])
	flag.PrintDefaults()
	os.Exit(1)
}

func initLogging(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.
		New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    false,
		}).
		With().Timestamp().Caller().
		Logger()
}

func geometryConfig() geometry.Config {
	return geometry.Config{
		ChaptersPerVolume:      *flagChaptersPerVolume,
		PagesPerChapter:        *flagPagesPerChapter,
		RecordPagesPerChapter:  *flagRecordPages,
		BytesPerPage:           uint32(*flagBytesPerPage),
		VolumeIndexMemoryBytes: *flagVolumeIndexBytes,
		JournalBlocks:          *flagJournalBlocks,
		CheckpointCount:        uint16(*flagCheckpoints),
	}
}

func runCreate(ctx context.Context) {
	cfg := layout.Config{
		Geometry:   geometryConfig(),
		BlockSize:  uint32(*flagBlockSize),
		MaxSaves:   uint16(*flagMaxSaves),
		ConfigBlob: []byte(*flagConfig),
	}

	capacity := *flagCapacity
	if capacity == 0 {
		g, err := geometry.Compute(cfg.Geometry, cfg.BlockSize, geometry.DefaultEstimator{}, 1<<62)
		if err != nil {
			log.Fatal().Err(err).Msg("computing geometry for auto-sized capacity")
		}
		capacity = int64(g.TotalBlocks) * int64(cfg.BlockSize)
	}

	factory, err := ioregion.Open(*flagImage, capacity, true)
	if err != nil {
		log.Fatal().Err(err).Msg("opening image")
	}
	defer factory.Close()

	l, err := layout.Create(ctx, factory, 0, capacity, cfg, geometry.DefaultEstimator{}, nonce.Murmur3{}, clock.System{}, randsrc.System{})
	if err != nil {
		log.Fatal().Err(err).Msg("creating layout")
	}
	defer l.Close()

	log.Info().
		Uint64("volume_blocks", l.VolumeBlocks).
		Uint64("save_blocks_each", l.SaveBlocksEach).
		Uint64("seal_block", l.SealBlock).
		Int("slots", len(l.Slots)).
		Msg("layout created")
}

func openExisting(ctx context.Context) (ioregion.Factory, *layout.Layout) {
	fi, err := os.Stat(*flagImage)
	if err != nil {
		log.Fatal().Err(err).Msg("statting image")
	}
	factory, err := ioregion.Open(*flagImage, fi.Size(), false)
	if err != nil {
		log.Fatal().Err(err).Msg("opening image")
	}
	l, err := layout.Open(ctx, factory, 0, uint32(*flagBlockSize), nonce.Murmur3{}, clock.System{})
	if err != nil {
		factory.Close()
		log.Fatal().Err(err).Msg("opening layout")
	}
	return factory, l
}

func runInspect(ctx context.Context) {
	factory, l := openExisting(ctx)
	defer factory.Close()
	defer l.Close()

	sb := l.Superblock
	fmt.Printf("block_size=%d max_saves=%d subindex_count=%d\n", sb.BlockSize, sb.MaxSaves, sb.SubindexCount)
	fmt.Printf("page_map_blocks=%d open_chapter_blocks=%d\n", sb.PageMapBlocks, sb.OpenChapterBlocks)
	fmt.Printf("volume_blocks=%d save_blocks_each=%d seal_block=%d\n", l.VolumeBlocks, l.SaveBlocksEach, l.SealBlock)

	for i, s := range l.Slots {
		fmt.Printf("slot %d: kind=%s state=%s zones=%d timestamp=%d\n", i, s.Kind, s.State, s.Zones, s.SaveData.Timestamp)
		fmt.Print(util.HexDump(s.SaveData.Encode(), 0, slot.StateBufferMax/32))
	}

	if idx, zones, err := l.FindLatestSlot(); err != nil {
		fmt.Printf("latest slot: %s\n", err)
	} else {
		fmt.Printf("latest slot: %d (zones=%d)\n", idx, zones)
	}
}

func runDiscard(ctx context.Context) {
	factory, l := openExisting(ctx)
	defer factory.Close()
	defer l.Close()

	if err := l.DiscardSaves(ctx, *flagDiscardAll); err != nil {
		log.Fatal().Err(err).Msg("discarding saves")
	}
}

func runVerify(ctx context.Context) {
	factory, l := openExisting(ctx)
	defer factory.Close()
	defer l.Close()

	bad := 0
	for i, s := range l.Slots {
		if s.Kind == region.HeaderTypeUnsaved {
			fmt.Printf("slot %d: unsaved\n", i)
			continue
		}
		ok, ts, err := l.VerifySlot(i)
		if err != nil {
			log.Fatal().Err(err).Int("slot", i).Msg("verifying slot")
		}
		if !ok {
			fmt.Printf("slot %d: %v\n", i, layouterr.ErrCorruptComponent)
			bad++
		} else {
			fmt.Printf("slot %d: ok (timestamp=%d)\n", i, ts)
		}
	}
	if bad > 0 {
		os.Exit(1)
	}
}

func main() {
	fmt.Printf("UDS Layout Tool %s\n", version)

	flag.Usage = usage
	flag.Parse()

	initLogging(flagLogLevel.Get())

	if *flagImage == "" {
		fmt.Fprintf(os.Stderr, "no image specified\n")
		usage()
	}

	args := flag.Args()
	if len(args) != 1 {
		usage()
	}

	ctx := context.Background()
	switch args[0] {
	case "create":
		runCreate(ctx)
	case "inspect":
		runInspect(ctx)
	case "discard":
		runDiscard(ctx)
	case "verify":
		runVerify(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		usage()
	}
}
