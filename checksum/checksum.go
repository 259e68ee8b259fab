// Package checksum implements the bio-completion checksum verify and
// mirror-repair path of spec §4.7.
package checksum

import (
	"context"
	"hash/crc32"

	"golang.org/x/sync/errgroup"

	"github.com/intellect4all/duetscrub/common"
	"github.com/intellect4all/duetscrub/fsiface"
	"github.com/intellect4all/duetscrub/scrubio"
)

// Header holds the fields of a tree-block header: bytenr, filesystem
// id, chunk-tree uuid, and generation. Metadata verification compares
// only Bytenr and Generation against the block; FSID and ChunkTreeUUID
// are not compared.
type Header struct {
	Bytenr        uint64
	FSID          [16]byte
	ChunkTreeUUID [16]byte
	Generation    uint64
}

// HeaderReader extracts a Header from a page's raw bytes, standing in
// for the filesystem's metadata-block layout (out of scope per §1).
type HeaderReader func(data []byte) (Header, bool)

// Stats receives the counters a completed verify/repair pass updates.
// common.Progress, the record an orchestrator.Task holds, implements
// this directly.
type Stats interface {
	AddCsumError()
	AddVerifyError()
	AddCorrected()
	AddUncorrectable()
	AddUnverified()
	AddWriteError()
}

// blockCRC32 computes the data-extent checksum over a block's pages in
// logical order, matching the teacher's WAL record checksum pattern
// (hash/crc32, written once over the full payload).
func blockCRC32(pages []*scrubio.Page) uint32 {
	h := crc32.NewIEEE()
	for _, p := range pages {
		h.Write(p.Data)
	}
	return h.Sum32()
}

func verifyData(block *scrubio.Block) bool {
	return blockCRC32(block.Pages()) == block.ExpectedCRC
}

func verifyMetadata(block *scrubio.Block, readHeader HeaderReader) bool {
	pages := block.Pages()
	if len(pages) == 0 {
		return false
	}
	hdr, ok := readHeader(pages[0].Data)
	if !ok {
		return false
	}
	if hdr.Bytenr != block.Bytenr {
		return false
	}
	if hdr.Generation != block.Generation {
		block.GenerationError = true
		return false
	}
	return true
}

func verify(block *scrubio.Block, readHeader HeaderReader) bool {
	if block.IsMetadata {
		return verifyMetadata(block, readHeader)
	}
	return verifyData(block)
}

// VerifyAndRepair is scrub_block_complete + the error handler of §4.7,
// wired as the scrubio.OnBlockComplete callback for the bio pool's
// completion workers.
func VerifyAndRepair(fs fsiface.Filesystem, readHeader HeaderReader, stats Stats, devReplaceTarget *common.DeviceID) scrubio.OnBlockComplete {
	return func(ctx context.Context, block *scrubio.Block) error {
		if block.NoIOErrorSeen && verify(block, readHeader) {
			if devReplaceTarget != nil {
				return writeGood(ctx, fs, block, *devReplaceTarget)
			}
			return nil
		}

		return repair(ctx, fs, block, readHeader, stats)
	}
}

func writeGood(ctx context.Context, fs fsiface.Filesystem, block *scrubio.Block, target common.DeviceID) error {
	for _, p := range block.Pages() {
		if err := fs.WritePage(ctx, target, p.Physical, p.Data); err != nil {
			return err
		}
	}
	return nil
}

// mirrorCandidate is one fully-read mirror copy of a bad block.
type mirrorCandidate struct {
	mirror  int
	pages   [][]byte
	ioError bool
}

func repair(ctx context.Context, fs fsiface.Filesystem, block *scrubio.Block, readHeader HeaderReader, stats Stats) error {
	if block.NoIOErrorSeen {
		stats.AddCsumError()
	}

	locations, err := fs.MapBlock(ctx, block.Logical, fsiface.MapGetReadMirrors)
	if err != nil {
		return err
	}
	if len(locations) > common.MaxMirrors {
		locations = locations[:common.MaxMirrors]
	}

	candidates := make([]mirrorCandidate, len(locations))
	g, gCtx := errgroup.WithContext(ctx)
	for i, loc := range locations {
		i, loc := i, loc
		g.Go(func() error {
			pages := make([][]byte, len(block.Pages()))
			for j, p := range block.Pages() {
				data, err := fs.ReadPage(gCtx, loc.Device, p.Physical, loc.Mirror)
				if err != nil {
					candidates[i] = mirrorCandidate{mirror: loc.Mirror, ioError: true}
					return nil
				}
				pages[j] = data
			}
			candidates[i] = mirrorCandidate{mirror: loc.Mirror, pages: pages}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if good := pickGoodMirror(candidates, block, readHeader); good != nil {
		if err := rewriteFrom(ctx, fs, block, good); err != nil {
			stats.AddWriteError()
			stats.AddUncorrectable()
			return err
		}
		stats.AddCorrected()
		return nil
	}

	repaired, err := perPageRepair(ctx, fs, block, candidates)
	if err != nil {
		stats.AddWriteError()
		stats.AddUncorrectable()
		return err
	}
	if repaired && verify(block, readHeader) {
		stats.AddCorrected()
		return nil
	}

	stats.AddUncorrectable()
	if block.IsMetadata && block.NoDataSum {
		return nodataSumFixup(ctx, fs, block)
	}
	return common.ErrUncorrectable
}

func pickGoodMirror(candidates []mirrorCandidate, block *scrubio.Block, readHeader HeaderReader) *mirrorCandidate {
	for i := range candidates {
		c := &candidates[i]
		if c.ioError || c.pages == nil {
			continue
		}
		if mirrorVerifies(c, block, readHeader) {
			return c
		}
	}
	return nil
}

func mirrorVerifies(c *mirrorCandidate, block *scrubio.Block, readHeader HeaderReader) bool {
	if block.IsMetadata {
		hdr, ok := readHeader(c.pages[0])
		if !ok {
			return false
		}
		return hdr.Bytenr == block.Bytenr && hdr.Generation == block.Generation
	}
	h := crc32.NewIEEE()
	for _, p := range c.pages {
		h.Write(p)
	}
	return h.Sum32() == block.ExpectedCRC
}

func rewriteFrom(ctx context.Context, fs fsiface.Filesystem, block *scrubio.Block, good *mirrorCandidate) error {
	for i, p := range block.Pages() {
		copy(p.Data, good.pages[i])
		if err := fs.WritePage(ctx, p.Device, p.Physical, p.Data); err != nil {
			return err
		}
	}
	return nil
}

// perPageRepair copies each failing page from any mirror that read
// without an I/O error, then reports whether anything changed.
func perPageRepair(ctx context.Context, fs fsiface.Filesystem, block *scrubio.Block, candidates []mirrorCandidate) (bool, error) {
	repaired := false
	for i, p := range block.Pages() {
		if !p.IOError.Load() {
			continue
		}
		for _, c := range candidates {
			if c.ioError || c.pages == nil {
				continue
			}
			copy(p.Data, c.pages[i])
			if err := fs.WritePage(ctx, p.Device, p.Physical, p.Data); err != nil {
				return repaired, err
			}
			repaired = true
			break
		}
	}
	return repaired, nil
}

func nodataSumFixup(ctx context.Context, fs fsiface.Filesystem, block *scrubio.Block) error {
	for _, p := range block.Pages() {
		if p.IOError.Load() {
			if _, err := fs.ReadPage(ctx, p.Device, p.Physical, p.Mirror); err != nil {
				return err
			}
		}
	}
	return nil
}
