package walker

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/intellect4all/duetscrub/bittree"
	"github.com/intellect4all/duetscrub/checksum"
	"github.com/intellect4all/duetscrub/common"
	"github.com/intellect4all/duetscrub/fsiface"
	"github.com/intellect4all/duetscrub/fsiface/fake"
	"github.com/intellect4all/duetscrub/scrubio"
)

// readFakeHeader decodes the 16-byte (bytenr, generation) header
// fake.FS.AddMetadataExtent writes into each page.
func readFakeHeader(data []byte) (checksum.Header, bool) {
	if len(data) < 16 {
		return checksum.Header{}, false
	}
	return checksum.Header{
		Bytenr:     binary.LittleEndian.Uint64(data[0:8]),
		Generation: binary.LittleEndian.Uint64(data[8:16]),
	}, true
}

func setupWalker(t *testing.T, size uint64) (*Walker, *fake.FS, *common.Progress, func()) {
	t.Helper()
	fs := fake.New(1, nil, size)
	progress := &common.Progress{}
	tree := bittree.New(bittree.Config{Range: 1})
	pool := scrubio.NewPool(context.Background(), 4, false, 2, scrubio.PageDoneOnComplete())

	w := New(fs, pool, tree, progress, 1)
	w.OnBlockComplete = checksum.VerifyAndRepair(fs, readFakeHeader, progress, nil)

	return w, fs, progress, func() {
		pool.Close()
		tree.Close()
	}
}

func waitForTree(t *testing.T, tree *bittree.Tree, offset, length uint64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		done, err := tree.Check(offset, length)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if done {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("range [%d, %d) never marked done", offset, offset+length)
}

func TestWalkChunkScrubsCleanDataAndMetadata(t *testing.T) {
	size := uint64(64 * 1024)
	w, fs, progress, cleanup := setupWalker(t, size)
	defer cleanup()

	fs.AddExtent(0, common.PageSize, false, 0xAB)
	fs.AddMetadataExtent(common.PageSize, 4*common.PageSize, 7)

	if err := w.WalkChunk(context.Background(), 0); err != nil {
		t.Fatalf("WalkChunk failed: %v", err)
	}

	waitForTree(t, w.Tree, 0, common.PageSize)
	waitForTree(t, w.Tree, common.PageSize, 4*common.PageSize)

	if got := progress.DataExtentsScrubbed.Load(); got != 1 {
		t.Errorf("DataExtentsScrubbed = %d, want 1", got)
	}
	if got := progress.TreeExtentsScrubbed.Load(); got != 1 {
		t.Errorf("TreeExtentsScrubbed = %d, want 1", got)
	}
	if got := progress.CsumErrors.Load(); got != 0 {
		t.Errorf("CsumErrors = %d, want 0 for a clean walk", got)
	}
}

func TestWalkChunkSkipsAlreadyMarkedExtent(t *testing.T) {
	size := uint64(64 * 1024)
	w, fs, progress, cleanup := setupWalker(t, size)
	defer cleanup()

	fs.AddExtent(0, common.PageSize, false, 0xAB)
	if err := w.Tree.Mark(0, common.PageSize); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}

	if err := w.WalkChunk(context.Background(), 0); err != nil {
		t.Fatalf("WalkChunk failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if got := progress.DataExtentsScrubbed.Load(); got != 0 {
		t.Errorf("DataExtentsScrubbed = %d, want 0 for a pre-marked extent", got)
	}
}

func waitForCount(t *testing.T, get func() int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := get(); got == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("counter never reached %d, stuck at %d", want, get())
}

func TestWalkChunkDetectsCorruptedPage(t *testing.T) {
	size := uint64(64 * 1024)
	w, fs, progress, cleanup := setupWalker(t, size)
	defer cleanup()

	fs.AddExtent(0, common.PageSize, false, 0xAB)
	fs.CorruptPage(1, 0)

	if err := w.WalkChunk(context.Background(), 0); err != nil {
		t.Fatalf("WalkChunk failed: %v", err)
	}

	waitForTree(t, w.Tree, 0, common.PageSize)
	waitForCount(t, progress.CsumErrors.Load, 1)
	waitForCount(t, progress.UncorrectableErrors.Load, 1)
}

func TestCrcForLogicalMissesWhenNoEntryCoversTheOffset(t *testing.T) {
	csums := []fsiface.Csum{{Start: 0, Len: common.PageSize, CRC32: 0x1234}}

	if _, ok := crcForLogical(csums, common.PageSize); ok {
		t.Fatalf("expected no match for an offset past the last csum entry")
	}
	if crc, ok := crcForLogical(csums, 0); !ok || crc != 0x1234 {
		t.Fatalf("crcForLogical(0) = (%x, %v), want (0x1234, true)", crc, ok)
	}
}

func TestPauseBlocksWalkUntilResumed(t *testing.T) {
	size := uint64(64 * 1024)
	w, fs, _, cleanup := setupWalker(t, size)
	defer cleanup()

	fs.AddExtent(0, common.PageSize, false, 0xAB)
	w.Pause()

	done := make(chan error, 1)
	go func() { done <- w.WalkChunk(context.Background(), 0) }()

	select {
	case <-done:
		t.Fatalf("WalkChunk returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	w.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WalkChunk failed after resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("WalkChunk never completed after Resume")
	}
}

// TestWalkChunkBatchesContiguousPagesIntoOneBio covers §4.6's bio
// assembly: a metadata extent's pages, being contiguous and well under
// PagesPerRdBio, must share a single bio/completion rather than one
// bio per page.
func TestWalkChunkBatchesContiguousPagesIntoOneBio(t *testing.T) {
	size := uint64(64 * 1024)
	fs := fake.New(1, nil, size)
	progress := &common.Progress{}
	tree := bittree.New(bittree.Config{Range: 1})

	var completions int32
	countingComplete := func(ctx context.Context, bio *scrubio.Bio) error {
		atomic.AddInt32(&completions, 1)
		return scrubio.PageDoneOnComplete()(ctx, bio)
	}
	pool := scrubio.NewPool(context.Background(), 4, false, 2, countingComplete)
	defer pool.Close()
	defer tree.Close()

	w := New(fs, pool, tree, progress, 1)
	w.OnBlockComplete = checksum.VerifyAndRepair(fs, readFakeHeader, progress, nil)

	const pageCount = 8
	fs.AddMetadataExtent(0, pageCount*common.PageSize, 7)

	if err := w.WalkChunk(context.Background(), 0); err != nil {
		t.Fatalf("WalkChunk failed: %v", err)
	}

	waitForTree(t, w.Tree, 0, pageCount*common.PageSize)
	waitForCount(t, func() int64 { return int64(atomic.LoadInt32(&completions)) }, 1)
}

func TestCancelStopsWalk(t *testing.T) {
	size := uint64(64 * 1024)
	w, fs, _, cleanup := setupWalker(t, size)
	defer cleanup()

	fs.AddExtent(0, common.PageSize, false, 0xAB)
	w.Cancel()

	err := w.WalkChunk(context.Background(), 0)
	if err != common.ErrCancelled {
		t.Fatalf("WalkChunk error = %v, want ErrCancelled", err)
	}
}
