// Package walker implements the extent walker of spec §4.6: per-chunk
// iteration against the fsiface.Filesystem port, skip-testing each
// extent against the BitTree, assembling checksummed blocks, and
// pacing bio fill/submit through a scrubio.Pool. Pause/resume and
// cancellation are polled at stripe and extent-item boundaries (§5).
package walker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/intellect4all/duetscrub/bittree"
	"github.com/intellect4all/duetscrub/common"
	"github.com/intellect4all/duetscrub/event"
	"github.com/intellect4all/duetscrub/fsiface"
	"github.com/intellect4all/duetscrub/ratectl"
	"github.com/intellect4all/duetscrub/scrubio"
)

// PauseDrainInterval bounds how long a paused walker waits before
// waking to drain pending events and re-check for resume, so marks
// keep flowing into the BitTree during a long pause (§4.4).
const PauseDrainInterval = 20 * time.Millisecond

// Walker drives one device's extent tree through a bio pool (§4.6).
// Pool's completion handler must already be wired, typically to
// scrubio.PageDoneOnComplete() by the orchestrator that owns it.
type Walker struct {
	FS       fsiface.Filesystem
	Pool     *scrubio.Pool
	Tree     *bittree.Tree
	Progress *common.Progress
	Device   common.DeviceID

	// OnBlockComplete fires once a block's pages have all completed
	// I/O; the orchestrator wires this to checksum.VerifyAndRepair.
	OnBlockComplete scrubio.OnBlockComplete

	// Events, if set, is drained at every checkpoint (stripe/extent-item
	// boundary and continuously while paused), so the event pipeline
	// keeps marking pages even during a long pause.
	Events *event.Pipeline

	// Rate, if set, is paced once per bio completion: Observe feeds it
	// the latest progress, PacedRelease applies the resulting delay
	// before the bio's slot is returned to the pool (§4.8).
	Rate *ratectl.Controller

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool

	cancelled atomic.Bool

	pending *pendingBio
}

// pendingBio accumulates contiguous pages into the bio currently being
// filled, so a single Acquire/Submit/Complete cycle can carry up to
// common.PagesPerRdBio pages instead of exactly one (§3, §4.6).
type pendingBio struct {
	bio     *scrubio.Bio
	dev     common.DeviceID
	mirror  int
	nextOff uint64 // physical offset one past the last page added
}

// New creates a Walker.
func New(fs fsiface.Filesystem, pool *scrubio.Pool, tree *bittree.Tree, progress *common.Progress, dev common.DeviceID) *Walker {
	w := &Walker{FS: fs, Pool: pool, Tree: tree, Progress: progress, Device: dev}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Pause requests that the walker block at its next checkpoint.
func (w *Walker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume releases a paused walker.
func (w *Walker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Cancel requests that the walker stop at its next checkpoint.
func (w *Walker) Cancel() { w.cancelled.Store(true) }

// IsCancelled reports whether Cancel has been called.
func (w *Walker) IsCancelled() bool { return w.cancelled.Load() }

// checkpoint blocks while paused, draining events on every wake-up,
// then drains pending events once more and reports cancellation or
// context expiry. Called at stripe and
// extent-item boundaries (§5).
func (w *Walker) checkpoint(ctx context.Context) error {
	w.mu.Lock()
	for w.paused {
		w.mu.Unlock()

		if w.Events != nil {
			if _, err := w.Events.Drain(ctx); err != nil {
				return err
			}
		}
		if w.cancelled.Load() {
			return common.ErrCancelled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.mu.Lock()
		if w.paused {
			w.waitPausedWithTimeout(PauseDrainInterval)
		}
	}
	w.mu.Unlock()

	if w.Events != nil {
		if _, err := w.Events.Drain(ctx); err != nil {
			return err
		}
	}

	if w.cancelled.Load() {
		return common.ErrCancelled
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// waitPausedWithTimeout waits on w.cond until Resume or d elapses,
// mirroring scrubio.Pool.waitWithTimeout's timed-cond pattern so a
// paused walker still wakes periodically to drain events. Caller
// holds w.mu.
func (w *Walker) waitPausedWithTimeout(d time.Duration) {
	timedOut := false
	timer := time.AfterFunc(d, func() {
		w.mu.Lock()
		timedOut = true
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer timer.Stop()

	for w.paused && !timedOut {
		w.cond.Wait()
	}
}

// WalkChunk scrubs the extent-tree range backing chunkOffset, if the
// chunk is laid out on w.Device.
func (w *Walker) WalkChunk(ctx context.Context, chunkOffset uint64) error {
	if err := w.checkpoint(ctx); err != nil {
		return err
	}

	layout, err := w.FS.LookupChunk(ctx, chunkOffset)
	if err != nil {
		return err
	}

	onDevice := false
	for _, m := range layout.Mirrors {
		if m.Device == w.Device {
			onDevice = true
			break
		}
	}
	if !onDevice {
		return nil
	}

	if err := w.walkExtents(ctx, layout.ChunkOffset, layout.ChunkOffset+layout.StripeLen); err != nil {
		return err
	}
	w.flushPending(ctx)
	return nil
}

func (w *Walker) walkExtents(ctx context.Context, start, end uint64) error {
	item, ok, err := w.FS.SearchExtentItem(ctx, fsiface.ExtentKey{Objectid: start})
	for {
		if err != nil {
			return err
		}
		if !ok || item.Logical >= end {
			return nil
		}
		if err := w.checkpoint(ctx); err != nil {
			return err
		}
		if err := w.scrubExtent(ctx, item); err != nil {
			return err
		}
		item, ok, err = w.FS.NextLeaf(ctx, item.Key)
	}
}

func (w *Walker) scrubExtent(ctx context.Context, item fsiface.ExtentItem) error {
	done, err := w.Tree.Check(item.Logical, item.Length)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	if item.IsMetadata {
		err = w.scrubMetadataExtent(ctx, item)
	} else {
		err = w.scrubDataExtent(ctx, item)
	}
	if err != nil {
		return err
	}

	if err := w.Tree.Mark(item.Logical, item.Length); err != nil {
		return err
	}

	if item.IsMetadata {
		w.Progress.TreeExtentsScrubbed.Add(1)
		w.Progress.TreeBytesScrubbed.Add(int64(item.Length))
	} else {
		w.Progress.DataExtentsScrubbed.Add(1)
		w.Progress.DataBytesScrubbed.Add(int64(item.Length))
	}
	return nil
}

// scrubDataExtent scrubs a data extent one PageSize block at a time —
// data blocks are checksummed individually via the per-page entries
// LookupCsumsRange returns, so a block never spans more than one page.
func (w *Walker) scrubDataExtent(ctx context.Context, item fsiface.ExtentItem) error {
	var csums []fsiface.Csum
	if !item.NoDataSum {
		var err error
		csums, err = w.FS.LookupCsumsRange(ctx, item.Logical, item.Logical+item.Length)
		if err != nil {
			return err
		}
	}

	for off := uint64(0); off < item.Length; off += common.PageSize {
		if err := w.checkpoint(ctx); err != nil {
			return err
		}

		pageLen := uint64(common.PageSize)
		if off+pageLen > item.Length {
			pageLen = item.Length - off
		}
		logical := item.Logical + off

		crc, ok := crcForLogical(csums, logical)
		if !ok {
			w.Progress.NoCsum.Add(1)
			continue
		}

		if err := w.dispatchBlock(ctx, logical, pageLen, false, item.Generation, item.NoDataSum, crc, 0); err != nil {
			return err
		}
	}
	return nil
}

// scrubMetadataExtent scrubs a metadata extent in chunks of up to
// MaxPagesPerBlock pages, verified by header fields rather than a CRC.
func (w *Walker) scrubMetadataExtent(ctx context.Context, item fsiface.ExtentItem) error {
	blockSize := uint64(common.MaxPagesPerBlock) * common.PageSize

	for off := uint64(0); off < item.Length; off += blockSize {
		if err := w.checkpoint(ctx); err != nil {
			return err
		}

		length := blockSize
		if off+length > item.Length {
			length = item.Length - off
		}
		logical := item.Logical + off

		if err := w.dispatchBlock(ctx, logical, length, true, item.Generation, item.NoDataSum, 0, logical); err != nil {
			return err
		}
	}
	return nil
}

func crcForLogical(csums []fsiface.Csum, logical uint64) (uint32, bool) {
	for _, c := range csums {
		if c.Start == logical {
			return c.CRC32, true
		}
	}
	return 0, false
}

func (w *Walker) dispatchBlock(ctx context.Context, logical, length uint64, isMetadata bool, generation uint64, noDataSum bool, expectedCRC uint32, bytenr uint64) error {
	locs, err := w.FS.MapBlock(ctx, logical, fsiface.MapReadRegular)
	if err != nil {
		return err
	}
	physical, dev, found := locationOn(locs, w.Device)
	if !found {
		return nil
	}

	block := scrubio.NewBlock(dev, logical, length, isMetadata, w.OnBlockComplete)
	block.Generation = generation
	block.NoDataSum = noDataSum
	block.ExpectedCRC = expectedCRC
	block.Bytenr = bytenr

	pageCount := (length + common.PageSize - 1) / common.PageSize
	for i := uint64(0); i < pageCount; i++ {
		size := common.PageSize
		if i == pageCount-1 && length%common.PageSize != 0 {
			size = int(length % common.PageSize)
		}
		pageLogical := logical + i*common.PageSize
		pagePhysical := physical + i*common.PageSize

		page := scrubio.NewPage(block, dev, pageLogical, pagePhysical, size)
		if err := block.AddPage(page); err != nil {
			return err
		}
		if err := w.addPage(ctx, dev, page); err != nil {
			return err
		}
	}
	return nil
}

func locationOn(locs []fsiface.PhysicalLocation, dev common.DeviceID) (uint64, common.DeviceID, bool) {
	for _, l := range locs {
		if l.Device == dev {
			return l.Physical, l.Device, true
		}
	}
	return 0, 0, false
}

// addPage appends page to the bio currently being filled, starting a
// new one whenever the pending bio is full, belongs to a different
// device/mirror, or page isn't physically contiguous with it — mirrors
// the "add page to bio, or submit and start a new one" loop of §4.6.
// Pages that don't chain onto an in-progress bio flush it first.
func (w *Walker) addPage(ctx context.Context, dev common.DeviceID, page *scrubio.Page) error {
	if w.pending != nil {
		p := w.pending
		full := len(p.bio.Pages) >= common.PagesPerRdBio
		if p.dev != dev || p.mirror != page.Mirror || full || page.Physical != p.nextOff {
			w.flushPending(ctx)
		}
	}

	if w.pending == nil {
		bio, err := w.acquireBio(ctx)
		if err != nil {
			return err
		}
		bio.Device = dev
		bio.Physical = page.Physical
		bio.Logical = page.Logical
		w.pending = &pendingBio{bio: bio, dev: dev, mirror: page.Mirror}
	}

	w.pending.bio.Pages = append(w.pending.bio.Pages, page)
	w.pending.nextOff = page.Physical + uint64(len(page.Data))
	return nil
}

// acquireBio waits for a free bio slot. A timed-out Acquire (adaptive
// mode, §4.5) re-checkpoints and retries rather than blocking
// indefinitely, so pause/cancel stay responsive.
func (w *Walker) acquireBio(ctx context.Context) (*scrubio.Bio, error) {
	for {
		b, err := w.Pool.Acquire(ctx)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, common.ErrNoFreeBio) {
			return nil, err
		}
		if err := w.checkpoint(ctx); err != nil {
			return nil, err
		}
	}
}

// flushPending submits the bio currently being filled and hands its
// pages off to completeBio in its own goroutine, so the walker can go
// on assembling the next bio while this one's reads are still in
// flight — the bounded concurrency the bio pool's size caps (§4.5).
func (w *Walker) flushPending(ctx context.Context) {
	if w.pending == nil {
		return
	}
	bio := w.pending.bio
	w.pending = nil
	w.Pool.Submit()
	go w.completeBio(ctx, bio)
}

// completeBio performs the actual page reads for a submitted bio, then
// hands it to the pool's completion worker pool. Read errors are
// recorded per page rather than on the bio, so a partially-failed bio
// doesn't fail pages that read cleanly (unlike the bio-wide
// PageDoneOnComplete fallback, which only fires when every page in the
// bio shares a single error).
func (w *Walker) completeBio(ctx context.Context, bio *scrubio.Bio) {
	for _, page := range bio.Pages {
		data, err := w.FS.ReadPage(ctx, page.Device, page.Physical, page.Mirror)
		if err != nil {
			page.IOError.Store(true)
			page.Block.PageFailed(page)
			w.Progress.ReadErrors.Add(1)
			continue
		}
		copy(page.Data, data)
	}
	if n := len(bio.Pages); n > 0 {
		w.Progress.LastPhysical.Store(int64(bio.Pages[n-1].Physical))
	}

	if w.Rate != nil {
		w.Rate.Observe(time.Now(), w.Progress.Snapshot().BytesScrubbed())
		_ = w.Rate.PacedRelease(ctx)
	}

	w.Pool.Complete(bio.Index, nil)
}
