// Package orchestrator wires one device's scrub run together: the bio
// pool, BitTree, rate controller, event pipeline, and extent walker of
// spec §2/§5, bound to a single fsiface.Filesystem and driven chunk by
// chunk until the caller's chunk list is exhausted or the run is
// cancelled.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/intellect4all/duetscrub/bittree"
	"github.com/intellect4all/duetscrub/checksum"
	"github.com/intellect4all/duetscrub/common"
	"github.com/intellect4all/duetscrub/event"
	"github.com/intellect4all/duetscrub/fsiface"
	"github.com/intellect4all/duetscrub/ratectl"
	"github.com/intellect4all/duetscrub/scrublog"
	"github.com/intellect4all/duetscrub/scrubio"
	"github.com/intellect4all/duetscrub/walker"
)

// defaultSuperblockVerify treats an all-zero page as a missing or
// corrupt superblock copy; real magic/checksum validation is
// filesystem-internal and out of scope (§1).
func defaultSuperblockVerify(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return true
		}
	}
	return false
}

// Task owns every collaborator a single device's scrub run needs and
// is the unit spec §3 calls a task: one BitTree, one bio pool, one
// event store, destroyed together via Close.
type Task struct {
	ID         string
	Device     common.DeviceID
	DeviceSize uint64
	Progress   *common.Progress

	fs     fsiface.Filesystem
	cfg    Config
	pool   *scrubio.Pool
	tree   *bittree.Tree
	rate   *ratectl.Controller
	walker *walker.Walker

	registry *event.Registry
	hook     *event.Hook
	store    *event.Store
	pipeline *event.Pipeline

	logger            *scrublog.Logger
	lastUncorrectable int64
}

// New builds a Task for scrubbing dev, sized deviceSize bytes, against
// fs. The returned Task's bio pool and event hook are already running;
// call Close once the run (and any further Emit calls) are finished.
func New(fs fsiface.Filesystem, dev common.DeviceID, deviceSize uint64, cfg Config) *Task {
	progress := &common.Progress{}

	pool := scrubio.NewPool(context.Background(), cfg.FixedBios, cfg.Adaptive, cfg.BioWorkers, scrubio.PageDoneOnComplete())
	tree := bittree.New(bittree.Config{Range: common.PageSize})

	w := walker.New(fs, pool, tree, progress, dev)
	w.OnBlockComplete = checksum.VerifyAndRepair(fs, cfg.ReadHeader, progress, cfg.DevReplaceTarget)

	registry := event.NewRegistry()
	store := event.NewStore()
	registry.Register(&event.Subscriber{Store: store})
	hook := event.NewHook(context.Background(), registry, cfg.EventQueueDepth, cfg.EventWorkers)

	pipeline := &event.Pipeline{
		Store:       store,
		Resolver:    &fsResolver{fs: fs},
		Tree:        tree,
		ScrubDevice: dev,
	}
	w.Events = pipeline

	rate := ratectl.New(pool, time.Time{}, cfg.Deadline, int64(deviceSize))
	w.Rate = rate

	t := &Task{
		ID:         uuid.NewString(),
		Device:     dev,
		DeviceSize: deviceSize,
		Progress:   progress,
		fs:         fs,
		cfg:        cfg,
		pool:       pool,
		tree:       tree,
		rate:       rate,
		walker:     w,
		registry:   registry,
		hook:       hook,
		store:      store,
		pipeline:   pipeline,
		logger:     scrublog.New(nil, cfg.UncorrectableLogInterval),
	}
	return t
}

// Emit feeds a raw page event into the task's hook, for callers
// bridging their filesystem's page-cache notifications (§4.3).
func (t *Task) Emit(ev event.RawEvent) bool { return t.hook.Emit(ev) }

// Pause, Resume, Cancel, and IsCancelled proxy to the underlying
// walker, which is where the actual checkpointing lives (§5).
func (t *Task) Pause()            { t.walker.Pause() }
func (t *Task) Resume()           { t.walker.Resume() }
func (t *Task) Cancel()           { t.walker.Cancel() }
func (t *Task) IsCancelled() bool { return t.walker.IsCancelled() }

// Snapshot takes a point-in-time copy of the run's progress counters.
func (t *Task) Snapshot() common.Snapshot { return t.Progress.Snapshot() }

// ScrubDevice walks every chunk in chunkOffsets in order, draining the
// event pipeline between chunks, and finally scrubs the device's
// superblock copies (§2, §5). The walker paces the rate controller
// itself, once per bio completion, rather than once per chunk here.
// It returns common.ErrCancelled if Cancel was called during the run.
func (t *Task) ScrubDevice(ctx context.Context, chunkOffsets []uint64) error {
	// A zero Deadline disables pacing (ratectl.Controller treats
	// Deadline.Equal(Start) as "pacing off"); only stamp a real Start
	// when a deadline was actually configured.
	if !t.cfg.Deadline.IsZero() {
		t.rate.Start = time.Now()
	}

	for _, off := range chunkOffsets {
		if t.IsCancelled() {
			return common.ErrCancelled
		}

		if err := t.walker.WalkChunk(ctx, off); err != nil {
			return err
		}

		if err := t.drainPipeline(ctx); err != nil {
			return err
		}

		t.reportUncorrectable()
	}

	if err := walker.ScrubSuperBlocks(ctx, t.fs, t.Device, t.DeviceSize, t.superblockVerifier(), t.Progress); err != nil {
		return err
	}

	return t.drainPipeline(ctx)
}

func (t *Task) superblockVerifier() walker.SuperblockVerifier {
	if t.cfg.SuperblockVerify != nil {
		return t.cfg.SuperblockVerify
	}
	return defaultSuperblockVerify
}

// drainPipeline drains the event store until Drain reports nothing
// left to do, per §4.4's "process one stripe, then drain again" loop.
func (t *Task) drainPipeline(ctx context.Context) error {
	for {
		more, err := t.pipeline.Drain(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// reportUncorrectable logs a rate-limited line when new uncorrectable
// blocks have appeared since the last check (§7).
func (t *Task) reportUncorrectable() {
	current := t.Progress.UncorrectableErrors.Load()
	delta := current - t.lastUncorrectable
	if delta > 0 {
		t.logger.Uncorrectable(t.ID, t.Device, delta)
	}
	t.lastUncorrectable = current
}

// Close tears down the task's bio pool, event hook, and BitTree. It
// must only be called once no further Emit/ScrubDevice calls are in
// flight.
func (t *Task) Close() error {
	hookErr := t.hook.Close()
	poolErr := t.pool.Close()
	t.tree.Close()
	if poolErr != nil {
		return poolErr
	}
	return hookErr
}
