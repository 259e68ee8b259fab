package event

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RawEvent is what the page-cache boundary hands the hook: the
// (inode, page) pair the event concerns, its kind, and the filesystem
// that raised it.
type RawEvent struct {
	Key
	Mask       Mask
	Filesystem string
}

// Subscriber is a task that wants events OR-merged into its own Store
// whenever the event's filesystem matches (or is unset).
type Subscriber struct {
	Filesystem string
	Store      *Store
}

// Registry is the explicit, passed-around stand-in for the "ambient
// global task list" spec §9 flags for replacement: subscribers are
// registered and iterated from a snapshot, never a mutable global.
type Registry struct {
	mu   sync.RWMutex
	subs []*Subscriber
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a subscriber and returns an Unregister func.
func (r *Registry) Register(sub *Subscriber) (unregister func()) {
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s == sub {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// snapshot returns the current subscriber list; callers must not
// retain it across a Register/Unregister of their own.
func (r *Registry) snapshot() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscriber, len(r.subs))
	copy(out, r.subs)
	return out
}

// Precondition validates an incoming raw event before the hook
// allocates a work item for it; a false return drops the event
// silently, matching original_source/hook.c's device-online and
// inode-initialization checks, which are filesystem-internal and out
// of this spec's scope (§1) — callers supply their own.
type Precondition func(RawEvent) bool

// Hook is the entry point from the page cache (§4.3, §5): Emit must
// never block or allocate with a sleeping allocator, so it pushes onto
// a bounded channel serviced by a small errgroup-run worker pool. A
// full channel means the event is dropped, which §4.3 explicitly
// allows ("the design treats the BitTree as an optimisation hint").
type Hook struct {
	registry      *Registry
	Precondition  Precondition
	queue         chan RawEvent
	cancelWorkers context.CancelFunc
	group         *errgroup.Group
}

// NewHook starts a Hook with the given queue depth and worker count,
// dispatching merges against registry.
func NewHook(ctx context.Context, registry *Registry, queueDepth, workers int) *Hook {
	workerCtx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(workerCtx)

	h := &Hook{
		registry:      registry,
		queue:         make(chan RawEvent, queueDepth),
		cancelWorkers: cancel,
		group:         g,
	}

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case ev, ok := <-h.queue:
					if !ok {
						return nil
					}
					h.dispatch(ev)
				case <-gCtx.Done():
					return gCtx.Err()
				}
			}
		})
	}

	return h
}

func (h *Hook) dispatch(ev RawEvent) {
	for _, sub := range h.registry.snapshot() {
		if sub.Filesystem != "" && ev.Filesystem != "" && sub.Filesystem != ev.Filesystem {
			continue
		}
		sub.Store.Merge(ev.Key, ev.Mask, ev.Filesystem)
	}
}

// Emit validates preconditions and enqueues ev for dispatch. It never
// blocks: a full queue or a failed precondition both silently drop the
// event and return false.
func (h *Hook) Emit(ev RawEvent) bool {
	if h.Precondition != nil && !h.Precondition(ev) {
		return false
	}
	select {
	case h.queue <- ev:
		return true
	default:
		return false
	}
}

// Close closes the queue and waits for the worker pool to stop: any
// events already queued are processed before workers exit.
func (h *Hook) Close() error {
	close(h.queue)
	err := h.group.Wait()
	h.cancelWorkers()
	return err
}
