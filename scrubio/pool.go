package scrubio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/intellect4all/duetscrub/common"
)

// WaitTimeout bounds how long an adaptive-mode Acquire waits for a
// free bio before giving up, so the walker can observe pause requests
// promptly (§5).
const WaitTimeout = 5 * time.Millisecond

// CompletionHandler runs once per completed bio, in a worker goroutine,
// before the bio is returned to the pool (§6: bio-completion worker
// pool wired to the checksum package).
type CompletionHandler func(ctx context.Context, bio *Bio) error

// PageDoneOnComplete returns the CompletionHandler the orchestrator
// wires the walker's Pool to: for each page the completed bio carried, mark the
// page failed if the bio's I/O errored, then signal PageDone on the
// owning block, which fires that block's own OnBlockComplete exactly
// once its last outstanding page lands.
func PageDoneOnComplete() CompletionHandler {
	return func(ctx context.Context, bio *Bio) error {
		if bio.Err != nil {
			for _, p := range bio.Pages {
				p.Block.PageFailed(p)
			}
		}
		for _, p := range bio.Pages {
			if err := p.Block.PageDone(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Pool is the resizable array of pre-allocated bio descriptors
// threaded through a free list (§4.5).
type Pool struct {
	sizeMu sync.Mutex // protects size/capacity changes

	flMu     sync.Mutex // protects the free list and curr
	cond     *sync.Cond
	bios     []*Bio
	freeHead int32
	curr     int32

	biosPerSctx     int32
	biosAllocSize   int32
	pendingRemovals int32

	adaptive bool

	biosInFlight  atomic.Int32
	biosAllocated atomic.Int64

	completions chan *Bio
	group       *errgroup.Group
	cancel      context.CancelFunc
	onComplete  CompletionHandler
}

// NewPool allocates a pool of size bios and starts workers completions
// workers fanning bio completions out through onComplete before
// releasing each bio, grounded on the pack's errgroup worker-pool
// shape (§2 domain stack).
func NewPool(ctx context.Context, size int32, adaptive bool, workers int, onComplete CompletionHandler) *Pool {
	p := &Pool{
		bios:        make([]*Bio, size),
		freeHead:    noFree,
		curr:        noFree,
		adaptive:    adaptive,
		completions: make(chan *Bio, size),
		onComplete:  onComplete,
	}
	p.cond = sync.NewCond(&p.flMu)

	for i := int32(0); i < size; i++ {
		b := newBio(i)
		p.bios[i] = b
		p.pushFree(b)
	}
	p.biosPerSctx = size
	p.biosAllocSize = size

	workerCtx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(workerCtx)
	p.cancel = cancel
	p.group = g

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case bio, ok := <-p.completions:
					if !ok {
						return nil
					}
					p.runCompletion(gCtx, bio)
				case <-gCtx.Done():
					return gCtx.Err()
				}
			}
		})
	}

	return p
}

func (p *Pool) runCompletion(ctx context.Context, bio *Bio) {
	if p.onComplete != nil {
		if err := p.onComplete(ctx, bio); err != nil {
			bio.Err = err
		}
	}
	p.Release(bio.Index)
}

// pushFree links b onto the head of the free list. Caller holds flMu
// (or calls before the pool is shared, e.g. during NewPool).
func (p *Pool) pushFree(b *Bio) {
	b.State = BioFree
	b.nextFree = p.freeHead
	p.freeHead = b.Index
}

// popFree unlinks and returns the head of the free list, or nil.
func (p *Pool) popFree() *Bio {
	if p.freeHead == noFree {
		return nil
	}
	b := p.bios[p.freeHead]
	p.freeHead = b.nextFree
	b.nextFree = noFree
	return b
}

// Acquire returns the bio currently being filled, popping a fresh one
// from the free list if none is in progress. In adaptive mode, a wait
// that exceeds WaitTimeout returns ErrNoFreeBio so the caller can poll
// for pause/cancel; in fixed mode it blocks until one is released.
func (p *Pool) Acquire(ctx context.Context) (*Bio, error) {
	p.flMu.Lock()
	defer p.flMu.Unlock()

	if p.curr != noFree {
		return p.bios[p.curr], nil
	}

	b := p.popFree()
	if b == nil {
		if p.adaptive {
			p.waitWithTimeout(WaitTimeout)
			b = p.popFree()
			if b == nil {
				return nil, common.ErrNoFreeBio
			}
		} else {
			for p.freeHead == noFree {
				p.cond.Wait()
			}
			b = p.popFree()
		}
	}

	b.State = BioFilling
	p.curr = b.Index
	return b, nil
}

// waitWithTimeout waits on p.cond for up to d, returning false if it
// timed out. Caller holds flMu.
func (p *Pool) waitWithTimeout(d time.Duration) bool {
	timedOut := false
	timer := time.AfterFunc(d, func() {
		p.flMu.Lock()
		timedOut = true
		p.cond.Broadcast()
		p.flMu.Unlock()
	})
	defer timer.Stop()

	for p.freeHead == noFree && !timedOut {
		p.cond.Wait()
	}
	return !timedOut
}

// Submit dispatches the bio currently being filled: it becomes
// in-flight and curr is cleared.
func (p *Pool) Submit() {
	p.flMu.Lock()
	idx := p.curr
	p.curr = noFree
	p.flMu.Unlock()

	if idx == noFree {
		return
	}
	bio := p.bios[idx]
	bio.State = BioInFlight
	bio.TStart = time.Now()
	p.biosInFlight.Add(1)
	p.biosAllocated.Add(1)
}

// Complete enqueues a finished bio for the completion worker pool. The
// caller (walker/fake device) calls this once a bio's I/O is done.
func (p *Pool) Complete(idx int32, err error) {
	bio := p.bios[idx]
	bio.Err = err
	bio.State = BioCompleteReady
	p.biosInFlight.Add(-1)
	p.completions <- bio
}

// Release returns a bio to the free list, or — if pending removals are
// outstanding — shrinks the pool by removing its slot entirely (§4.5).
func (p *Pool) Release(idx int32) {
	p.sizeMu.Lock()
	removing := p.adaptive && p.pendingRemovals > 0
	p.sizeMu.Unlock()

	if removing {
		p.remove(idx)
		return
	}

	p.flMu.Lock()
	p.bios[idx].reset()
	p.pushFree(p.bios[idx])
	p.flMu.Unlock()
	p.cond.Broadcast()
}

// Grow increases the pool's logical and (if needed) physical size.
// Physical reallocation only happens when newSize exceeds the current
// allocation capacity (§4.5).
func (p *Pool) Grow(newSize int32) {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()

	if newSize <= p.biosAllocSize {
		p.biosPerSctx = newSize
		return
	}

	p.flMu.Lock()
	oldHead := p.freeHead
	p.freeHead = noFree
	for i := p.biosAllocSize; i < newSize; i++ {
		b := newBio(i)
		p.bios = append(p.bios, b)
		p.pushFree(b)
	}
	// existing free-list head is appended after the newly-freed block
	if oldHead != noFree {
		tail := p.bios[p.freeHead]
		for tail.nextFree != noFree {
			tail = p.bios[tail.nextFree]
		}
		tail.nextFree = oldHead
	}
	p.flMu.Unlock()

	p.biosAllocSize = newSize
	p.biosPerSctx = newSize
	p.cond.Broadcast()
}

// Shrink requests that the pool's logical size drop to newSize; the
// actual slot removal happens incrementally as in-flight bios complete
// and are released (§4.5).
func (p *Pool) Shrink(newSize int32) {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()
	if newSize >= p.biosPerSctx {
		return
	}
	p.pendingRemovals = p.biosPerSctx - newSize
}

// remove implements the swap-with-last compaction of §4.5: move the
// last bio into slot idx, fix up the stale index wherever it appears
// in the free list or curr, and shrink the backing array by one.
func (p *Pool) remove(idx int32) {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()

	p.flMu.Lock()
	last := int32(len(p.bios)) - 1
	if idx != last {
		moved := p.bios[last]
		moved.Index = idx
		p.bios[idx] = moved

		if p.curr == last {
			p.curr = idx
		}
		if p.freeHead == last {
			p.freeHead = idx
		}
		for _, b := range p.bios[:len(p.bios)-1] {
			if b.nextFree == last {
				b.nextFree = idx
			}
		}
	} else if p.freeHead == last {
		p.freeHead = noFree
	}
	p.bios = p.bios[:last]
	p.flMu.Unlock()

	p.biosPerSctx--
	p.biosAllocSize--
	p.pendingRemovals--
}

// Close stops the completion worker pool, draining whatever was
// already enqueued.
func (p *Pool) Close() error {
	close(p.completions)
	err := p.group.Wait()
	p.cancel()
	return err
}

// Len returns the pool's current logical size.
func (p *Pool) Len() int32 {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()
	return p.biosPerSctx
}

// FreeListLen walks the free list and returns its length — used by
// property tests to verify acyclicity (§8).
func (p *Pool) FreeListLen() int {
	p.flMu.Lock()
	defer p.flMu.Unlock()

	seen := make(map[int32]bool)
	n := 0
	for cur := p.freeHead; cur != noFree; {
		if seen[cur] {
			return -1 // cycle detected
		}
		seen[cur] = true
		n++
		cur = p.bios[cur].nextFree
	}
	return n
}

// InFlight returns the number of bios currently in flight.
func (p *Pool) InFlight() int32 { return p.biosInFlight.Load() }
