package scrubio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/intellect4all/duetscrub/common"
)

// OnBlockComplete is invoked exactly once, when a block's outstanding
// page count reaches zero. The scrub context wires this to
// checksum.VerifyAndRepair.
type OnBlockComplete func(ctx context.Context, block *Block) error

// Block is a reference-counted aggregate of 1..=MaxPagesPerBlock pages
// belonging to one checksummed logical extent (§3).
type Block struct {
	refCount atomic.Int32

	mu    sync.Mutex
	pages []*Page

	outstanding atomic.Int32

	Device     common.DeviceID
	Logical    uint64
	Length     uint64
	IsMetadata bool
	Generation uint64
	ExpectedCRC uint32 // data extents: CRC32 over the block's bytes
	Bytenr      uint64 // metadata extents: expected header bytenr
	NoDataSum   bool

	HeaderError     bool
	ChecksumError   bool
	NoIOErrorSeen   bool
	GenerationError bool

	onComplete OnBlockComplete
}

// NewBlock allocates an empty block awaiting pages.
func NewBlock(dev common.DeviceID, logical, length uint64, isMetadata bool, onComplete OnBlockComplete) *Block {
	b := &Block{
		Device:        dev,
		Logical:       logical,
		Length:        length,
		IsMetadata:    isMetadata,
		NoIOErrorSeen: true,
		onComplete:    onComplete,
	}
	b.refCount.Store(1)
	return b
}

// AddPage appends a page to the block, bumping the outstanding-pages
// counter. Must be called before the block is submitted for I/O.
func (b *Block) AddPage(p *Page) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pages) >= common.MaxPagesPerBlock {
		return fmt.Errorf("scrubio: block already holds %d pages (max %d)", len(b.pages), common.MaxPagesPerBlock)
	}
	b.pages = append(b.pages, p)
	b.outstanding.Add(1)
	return nil
}

// Pages returns the block's pages. Callers must not mutate the slice.
func (b *Block) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages
}

// PageFailed marks a page's I/O error flag and clears the block's
// no-io-error-seen flag, per §4.7 step 1.
func (b *Block) PageFailed(p *Page) {
	p.IOError.Store(true)
	b.mu.Lock()
	b.NoIOErrorSeen = false
	b.mu.Unlock()
}

// PageDone decrements the outstanding-pages counter; at zero it
// invokes onComplete exactly once (§3: "Block completion: when
// outstanding_pages reaches zero, verify checksum").
func (b *Block) PageDone(ctx context.Context) error {
	if b.outstanding.Add(-1) != 0 {
		return nil
	}
	if b.onComplete == nil {
		return nil
	}
	return b.onComplete(ctx, b)
}

// Acquire adds a reference to the block.
func (b *Block) Acquire() bool {
	for {
		cur := b.refCount.Load()
		if cur <= 0 {
			return false
		}
		if b.refCount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release drops a reference; the last holder releases every page,
// breaking the ScrubBlock<->ScrubPage cycle (§9 Design Notes).
func (b *Block) Release() {
	if b.refCount.Add(-1) > 0 {
		return
	}
	b.mu.Lock()
	pages := b.pages
	b.pages = nil
	b.mu.Unlock()
	for _, p := range pages {
		p.Release()
	}
}
