// Package scrubio implements the reference-counted scrub page/block
// objects and the resizable bio pool of spec §3 and §4.5.
package scrubio

import (
	"sync/atomic"

	"github.com/intellect4all/duetscrub/common"
)

// Page is a reference-counted scrub page: the unit of I/O belonging to
// one ScrubBlock. Allocated when a read is scheduled; the underlying
// buffer is released to the GC when the last reference drops, mirroring
// the refcount-then-close pattern of the pack's segment objects.
type Page struct {
	refCount atomic.Int32

	Block    *Block
	Device   common.DeviceID
	Logical  uint64
	Physical uint64
	Data     []byte

	HasCsum bool
	Csum    uint32
	Mirror  int

	IOError atomic.Bool
}

// NewPage allocates a page with refcount 1, owned by block.
func NewPage(block *Block, dev common.DeviceID, logical, physical uint64, size int) *Page {
	p := &Page{
		Block:    block,
		Device:   dev,
		Logical:  logical,
		Physical: physical,
		Data:     make([]byte, size),
	}
	p.refCount.Store(1)
	return p
}

// Acquire adds a reference; it returns false if the page has already
// been freed (refcount at or below zero).
func (p *Page) Acquire() bool {
	for {
		cur := p.refCount.Load()
		if cur <= 0 {
			return false
		}
		if p.refCount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release drops a reference; the last holder clears the back-pointer
// to its block, breaking the Block<->Page cycle (§9 Design Notes).
func (p *Page) Release() {
	if p.refCount.Add(-1) <= 0 {
		p.Block = nil
		p.Data = nil
	}
}
