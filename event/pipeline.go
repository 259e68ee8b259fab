package event

import (
	"context"

	"github.com/intellect4all/duetscrub/common"
)

// Marker is the subset of bittree.Tree the pipeline needs: mark/unmark
// over a byte range, keeping this package independent of bittree's
// concrete type (the scrubber wires a *bittree.Tree in).
type Marker interface {
	Mark(offset, length uint64) error
	Unmark(offset, length uint64) error
}

// InodeResolver resolves (inode, page_index) to a logical byte offset
// and device/physical location, standing in for the filesystem's
// iget/extent_map + map_block collaborators (§6).
type InodeResolver interface {
	ResolveInodePage(ctx context.Context, inode, pageIndex uint64) (logical uint64, ok bool, err error)
	MapLogical(ctx context.Context, logical uint64) (dev common.DeviceID, physical uint64, ok bool, err error)
	DeviceStart(dev common.DeviceID) (startSector uint64, err error)
}

// Pipeline is the scrubber-side drain loop of §4.4: it pulls items
// from a Store, resolves each to a device-absolute physical offset,
// and marks/unmarks the task's BitTree accordingly.
type Pipeline struct {
	Store    *Store
	Resolver InodeResolver
	Tree     Marker
	// ScrubDevice restricts marking to events that land on this
	// device; events resolving elsewhere are ignored (§4.4 step 3).
	ScrubDevice common.DeviceID
}

// DrainBatch is the number of items pulled per Drain call (§4.4: "up
// to 256 items").
const DrainBatch = 256

// Drain processes up to DrainBatch items. It returns more=true if any
// item required touching the disk (a fault-in) or if the store still
// holds pending items — in either case the caller should process one
// stripe before draining again, per §4.4's return-value contract.
func (p *Pipeline) Drain(ctx context.Context) (more bool, err error) {
	items := p.Store.Fetch(DrainBatch)
	if len(items) == 0 {
		return false, nil
	}

	for _, item := range items {
		touched, err := p.apply(ctx, item)
		if err != nil {
			return true, err
		}
		if touched {
			more = true
		}
	}

	if p.Store.Len() > 0 {
		more = true
	}
	return more, nil
}

func (p *Pipeline) apply(ctx context.Context, item Item) (touched bool, err error) {
	logical, ok, err := p.Resolver.ResolveInodePage(ctx, item.Inode, item.PageIndex)
	if err != nil {
		return false, err
	}
	if !ok {
		// inode was never registered: there is no page to map, so the
		// event is dropped rather than resolved against a zero offset.
		return true, nil
	}

	dev, physical, ok, err := p.Resolver.MapLogical(ctx, logical)
	if err != nil {
		return touched, err
	}
	if !ok || dev != p.ScrubDevice {
		return touched, nil
	}

	startSector, err := p.Resolver.DeviceStart(dev)
	if err != nil {
		return touched, err
	}
	absOffset := startSector*512 + physical

	switch {
	case item.Mask == Added:
		err = p.Tree.Mark(absOffset, common.PageSize)
	case item.Mask&Modified != 0:
		err = p.Tree.Unmark(absOffset, common.PageSize)
	}
	return touched, err
}
