package orchestrator

import (
	"context"

	"github.com/intellect4all/duetscrub/common"
	"github.com/intellect4all/duetscrub/fsiface"
)

// fsResolver adapts fsiface.Filesystem to event.InodeResolver, the
// narrower surface the drain loop needs (§4.4).
type fsResolver struct {
	fs fsiface.Filesystem
}

func (r *fsResolver) ResolveInodePage(ctx context.Context, inode, pageIndex uint64) (uint64, bool, error) {
	return r.fs.ResolveInodePage(ctx, inode, pageIndex)
}

func (r *fsResolver) MapLogical(ctx context.Context, logical uint64) (common.DeviceID, uint64, bool, error) {
	locs, err := r.fs.MapBlock(ctx, logical, fsiface.MapReadRegular)
	if err != nil {
		return 0, 0, false, err
	}
	if len(locs) == 0 {
		return 0, 0, false, nil
	}
	return locs[0].Device, locs[0].Physical, true, nil
}

func (r *fsResolver) DeviceStart(dev common.DeviceID) (uint64, error) {
	return r.fs.DeviceStart(dev)
}
