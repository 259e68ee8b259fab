package walker

import (
	"context"

	"github.com/intellect4all/duetscrub/common"
	"github.com/intellect4all/duetscrub/fsiface"
)

// SuperblockOffsets are the fixed physical offsets a copy-on-write
// filesystem keeps redundant superblock copies at (64KiB, 64MiB,
// 256GiB), recovered from original_source/fs/btrfs/scrub.c's
// scrub_supers — a pass the distilled spec dropped but didn't exclude.
var SuperblockOffsets = []uint64{
	64 * 1024,
	64 * 1024 * 1024,
	256 * 1024 * 1024 * 1024,
}

// SuperblockVerifier checks one superblock copy's raw bytes, standing
// in for the real magic/checksum/generation validation — filesystem-
// internal and out of this spec's scope (§1).
type SuperblockVerifier func(data []byte) bool

// ScrubSuperBlocks reads and verifies every superblock copy that fits
// within deviceSize, incrementing Progress.SuperErrors on a read
// failure or a failed verification. It never attempts repair:
// superblocks aren't mirrored the way extents are, matching the
// original, which only counts and logs.
func ScrubSuperBlocks(ctx context.Context, fs fsiface.Filesystem, dev common.DeviceID, deviceSize uint64, verify SuperblockVerifier, progress *common.Progress) error {
	for _, off := range SuperblockOffsets {
		if off+common.PageSize > deviceSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := fs.ReadPage(ctx, dev, off, 0)
		if err != nil {
			progress.SuperErrors.Add(1)
			continue
		}
		if !verify(data) {
			progress.SuperErrors.Add(1)
		}
	}
	return nil
}
