// Package fake provides a small, deterministic in-memory filesystem
// implementing fsiface.Filesystem, used to drive the orchestrator,
// walker, checksum, and rate controller end to end without a real
// copy-on-write filesystem underneath (SPEC_FULL.md §10) — the same
// role the teacher's cmd/demo plays against a throwaway os.File
// directory.
package fake

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/intellect4all/duetscrub/common"
	"github.com/intellect4all/duetscrub/fsiface"
)

type extent struct {
	item fsiface.ExtentItem
}

type mirrorLoc struct {
	device   common.DeviceID
	physical uint64
}

// FS is a single-chunk, fixed-stripe-length fake filesystem: every
// logical byte maps 1:1 to a physical offset on the primary device,
// mirrored verbatim onto zero or more mirror devices.
type FS struct {
	mu sync.Mutex

	primary common.DeviceID
	mirrors []common.DeviceID

	deviceData map[common.DeviceID][]byte
	deviceSize uint64

	extents []extent
	csums   map[uint64]uint32 // logical start -> crc32 of PageSize bytes at that start

	inodePages map[[2]uint64]uint64 // (inode, pageIndex) -> logical

	readErrors    map[mirrorLoc]bool
	corruptedData map[mirrorLoc]bool
}

// New creates a fake filesystem spanning sizeBytes on the primary
// device, replicated onto the given mirror devices.
func New(primary common.DeviceID, mirrors []common.DeviceID, sizeBytes uint64) *FS {
	f := &FS{
		primary:       primary,
		mirrors:       mirrors,
		deviceData:    map[common.DeviceID][]byte{},
		deviceSize:    sizeBytes,
		csums:         map[uint64]uint32{},
		inodePages:    map[[2]uint64]uint64{},
		readErrors:    map[mirrorLoc]bool{},
		corruptedData: map[mirrorLoc]bool{},
	}
	f.deviceData[primary] = make([]byte, sizeBytes)
	for _, m := range mirrors {
		f.deviceData[m] = make([]byte, sizeBytes)
	}
	return f
}

// AddExtent registers a data or metadata extent covering
// [logical, logical+length), sets every one of its bytes to fill, and
// computes and stores per-page checksums.
func (f *FS) AddExtent(logical, length uint64, isMetadata bool, fill byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.extents = append(f.extents, extent{item: fsiface.ExtentItem{
		Key:        fsiface.ExtentKey{Objectid: logical, Offset: 0},
		Logical:    logical,
		Length:     length,
		IsMetadata: isMetadata,
	}})
	sort.Slice(f.extents, func(i, j int) bool { return f.extents[i].item.Logical < f.extents[j].item.Logical })

	primary := f.deviceData[f.primary]
	for off := uint64(0); off < length; off++ {
		primary[logical+off] = fill
	}
	for _, m := range f.mirrors {
		copy(f.deviceData[m][logical:logical+length], primary[logical:logical+length])
	}

	for start := logical; start < logical+length; start += common.PageSize {
		end := start + common.PageSize
		if end > logical+length {
			end = logical + length
		}
		h := crc32.NewIEEE()
		h.Write(primary[start:end])
		f.csums[start] = h.Sum32()
	}
}

// AddMetadataExtent registers a metadata extent and writes a 16-byte
// header (bytenr, generation, little-endian) into the first bytes of
// each constituent page, so a HeaderReader can validate it the way
// checksum.VerifyAndRepair expects real tree-block headers to work.
func (f *FS) AddMetadataExtent(logical, length, generation uint64) {
	f.mu.Lock()
	f.extents = append(f.extents, extent{item: fsiface.ExtentItem{
		Key:        fsiface.ExtentKey{Objectid: logical},
		Logical:    logical,
		Length:     length,
		IsMetadata: true,
		Generation: generation,
	}})
	sort.Slice(f.extents, func(i, j int) bool { return f.extents[i].item.Logical < f.extents[j].item.Logical })
	f.mu.Unlock()

	for off := uint64(0); off < length; off += common.PageSize {
		pageLogical := logical + off
		header := make([]byte, 16)
		binary.LittleEndian.PutUint64(header[0:8], pageLogical)
		binary.LittleEndian.PutUint64(header[8:16], generation)

		f.mu.Lock()
		primary := f.deviceData[f.primary]
		end := pageLogical + common.PageSize
		if end > uint64(len(primary)) {
			end = uint64(len(primary))
		}
		copy(primary[pageLogical:end], header)
		for _, m := range f.mirrors {
			copy(f.deviceData[m][pageLogical:end], primary[pageLogical:end])
		}
		f.mu.Unlock()
	}
}

// MapInodePage registers a logical offset for (inode, pageIndex), for
// the event pipeline's ResolveInodePage.
func (f *FS) MapInodePage(inode, pageIndex, logical uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inodePages[[2]uint64{inode, pageIndex}] = logical
}

// CorruptPage flips the bytes at a physical offset on dev without
// updating the stored checksum, simulating bitrot that a scrub must
// detect (spec §8 scenario 2/3).
func (f *FS) CorruptPage(dev common.DeviceID, physical uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.deviceData[dev]
	end := physical + common.PageSize
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	for i := physical; i < end; i++ {
		data[i] ^= 0xFF
	}
	f.corruptedData[mirrorLoc{dev, physical}] = true
}

// InjectReadError makes any ReadPage against (dev, physical) fail.
func (f *FS) InjectReadError(dev common.DeviceID, physical uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErrors[mirrorLoc{dev, physical}] = true
}

// LookupChunk always returns a single-stripe layout spanning the
// primary and mirror devices at identical physical offsets.
func (f *FS) LookupChunk(ctx context.Context, chunkOffset uint64) (fsiface.StripeLayout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	layout := fsiface.StripeLayout{
		ChunkOffset: 0,
		StripeLen:   f.deviceSize,
		Mirrors:     []fsiface.Stripe{{Device: f.primary, Physical: 0}},
	}
	for _, m := range f.mirrors {
		layout.Mirrors = append(layout.Mirrors, fsiface.Stripe{Device: m, Physical: 0})
	}
	return layout, nil
}

func (f *FS) SearchExtentItem(ctx context.Context, key fsiface.ExtentKey) (fsiface.ExtentItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.extents {
		if e.item.Logical >= key.Objectid {
			return e.item, true, nil
		}
	}
	return fsiface.ExtentItem{}, false, nil
}

func (f *FS) NextLeaf(ctx context.Context, after fsiface.ExtentKey) (fsiface.ExtentItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.extents {
		if e.item.Logical > after.Objectid {
			return e.item, true, nil
		}
	}
	return fsiface.ExtentItem{}, false, nil
}

func (f *FS) LookupCsumsRange(ctx context.Context, start, end uint64) ([]fsiface.Csum, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []fsiface.Csum
	for off := start - start%common.PageSize; off < end; off += common.PageSize {
		crc, ok := f.csums[off]
		if !ok {
			continue
		}
		out = append(out, fsiface.Csum{Start: off, Len: common.PageSize, CRC32: crc})
	}
	return out, nil
}

func (f *FS) MapBlock(ctx context.Context, logical uint64, flags fsiface.MapFlags) ([]fsiface.PhysicalLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	locs := []fsiface.PhysicalLocation{{Device: f.primary, Physical: logical, Mirror: 0}}
	if flags == fsiface.MapGetReadMirrors {
		for i, m := range f.mirrors {
			locs = append(locs, fsiface.PhysicalLocation{Device: m, Physical: logical, Mirror: i + 1})
		}
	}
	return locs, nil
}

func (f *FS) ResolveInodePage(ctx context.Context, inode, pageIndex uint64) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	logical, ok := f.inodePages[[2]uint64{inode, pageIndex}]
	return logical, ok, nil
}

func (f *FS) ReadPage(ctx context.Context, dev common.DeviceID, physical uint64, mirror int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErrors[mirrorLoc{dev, physical}] {
		return nil, fmt.Errorf("fake: read error at device %d physical %d", dev, physical)
	}
	data, ok := f.deviceData[dev]
	if !ok {
		return nil, fmt.Errorf("fake: unknown device %d", dev)
	}
	end := physical + common.PageSize
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	out := make([]byte, end-physical)
	copy(out, data[physical:end])
	return out, nil
}

func (f *FS) WritePage(ctx context.Context, dev common.DeviceID, physical uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	target, ok := f.deviceData[dev]
	if !ok {
		return fmt.Errorf("fake: unknown device %d", dev)
	}
	copy(target[physical:], data)
	delete(f.corruptedData, mirrorLoc{dev, physical})
	delete(f.readErrors, mirrorLoc{dev, physical})
	return nil
}

func (f *FS) DeviceStart(dev common.DeviceID) (uint64, error) {
	return 0, nil
}

// Size returns the device's total byte capacity.
func (f *FS) Size() uint64 { return f.deviceSize }

// Primary returns the device ID under scrub.
func (f *FS) Primary() common.DeviceID { return f.primary }
