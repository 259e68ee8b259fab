// Package fsiface declares the external collaborators spec §6 treats
// as out of scope for this system: the host filesystem's B-tree
// traversal, logical-to-physical mapping, and checksum lookup, plus
// the event-system surface the scrubber consumes. The orchestrator,
// walker, checksum, and event packages depend only on these
// interfaces; fsiface/fake supplies an in-memory implementation for
// tests and the CLI demo.
package fsiface

import (
	"context"

	"github.com/intellect4all/duetscrub/common"
)

// StripeLayout describes one chunk's mapping to per-device stripes.
type StripeLayout struct {
	ChunkOffset uint64
	StripeLen   uint64
	Mirrors     []Stripe
}

// Stripe is one device's share of a chunk.
type Stripe struct {
	Device   common.DeviceID
	Physical uint64
}

// ExtentKey identifies a search position in the extent tree.
type ExtentKey struct {
	Objectid uint64
	Offset   uint64
}

// ExtentItem is one extent-tree entry: a logical range, whether it
// holds metadata (checksummed by header fields) or data (checksummed
// by CRC32), and its generation.
type ExtentItem struct {
	Key        ExtentKey
	Logical    uint64
	Length     uint64
	IsMetadata bool
	Generation uint64
	NoDataSum  bool
}

// Csum is one checksum-tree entry covering [Start, Start+Len).
type Csum struct {
	Start uint64
	Len   uint64
	CRC32 uint32
}

// MapFlags qualifies a MapBlock request.
type MapFlags int

const (
	// MapReadRegular resolves the logical range to its normal device
	// placement.
	MapReadRegular MapFlags = iota
	// MapGetReadMirrors resolves every redundant mirror of the range,
	// for the checksum error handler (§4.7).
	MapGetReadMirrors
)

// PhysicalLocation is one (device, physical offset) resolution of a
// logical range.
type PhysicalLocation struct {
	Device   common.DeviceID
	Physical uint64
	Mirror   int
}

// Filesystem is the collaborator of spec §6: everything the walker,
// event pipeline, and checksum handler need from the host copy-on-write
// filesystem, deliberately out of scope to implement for real (§1).
type Filesystem interface {
	// LookupChunk resolves a chunk's stripe layout.
	LookupChunk(ctx context.Context, chunkOffset uint64) (StripeLayout, error)

	// SearchExtentItem returns the first extent item at or after key.
	SearchExtentItem(ctx context.Context, key ExtentKey) (ExtentItem, bool, error)
	// NextLeaf advances past the given extent item's key.
	NextLeaf(ctx context.Context, after ExtentKey) (ExtentItem, bool, error)

	// LookupCsumsRange fetches checksums covering [start, end).
	LookupCsumsRange(ctx context.Context, start, end uint64) ([]Csum, error)

	// MapBlock resolves a logical address to its physical device
	// location(s).
	MapBlock(ctx context.Context, logical uint64, flags MapFlags) ([]PhysicalLocation, error)

	// ResolveInodePage resolves (inode, pageIndex) to a logical byte
	// offset, for the event pipeline (§4.4).
	ResolveInodePage(ctx context.Context, inode, pageIndex uint64) (logical uint64, ok bool, err error)

	// ReadPage reads PageSize bytes at the given device/physical
	// offset/mirror.
	ReadPage(ctx context.Context, dev common.DeviceID, physical uint64, mirror int) ([]byte, error)
	// WritePage writes a repaired page back to the given device.
	WritePage(ctx context.Context, dev common.DeviceID, physical uint64, data []byte) error

	// DeviceStart returns a device's starting sector (§4.4's
	// device_absolute_offset computation uses *512).
	DeviceStart(dev common.DeviceID) (startSector uint64, err error)
}

// EventSystem is the scrubber-facing surface of the event pipeline
// (§6): fetch/mark/unmark/check, parameterized over an opaque task
// handle so fsiface callers never need the event package's own types.
type EventSystem interface {
	Fetch(task string, n int) []EventRecord
	Mark(task string, offset, length uint64) error
	Unmark(task string, offset, length uint64) error
	Check(task string, offset, length uint64) (bool, error)
}

// EventRecord mirrors event.Item without importing the event package,
// keeping fsiface dependency-free of the concrete pipeline.
type EventRecord struct {
	Inode      uint64
	PageIndex  uint64
	Added      bool
	Modified   bool
	Filesystem string
}
