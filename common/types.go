package common

import "sync/atomic"

// Fixed sizing constants shared across the scrub pipeline (§3, §4.5,
// §4.8). These mirror the duet-sosp/btrfs originals.
const (
	// PageSize is the unit of I/O the event pipeline and bio pool
	// operate on.
	PageSize = 4096
	// PagesPerRdBio bounds how many pages a single read bio carries.
	PagesPerRdBio = 32
	// MaxPagesPerBlock bounds how many pages one checksummed logical
	// block (extent) may be split across.
	MaxPagesPerBlock = 16
	// MaxMirrors bounds how many redundant copies of a logical range
	// the checksum error handler will consider.
	MaxMirrors = 4
	// MaxBiosPerSctx caps the rate controller's pool growth (§4.8).
	MaxBiosPerSctx = 1024
)

// DeviceID identifies one block device participating in a scrub. In a
// multi-device filesystem a chunk's stripes may span several of these;
// the scrubber only ever issues bios against the one it was asked to
// scrub (§1: device-replace mode substitutes a second, target device).
type DeviceID uint64

// Progress is the statistics record returned to the caller at the end
// of (or polled during) a scrub, per §6.
type Progress struct {
	DataExtentsScrubbed atomic.Int64
	DataBytesScrubbed   atomic.Int64
	TreeExtentsScrubbed atomic.Int64
	TreeBytesScrubbed   atomic.Int64
	DataBytesVerified   atomic.Int64
	TreeBytesVerified   atomic.Int64

	NoCsum             atomic.Int64
	CsumErrors         atomic.Int64
	SuperErrors        atomic.Int64
	ReadErrors         atomic.Int64
	VerifyErrors       atomic.Int64
	CorrectedErrors    atomic.Int64
	UncorrectableErrors atomic.Int64
	UnverifiedErrors   atomic.Int64
	SyncErrors         atomic.Int64
	CsumDiscards       atomic.Int64
	MallocErrors       atomic.Int64
	// WriteErrors counts failed repair writes (§7: "a failed repair
	// write increments num_write_errors and the block is considered
	// uncorrectable"); not one of §6's enumerated Progress fields but
	// needed to carry that error-handling detail through.
	WriteErrors atomic.Int64

	LastPhysical atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy of Progress suitable for
// logging, JSON encoding, or returning from an ioctl-style status call.
type Snapshot struct {
	DataExtentsScrubbed int64
	DataBytesScrubbed   int64
	TreeExtentsScrubbed int64
	TreeBytesScrubbed   int64
	DataBytesVerified   int64
	TreeBytesVerified   int64

	NoCsum              int64
	CsumErrors          int64
	SuperErrors         int64
	ReadErrors          int64
	VerifyErrors        int64
	CorrectedErrors     int64
	UncorrectableErrors int64
	UnverifiedErrors    int64
	SyncErrors          int64
	CsumDiscards        int64
	MallocErrors        int64
	WriteErrors         int64

	LastPhysical int64
}

// Snapshot takes a consistent-enough (field-at-a-time atomic loads)
// copy of p for reporting purposes.
func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		DataExtentsScrubbed: p.DataExtentsScrubbed.Load(),
		DataBytesScrubbed:   p.DataBytesScrubbed.Load(),
		TreeExtentsScrubbed: p.TreeExtentsScrubbed.Load(),
		TreeBytesScrubbed:   p.TreeBytesScrubbed.Load(),
		DataBytesVerified:   p.DataBytesVerified.Load(),
		TreeBytesVerified:   p.TreeBytesVerified.Load(),
		NoCsum:              p.NoCsum.Load(),
		CsumErrors:          p.CsumErrors.Load(),
		SuperErrors:         p.SuperErrors.Load(),
		ReadErrors:          p.ReadErrors.Load(),
		VerifyErrors:        p.VerifyErrors.Load(),
		CorrectedErrors:     p.CorrectedErrors.Load(),
		UncorrectableErrors: p.UncorrectableErrors.Load(),
		UnverifiedErrors:    p.UnverifiedErrors.Load(),
		SyncErrors:          p.SyncErrors.Load(),
		CsumDiscards:        p.CsumDiscards.Load(),
		MallocErrors:        p.MallocErrors.Load(),
		WriteErrors:         p.WriteErrors.Load(),
		LastPhysical:        p.LastPhysical.Load(),
	}
}

// BytesScrubbed returns data + tree bytes scrubbed, the quantity the
// rate controller paces against.
func (s Snapshot) BytesScrubbed() int64 {
	return s.DataBytesScrubbed + s.TreeBytesScrubbed
}

// AddCsumError, AddVerifyError, AddCorrected, AddUncorrectable,
// AddUnverified, and AddWriteError implement checksum.Stats, letting
// the checksum package update a scrub run's Progress record without
// importing it.
func (p *Progress) AddCsumError()     { p.CsumErrors.Add(1) }
func (p *Progress) AddVerifyError()   { p.VerifyErrors.Add(1) }
func (p *Progress) AddCorrected()     { p.CorrectedErrors.Add(1) }
func (p *Progress) AddUncorrectable() { p.UncorrectableErrors.Add(1) }
func (p *Progress) AddUnverified()    { p.UnverifiedErrors.Add(1) }
func (p *Progress) AddWriteError()    { p.WriteErrors.Add(1) }
