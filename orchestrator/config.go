package orchestrator

import (
	"time"

	"github.com/intellect4all/duetscrub/checksum"
	"github.com/intellect4all/duetscrub/common"
	"github.com/intellect4all/duetscrub/walker"
)

// Config holds the knobs a scrub run is started with, in a
// Config/DefaultConfig shape.
type Config struct {
	// Adaptive selects the bio pool's exhaustion behavior (§4.5): true
	// means Acquire times out and retries rather than blocking, which
	// the rate controller needs in order to resize the pool mid-run.
	Adaptive bool
	// FixedBios is the pool's starting size; the rate controller may
	// grow or shrink it afterward when Deadline is non-zero.
	FixedBios int32
	// BioWorkers is the number of completion-worker goroutines draining
	// the pool's completion channel.
	BioWorkers int

	// EventQueueDepth and EventWorkers size the Hook's ingestion queue
	// and dispatch pool (§4.3).
	EventQueueDepth int
	EventWorkers    int

	// Deadline is the point by which the scrub should finish; the zero
	// Time disables pacing entirely (§4.8).
	Deadline time.Time

	// DevReplaceTarget, if set, makes every verified-good block also get
	// written to this device (§1 device-replace mode).
	DevReplaceTarget *common.DeviceID

	// ReadHeader decodes a metadata block's embedded header; callers
	// against a real filesystem supply its actual layout (§4.7).
	ReadHeader checksum.HeaderReader

	// SuperblockVerify checks one superblock copy's raw bytes; nil
	// selects a default presence check.
	SuperblockVerify walker.SuperblockVerifier

	// UncorrectableLogInterval bounds how often the rate-limited
	// "uncorrectable blocks" log line (§7) may fire, in lines/second.
	UncorrectableLogInterval float64
}

// DefaultConfig returns sensible defaults: a fixed-size pool large
// enough for useful parallelism, no deadline (pacing disabled), and an
// uncorrectable-error log line throttled to once a second.
func DefaultConfig() Config {
	return Config{
		Adaptive:                 false,
		FixedBios:                32,
		BioWorkers:               4,
		EventQueueDepth:          1024,
		EventWorkers:             2,
		UncorrectableLogInterval: 1,
	}
}
