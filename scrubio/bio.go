package scrubio

import (
	"time"

	"github.com/intellect4all/duetscrub/common"
)

// BioState is the state machine of a bio slot (§4.8):
// Free -> Filling -> InFlight -> (CompleteNeedsDelay -> TimerPending ->
// CompleteReady) -> (Free | Removed).
type BioState int32

const (
	BioFree BioState = iota
	BioFilling
	BioInFlight
	BioCompleteNeedsDelay
	BioTimerPending
	BioCompleteReady
	BioRemoved
)

// noFree is the free-list sentinel.
const noFree int32 = -1

// Bio is a reusable bio descriptor occupying one pool slot (§3).
type Bio struct {
	Index int32

	Device   common.DeviceID
	Physical uint64
	Logical  uint64
	Pages    []*Page
	Err      error

	State BioState

	nextFree int32

	TStart time.Time
}

func newBio(index int32) *Bio {
	return &Bio{Index: index, State: BioFree, nextFree: noFree}
}

// reset clears a bio for reuse, keeping its Index and free-list link.
func (b *Bio) reset() {
	b.Device = 0
	b.Physical = 0
	b.Logical = 0
	b.Pages = nil
	b.Err = nil
	b.TStart = time.Time{}
}
