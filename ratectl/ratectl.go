// Package ratectl implements the adaptive rate controller of spec
// §4.8: given a deadline and observed progress, compute a
// (bios_per_sctx, delay) pair, grow/shrink the bio pool, and pace bio
// releases with a token bucket.
package ratectl

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/intellect4all/duetscrub/common"
)

// MinBioSize is PAGE_SIZE * PAGES_PER_RD_BIO: one bio's worth of
// bytes, the unit adjust_rate reasons about.
const MinBioSize = common.PageSize * common.PagesPerRdBio

// PoolResizer is the subset of scrubio.Pool the controller drives.
type PoolResizer interface {
	Grow(newSize int32)
	Shrink(newSize int32)
}

// Decision is the output of adjust_rate: how many bios should be in
// flight at once, and the per-bio delay (in bio-release units) to
// apply afterward.
type Decision struct {
	BiosPerSctx int32
	Delay       time.Duration
}

// Controller holds the deadline-driven pacing state of §4.8.
type Controller struct {
	Deadline time.Time
	Start    time.Time
	UsedBytes int64

	pool PoolResizer

	mu      sync.Mutex
	current Decision

	limiter *rate.Limiter
}

// New creates a controller targeting usedBytes over [start, deadline).
// A zero deadline (deadline == start) disables pacing entirely: delay
// stays zero and bios_per_sctx stays at the fixed default of 64, per
// §8's "For deadline=0 ... bios_per_sctx=64 constantly".
func New(pool PoolResizer, start, deadline time.Time, usedBytes int64) *Controller {
	c := &Controller{
		Deadline:  deadline,
		Start:     start,
		UsedBytes: usedBytes,
		pool:      pool,
		current:   Decision{BiosPerSctx: 64},
	}
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	return c
}

// adjustRate is the pure computation of §4.8's adjust_rate: given the
// bytes and time remaining, decide how many bios should be in flight
// and how long to delay each release.
func adjustRate(remBytes int64, remTime time.Duration) Decision {
	if remTime <= 0 {
		return Decision{BiosPerSctx: common.MaxBiosPerSctx, Delay: 0}
	}

	bytesPerSec := int64(float64(remBytes)/remTime.Seconds() + 0.999999)
	if bytesPerSec <= 0 {
		bytesPerSec = 1
	}

	if bytesPerSec < MinBioSize {
		delaySecs := float64(MinBioSize) / float64(bytesPerSec)
		return Decision{BiosPerSctx: 1, Delay: time.Duration(delaySecs * float64(time.Second))}
	}

	bios := bytesPerSec / MinBioSize
	if bios > common.MaxBiosPerSctx {
		bios = common.MaxBiosPerSctx
	}
	if bios < 1 {
		bios = 1
	}
	return Decision{BiosPerSctx: int32(bios), Delay: time.Nanosecond}
}

// Observe runs the §4.8 step-2 trigger check and, if warranted,
// recomputes and applies a new Decision (growing/shrinking the pool
// and re-sizing the token bucket).
func (c *Controller) Observe(now time.Time, progress int64) {
	if c.Deadline.Equal(c.Start) {
		return // deadline=0: pacing disabled
	}

	elapsed := now.Sub(c.Start)
	total := c.Deadline.Sub(c.Start)

	var goal int64
	if total > 0 {
		goal = int64(float64(c.UsedBytes) * elapsed.Seconds() / total.Seconds())
	}

	diff := progress - goal
	if diff < 0 {
		diff = -diff
	}

	overDeadline := now.After(c.Deadline)
	if !overDeadline && diff <= MinBioSize {
		return
	}

	remBytes := c.UsedBytes - progress
	if remBytes < 0 {
		remBytes = 0
	}
	remTime := c.Deadline.Sub(now)

	decision := adjustRate(remBytes, remTime)

	c.mu.Lock()
	prev := c.current
	c.current = decision
	c.mu.Unlock()

	if decision.BiosPerSctx > prev.BiosPerSctx {
		c.pool.Grow(decision.BiosPerSctx)
	} else if decision.BiosPerSctx < prev.BiosPerSctx {
		c.pool.Shrink(decision.BiosPerSctx)
	}

	if decision.Delay != prev.Delay {
		c.applyLimiter(decision)
	}
}

// applyLimiter resizes the token bucket so that releasing one bio
// costs exactly one token, replenished at the rate implied by Delay.
func (c *Controller) applyLimiter(d Decision) {
	if d.Delay <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(rate.Every(d.Delay))
	c.limiter.SetBurst(1)
}

// Current returns the controller's last computed decision.
func (c *Controller) Current() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// PacedRelease blocks (bounded by ctx) until the token bucket permits
// releasing one more bio, implementing the per-bio delay of §4.8's
// final paragraph via golang.org/x/time/rate instead of a bespoke
// timer — the decision math is unchanged, only the mechanism pacing
// delay into real waits is a token bucket.
func (c *Controller) PacedRelease(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}
