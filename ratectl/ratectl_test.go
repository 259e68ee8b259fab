package ratectl

import (
	"testing"
	"time"
)

type fakePool struct {
	lastGrow, lastShrink int32
}

func (p *fakePool) Grow(n int32)   { p.lastGrow = n }
func (p *fakePool) Shrink(n int32) { p.lastShrink = n }

func TestZeroDeadlineKeepsFixedDefault(t *testing.T) {
	pool := &fakePool{}
	start := time.Unix(0, 0)
	c := New(pool, start, start, 1<<30)

	c.Observe(start.Add(time.Hour), 0)

	got := c.Current()
	if got.BiosPerSctx != 64 {
		t.Errorf("BiosPerSctx = %d, want 64", got.BiosPerSctx)
	}
	if got.Delay != 0 {
		t.Errorf("Delay = %v, want 0", got.Delay)
	}
	if pool.lastGrow != 0 || pool.lastShrink != 0 {
		t.Errorf("deadline=0 must never resize the pool")
	}
}

func TestProgressWithinMinIncOfGoalAtHalfway(t *testing.T) {
	pool := &fakePool{}
	start := time.Unix(0, 0)
	deadline := start.Add(100 * time.Second)
	usedBytes := int64(1 << 20) // 1 MiB

	c := New(pool, start, deadline, usedBytes)

	halfway := start.Add(50 * time.Second)
	goalAtHalf := usedBytes / 2

	c.Observe(halfway, goalAtHalf)

	// progress exactly at goal: no resize should have been triggered
	if pool.lastGrow != 0 && pool.lastGrow != 64 {
		t.Errorf("unexpected grow to %d when progress matches goal", pool.lastGrow)
	}
}

func TestAdjustRateSlowTargetUsesSingleBioWithDelay(t *testing.T) {
	d := adjustRate(1024, 10*time.Second) // 102.4 B/s, far under MinBioSize
	if d.BiosPerSctx != 1 {
		t.Errorf("BiosPerSctx = %d, want 1 for a slow target rate", d.BiosPerSctx)
	}
	if d.Delay <= 0 {
		t.Errorf("expected a positive delay for a slow target rate")
	}
}

func TestAdjustRateFastTargetGrowsPoolCappedAtMax(t *testing.T) {
	d := adjustRate(1<<40, time.Microsecond) // absurdly high bytes/sec
	if d.BiosPerSctx != 1024 {
		t.Errorf("BiosPerSctx = %d, want capped at 1024", d.BiosPerSctx)
	}
}

func TestObserveGrowsPoolWhenBehindDeadline(t *testing.T) {
	pool := &fakePool{}
	start := time.Unix(0, 0)
	deadline := start.Add(10 * time.Second)
	c := New(pool, start, deadline, 1<<30)

	// way behind: no progress at all, 9s elapsed
	c.Observe(start.Add(9*time.Second), 0)

	if pool.lastGrow == 0 {
		t.Errorf("expected the controller to grow the pool when far behind deadline")
	}
}
