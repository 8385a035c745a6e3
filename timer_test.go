package fiberloop

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a hand-advanced clock source for deterministic timer tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Round(0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTimerManager() (*TimerManager, *testClock) {
	m := NewTimerManager()
	clk := newTestClock()
	m.now = clk.Now
	m.prev = clk.Now()
	return m, clk
}

func invokeAll(cbs []func()) {
	for _, cb := range cbs {
		if cb != nil {
			cb()
		}
	}
}

func TestTimerOrdering(t *testing.T) {
	m, clk := newTestTimerManager()

	var out []string
	record := func(label string) func() {
		return func() { out = append(out, label) }
	}
	m.AddTimer(300*time.Millisecond, record("A"), false)
	m.AddTimer(100*time.Millisecond, record("B"), false)
	m.AddTimer(200*time.Millisecond, record("C"), false)

	clk.Advance(150 * time.Millisecond)
	invokeAll(m.ListExpired())
	assert.Equal(t, []string{"B"}, out)

	clk.Advance(100 * time.Millisecond)
	invokeAll(m.ListExpired())
	assert.Equal(t, []string{"B", "C"}, out)

	clk.Advance(100 * time.Millisecond)
	invokeAll(m.ListExpired())
	assert.Equal(t, []string{"B", "C", "A"}, out)
	assert.False(t, m.HasTimer())
}

func TestTimerTieBreakIsStable(t *testing.T) {
	m, clk := newTestTimerManager()

	var out []string
	m.AddTimer(100*time.Millisecond, func() { out = append(out, "first") }, false)
	m.AddTimer(100*time.Millisecond, func() { out = append(out, "second") }, false)

	clk.Advance(100 * time.Millisecond)
	invokeAll(m.ListExpired())
	assert.Equal(t, []string{"first", "second"}, out)
}

func TestNextTimer(t *testing.T) {
	m, clk := newTestTimerManager()

	_, ok := m.NextTimer()
	assert.False(t, ok, "no timers pending")

	m.AddTimer(250*time.Millisecond, func() {}, false)
	d, ok := m.NextTimer()
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)

	clk.Advance(300 * time.Millisecond)
	d, ok = m.NextTimer()
	require.True(t, ok)
	assert.Zero(t, d, "overdue head reports zero")
}

func TestTimerCancelIdempotent(t *testing.T) {
	m, _ := newTestTimerManager()
	tm := m.AddTimer(time.Second, func() {}, false)
	assert.True(t, tm.Cancel())
	assert.False(t, tm.Cancel())
	assert.False(t, m.HasTimer())
}

func TestTimerCancelAfterFire(t *testing.T) {
	m, clk := newTestTimerManager()
	var fired bool
	tm := m.AddTimer(100*time.Millisecond, func() { fired = true }, false)

	clk.Advance(150 * time.Millisecond)
	cbs := m.ListExpired()
	require.Len(t, cbs, 1)

	// Callback already moved to the dispatch batch; cancellation is a no-op.
	assert.False(t, tm.Cancel())
	invokeAll(cbs)
	assert.True(t, fired)
}

func TestTimerRefreshMonotonic(t *testing.T) {
	m, clk := newTestTimerManager()
	tm := m.AddTimer(200*time.Millisecond, func() {}, false)
	before := tm.deadline

	clk.Advance(100 * time.Millisecond)
	require.True(t, tm.Refresh())
	assert.False(t, tm.deadline.Before(before), "refresh never decreases the deadline")
	assert.Equal(t, clk.Now().Add(200*time.Millisecond), tm.deadline)

	assert.True(t, tm.Cancel())
	assert.False(t, tm.Refresh(), "refresh of cancelled timer")
}

func TestTimerReset(t *testing.T) {
	m, clk := newTestTimerManager()
	tm := m.AddTimer(200*time.Millisecond, func() {}, false)

	clk.Advance(50 * time.Millisecond)
	require.True(t, tm.Reset(400*time.Millisecond, true))
	assert.Equal(t, clk.Now().Add(400*time.Millisecond), tm.deadline, "from now")

	// From-start anchors at deadline minus period, i.e. the last reset time.
	require.True(t, tm.Reset(300*time.Millisecond, false))
	assert.Equal(t, clk.Now().Add(300*time.Millisecond), tm.deadline, "from start of current period")

	assert.True(t, tm.Reset(300*time.Millisecond, false), "no-op reset succeeds")

	tm.Cancel()
	assert.False(t, tm.Reset(100*time.Millisecond, true))
}

func TestTimerRecurring(t *testing.T) {
	m, clk := newTestTimerManager()
	var count int
	tm := m.AddTimer(50*time.Millisecond, func() { count++ }, true)

	for i := 0; i < 10; i++ {
		clk.Advance(50 * time.Millisecond)
		invokeAll(m.ListExpired())
	}
	assert.Equal(t, 10, count)
	assert.True(t, m.HasTimer(), "recurring timer reinserted")

	assert.True(t, tm.Cancel())
	clk.Advance(100 * time.Millisecond)
	assert.Empty(t, m.ListExpired())
	assert.Equal(t, 10, count)
}

func TestConditionTimer(t *testing.T) {
	m, clk := newTestTimerManager()

	var fired int
	alive := true
	m.AddConditionTimer(50*time.Millisecond, func() { fired++ }, func() bool { return alive }, false)
	m.AddConditionTimer(50*time.Millisecond, func() { fired++ }, func() bool { return false }, false)

	clk.Advance(100 * time.Millisecond)
	cbs := m.ListExpired()
	require.Len(t, cbs, 2, "expired condition timers still drain")
	invokeAll(cbs)
	assert.Equal(t, 1, fired, "dead condition skips its callback")
}

func TestWeakCondition(t *testing.T) {
	obj := new(int)
	cond := WeakCondition(obj)
	assert.True(t, cond())
	runtime.KeepAlive(obj)

	obj = nil
	require.Eventually(t, func() bool {
		runtime.GC()
		return !cond()
	}, 5*time.Second, 10*time.Millisecond, "weak condition clears once referent is collected")
}

func TestClockRolloverFlush(t *testing.T) {
	m, clk := newTestTimerManager()

	m.AddTimer(10*time.Second, func() {}, false)
	m.AddTimer(20*time.Second, func() {}, false)
	m.AddTimer(30*time.Second, func() {}, false)

	// Establish a prior observation, then jump the clock backwards.
	invokeAll(m.ListExpired())
	require.True(t, m.HasTimer())

	clk.Advance(-2 * time.Hour)
	cbs := m.ListExpired()
	assert.Len(t, cbs, 3, "rollover flushes every pending timer")
	assert.False(t, m.HasTimer())
}

func TestClockRolloverFlushWithRecurringTimer(t *testing.T) {
	m, clk := newTestTimerManager()

	var ticks int
	m.AddTimer(50*time.Millisecond, func() { ticks++ }, true)
	m.AddTimer(10*time.Second, func() {}, false)

	// Establish a prior observation, then jump the clock backwards.
	invokeAll(m.ListExpired())
	clk.Advance(-2 * time.Hour)

	// The drain must terminate: each timer is visited at most once even
	// though the reinserted recurring timer re-populates the set.
	cbs := m.ListExpired()
	require.Len(t, cbs, 2)
	invokeAll(cbs)
	assert.Equal(t, 1, ticks, "recurring timer flushed exactly once")
	assert.True(t, m.HasTimer(), "recurring timer reinserted past the jump")

	d, ok := m.NextTimer()
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, d, "reinserted deadline anchored at the jumped-back now")

	assert.Empty(t, m.ListExpired(), "no rollover on the next observation")
}

func TestSmallBackwardJumpDoesNotFlush(t *testing.T) {
	m, clk := newTestTimerManager()
	m.AddTimer(10*time.Second, func() {}, false)

	invokeAll(m.ListExpired())
	clk.Advance(-30 * time.Minute)
	assert.Empty(t, m.ListExpired(), "jumps within the rollover window are tolerated")
	assert.True(t, m.HasTimer())
}

func TestTimerHeadInsertionHook(t *testing.T) {
	m, _ := newTestTimerManager()
	var notified int
	m.notify = func() { notified++ }

	m.AddTimer(100*time.Millisecond, func() {}, false)
	assert.Equal(t, 1, notified, "first insertion is the head")

	m.AddTimer(200*time.Millisecond, func() {}, false)
	assert.Equal(t, 1, notified, "non-head insertion does not notify")

	m.AddTimer(50*time.Millisecond, func() {}, false)
	assert.Equal(t, 1, notified, "pending wakeup latch suppresses the hook")

	m.NextTimer() // clears the latch
	m.AddTimer(10*time.Millisecond, func() {}, false)
	assert.Equal(t, 2, notified, "head insertion after the latch clears notifies again")
}
