package fiberloop

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// clockRolloverWindow is how far backwards the wall clock must jump before
// the pending timer set is flushed wholesale.
const clockRolloverWindow = time.Hour

// Timer is a handle to a pending timer owned by a [TimerManager].
type Timer struct {
	mgr       *TimerManager
	period    time.Duration
	deadline  time.Time
	recurring bool
	cb        func()
	seq       uint64
	index     int // position in the manager's heap, -1 when detached
}

// Cancel removes the timer from its manager and nulls its callback. Returns
// false if the timer was already cancelled or has fired (a non-recurring
// timer whose callback moved to the dispatch batch can no longer be
// cancelled).
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.index >= 0 {
		heap.Remove(&t.mgr.timers, t.index)
	}
	return true
}

// Refresh re-deadlines the timer to now+period. Forward-only: the deadline
// never moves earlier. Returns false if the timer is cancelled or not
// currently pending.
func (t *Timer) Refresh() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	deadline := t.mgr.now().Add(t.period)
	if deadline.Before(t.deadline) {
		return true
	}
	t.deadline = deadline
	heap.Fix(&t.mgr.timers, t.index)
	return true
}

// Reset gives the timer a new period, re-deadlining from now (fromNow) or
// from the start of its current period (its deadline minus its period).
// Reinsertion goes through the manager's add path so the head-insertion hook
// fires when appropriate. Returns false if the timer is cancelled or not
// currently pending.
func (t *Timer) Reset(period time.Duration, fromNow bool) bool {
	t.mgr.mu.Lock()
	if t.cb == nil || t.index < 0 {
		t.mgr.mu.Unlock()
		return false
	}
	if period == t.period && !fromNow {
		t.mgr.mu.Unlock()
		return true
	}
	heap.Remove(&t.mgr.timers, t.index)
	start := t.mgr.now()
	if !fromNow {
		start = t.deadline.Add(-t.period)
	}
	t.period = period
	t.deadline = start.Add(period)
	t.mgr.mu.Unlock()
	t.mgr.addTimer(t)
	return true
}

// timerHeap orders timers by (deadline, insertion sequence); no two distinct
// timers compare equal.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old) - 1
	t := old[n]
	old[n] = nil
	t.index = -1
	*h = old[:n]
	return t
}

// TimerManager is a deadline-ordered set of pending timers on a wall clock
// with rollover compensation.
type TimerManager struct {
	mu      sync.RWMutex
	timers  timerHeap
	seq     atomic.Uint64
	tickled atomic.Bool
	prev    time.Time

	// now is the clock source; injectable for tests. The monotonic reading
	// is stripped so backward wall-clock jumps are observable.
	now func() time.Time

	// notify fires, outside the manager lock, when a timer is inserted at
	// the head while no wakeup is outstanding.
	notify func()
}

func wallClock() time.Time {
	return time.Now().Round(0)
}

// NewTimerManager creates an empty timer manager.
func NewTimerManager() *TimerManager {
	m := &TimerManager{now: wallClock}
	m.prev = m.now()
	return m
}

// AddTimer schedules fn to run once period from now, or repeatedly every
// period when recurring.
func (m *TimerManager) AddTimer(period time.Duration, fn func(), recurring bool) *Timer {
	if fn == nil {
		panic("fiberloop: timer requires a callback")
	}
	t := &Timer{
		mgr:       m,
		period:    period,
		recurring: recurring,
		cb:        fn,
		seq:       m.seq.Add(1),
		index:     -1,
	}
	m.mu.Lock()
	t.deadline = m.now().Add(period)
	heap.Push(&m.timers, t)
	atFront := t.index == 0 && m.tickled.CompareAndSwap(false, true)
	m.mu.Unlock()
	if atFront && m.notify != nil {
		m.notify()
	}
	return t
}

// AddConditionTimer schedules fn guarded by cond: at firing time the
// callback runs only if cond still reports true. A nil cond is
// unconditional. See [WeakCondition].
func (m *TimerManager) AddConditionTimer(period time.Duration, fn func(), cond func() bool, recurring bool) *Timer {
	return m.AddTimer(period, func() {
		if cond == nil || cond() {
			fn()
		}
	}, recurring)
}

// WeakCondition returns a condition for [TimerManager.AddConditionTimer]
// that holds p weakly: it reports true until the referent is reclaimed, so
// the timer never keeps it alive.
func WeakCondition[T any](p *T) func() bool {
	w := weak.Make(p)
	return func() bool {
		return w.Value() != nil
	}
}

func (m *TimerManager) addTimer(t *Timer) {
	m.mu.Lock()
	heap.Push(&m.timers, t)
	atFront := t.index == 0 && m.tickled.CompareAndSwap(false, true)
	m.mu.Unlock()
	if atFront && m.notify != nil {
		m.notify()
	}
}

// NextTimer returns the time until the head deadline (zero when overdue) and
// whether any timer is pending. It also re-arms the head-insertion hook.
func (m *TimerManager) NextTimer() (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tickled.Store(false)
	if len(m.timers) == 0 {
		return 0, false
	}
	d := m.timers[0].deadline.Sub(m.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// HasTimer reports whether any timer is pending.
func (m *TimerManager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers) > 0
}

// ListExpired removes and returns the callbacks of every timer whose
// deadline has passed — or of every timer, when a clock rollover is
// detected. Recurring timers are re-inserted with a fresh deadline.
func (m *TimerManager) ListExpired() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rollover := m.detectClockRollover(now)
	var cbs []func()
	var requeue []*Timer
	for len(m.timers) > 0 && (rollover || !m.timers[0].deadline.After(now)) {
		t := heap.Pop(&m.timers).(*Timer)
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.deadline = now.Add(t.period)
			requeue = append(requeue, t)
		} else {
			t.cb = nil
		}
	}
	// Reinsert recurring timers only after the drain: pushing mid-loop would
	// make them eligible again under rollover and the drain would never end.
	for _, t := range requeue {
		heap.Push(&m.timers, t)
	}
	return cbs
}

// detectClockRollover reports whether the clock jumped backwards by more
// than the rollover window since the previous observation. Caller holds the
// write lock.
func (m *TimerManager) detectClockRollover(now time.Time) bool {
	rollover := now.Before(m.prev.Add(-clockRolloverWindow))
	m.prev = now
	return rollover
}
