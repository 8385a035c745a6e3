package fiberloop

import (
	"runtime"
	"sync"
)

// Goroutine local storage for the per-worker fiber bookkeeping. Sharded to
// keep contention off the hot resume/yield path: the goroutine id is masked
// into one of 64 buckets, each with its own mutex.
const glsShardCount = 64

type glsShard struct {
	mu sync.Mutex
	m  map[uint64]*threadState
}

var glsShards [glsShardCount]glsShard

// threadState is the per-worker bookkeeping tuple. A worker goroutine owns
// exactly one; fiber goroutines resumed by that worker alias it for the
// duration of their run, so that lookups from inside a fiber body resolve to
// the hosting worker.
type threadState struct {
	gid       uint64 // goroutine id of the owning worker
	current   *Fiber // fiber currently executing on this worker
	main      *Fiber // the worker's native execution
	sched     *Fiber // default yield target for in-scheduler fibers
	scheduler *Scheduler
}

func glsShardFor(gid uint64) *glsShard {
	return &glsShards[gid%glsShardCount]
}

func lookupGoroutineState(gid uint64) *threadState {
	s := glsShardFor(gid)
	s.mu.Lock()
	ts := s.m[gid]
	s.mu.Unlock()
	return ts
}

func setGoroutineState(gid uint64, ts *threadState) {
	s := glsShardFor(gid)
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[uint64]*threadState)
	}
	s.m[gid] = ts
	s.mu.Unlock()
}

func clearGoroutineState(gid uint64) {
	s := glsShardFor(gid)
	s.mu.Lock()
	delete(s.m, gid)
	s.mu.Unlock()
}

// currentThreadState returns the calling goroutine's state, installing a main
// fiber on first use.
func currentThreadState() *threadState {
	gid := goroutineID()
	if ts := lookupGoroutineState(gid); ts != nil {
		return ts
	}
	ts := &threadState{gid: gid}
	f := newMainFiber()
	ts.current = f
	ts.main = f
	ts.sched = f
	setGoroutineState(gid, ts)
	return ts
}

// goroutineID returns the current goroutine's ID.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
