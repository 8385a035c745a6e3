package fiberloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSchedulerCallerPingPong(t *testing.T) {
	s := NewScheduler(WithThreads(1), WithUseCaller(true), WithName("pingpong"))

	var mu sync.Mutex
	var out []int
	s.Schedule(func() {
		self := CurrentFiber()
		for i := 0; i < 3; i++ {
			mu.Lock()
			out = append(out, i)
			mu.Unlock()
			s.ScheduleFiber(self)
			self.Yield()
		}
	})

	s.Start()
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, out)
}

func TestSchedulerFIFO(t *testing.T) {
	s := NewScheduler(WithThreads(1), WithUseCaller(false))
	s.Start()

	var mu sync.Mutex
	var out []int
	var done atomic.Int32
	for i := 0; i < 10; i++ {
		i := i
		s.Schedule(func() {
			mu.Lock()
			out = append(out, i)
			mu.Unlock()
			done.Add(1)
		})
	}

	require.Eventually(t, func() bool { return done.Load() == 10 }, 2*time.Second, time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, out)
}

func TestSchedulerBatchOrder(t *testing.T) {
	s := NewScheduler(WithThreads(1), WithUseCaller(false))
	s.Start()

	var mu sync.Mutex
	var out []string
	var done atomic.Int32
	record := func(label string) func() {
		return func() {
			mu.Lock()
			out = append(out, label)
			mu.Unlock()
			done.Add(1)
		}
	}
	s.ScheduleAll(record("a"), record("b"), record("c"))

	require.Eventually(t, func() bool { return done.Load() == 3 }, 2*time.Second, time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestSchedulerPinnedTasks(t *testing.T) {
	s := NewScheduler(WithThreads(2), WithUseCaller(false))
	s.Start()

	ids := s.ThreadIDs()
	require.Len(t, ids, 2)
	target := ids[0]

	var mu sync.Mutex
	var hosts []uint64
	var done atomic.Int32
	for i := 0; i < 5; i++ {
		s.Schedule(func() {
			mu.Lock()
			hosts = append(hosts, currentThreadState().gid)
			mu.Unlock()
			done.Add(1)
		}, int64(target))
	}

	require.Eventually(t, func() bool { return done.Load() == 5 }, 2*time.Second, time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	for _, gid := range hosts {
		assert.Equal(t, target, gid)
	}
}

func TestSchedulerTaskPanicContained(t *testing.T) {
	s := NewScheduler(WithThreads(1), WithUseCaller(false))
	s.Start()

	var done atomic.Int32
	s.Schedule(func() { panic("task boom") })
	s.Schedule(func() { done.Add(1) })

	require.Eventually(t, func() bool { return done.Load() == 1 }, 2*time.Second, time.Millisecond)
	s.Stop()
}

func TestSchedulerStopPolicy(t *testing.T) {
	t.Run("use_caller stop from wrong goroutine panics", func(t *testing.T) {
		s := NewScheduler(WithThreads(1), WithUseCaller(true))
		s.Start()
		done := make(chan any, 1)
		go func() {
			defer func() { done <- recover() }()
			s.Stop()
		}()
		require.NotNil(t, <-done)
		s.Stop() // clean up from the constructing goroutine
	})

	t.Run("stop from worker task panics", func(t *testing.T) {
		s := NewScheduler(WithThreads(1), WithUseCaller(false))
		s.Start()
		done := make(chan any, 1)
		s.Schedule(func() {
			defer func() { done <- recover() }()
			s.Stop()
		})
		require.NotNil(t, <-done)
		s.Stop()
	})
}

func TestSchedulerQuiescentShutdown(t *testing.T) {
	s := NewScheduler(WithThreads(2), WithUseCaller(false))
	s.Start()

	var count atomic.Int64
	g := new(errgroup.Group)
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				s.Schedule(func() { count.Add(1) })
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool { return count.Load() == 200 }, 5*time.Second, time.Millisecond)
	s.Stop()

	snapshot := count.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, snapshot, count.Load(), "no callbacks may fire after Stop returns")
	assert.Zero(t, s.activeThreads.Load())
}

func TestSchedulerDoubleStop(t *testing.T) {
	s := NewScheduler(WithThreads(1), WithUseCaller(true))
	s.Start()
	s.Stop()
	assert.NotPanics(t, func() { s.Stop() })
}

func TestSchedulerRequiresThread(t *testing.T) {
	assert.Panics(t, func() { NewScheduler(WithThreads(0)) })
}

func TestSchedulerSecondInstancePanics(t *testing.T) {
	s := NewScheduler(WithThreads(1), WithUseCaller(true))
	assert.Panics(t, func() { NewScheduler() })
	s.Stop()
}

func TestCurrentSchedulerInsideTask(t *testing.T) {
	s := NewScheduler(WithThreads(1), WithUseCaller(false))
	s.Start()

	got := make(chan *Scheduler, 1)
	s.Schedule(func() { got <- CurrentScheduler() })

	select {
	case cur := <-got:
		assert.Same(t, s, cur)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task")
	}
	s.Stop()
}

func TestSchedulerFiberTaskSkippedWhenTerminated(t *testing.T) {
	s := NewScheduler(WithThreads(1), WithUseCaller(false))
	s.Start()

	f := NewFiber(func() {})
	f.mu.Lock()
	f.Resume()
	f.mu.Unlock()
	require.Equal(t, StateTerminated, f.State())

	var after atomic.Int32
	s.ScheduleFiber(f)
	s.Schedule(func() { after.Add(1) })

	require.Eventually(t, func() bool { return after.Load() == 1 }, 2*time.Second, time.Millisecond)
	s.Stop()
	assert.Equal(t, StateTerminated, f.State())
}
