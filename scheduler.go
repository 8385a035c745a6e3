package fiberloop

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// AnyThread is the task pin sentinel meaning "any worker may run this task".
// Worker ids are goroutine ids and are always positive, so the sentinel can
// never match a real worker.
const AnyThread int64 = -1

// schedulerIdleInterval is the sleep between polls of the base idle fiber.
const schedulerIdleInterval = 10 * time.Millisecond

// Task is a unit of work in the scheduler queue: a fiber or a bare callback,
// optionally pinned to a worker.
type Task struct {
	fiber  *Fiber
	fn     func()
	thread int64
}

// schedulerHooks are the operations an embedding runtime may override. The
// base [Scheduler] installs itself; [IOManager] replaces the hooks so that
// workers block on readiness instead of sleeping.
type schedulerHooks interface {
	tickle()
	idle()
	stopping() bool
}

// Scheduler multiplexes fiber and callback tasks onto a fixed pool of
// workers. At most one scheduler may be active per constructing goroutine.
type Scheduler struct {
	name   string
	logger *logiface.Logger[logiface.Event]

	// mu guards the task list, the worker id list, and the stop flag.
	mu        sync.Mutex
	tasks     []Task
	threadIDs []uint64
	stopFlag  bool
	started   bool

	workers    int // workers spawned by Start (excludes the caller)
	useCaller  bool
	ctorGID    uint64
	rootGID    uint64 // caller worker id; zero when the caller does not participate
	schedFiber *Fiber

	wg            sync.WaitGroup
	activeThreads atomic.Int64
	idleThreads   atomic.Int64

	hooks schedulerHooks
}

// NewScheduler creates a scheduler. When the caller participates
// ([WithUseCaller], the default), the constructing goroutine's main fiber is
// created and a dedicated scheduler fiber whose body is the worker loop is
// installed on it; that worker only drains tasks during [Scheduler.Stop].
// Workers beyond the caller are spawned by [Scheduler.Start].
func NewScheduler(opts ...Option) *Scheduler {
	return newScheduler(resolveOptions(opts, "scheduler"))
}

func newScheduler(cfg *options) *Scheduler {
	if cfg.threads <= 0 {
		panic("fiberloop: scheduler requires at least one thread")
	}
	ts := currentThreadState()
	if ts.scheduler != nil {
		panic("fiberloop: a scheduler is already active on this goroutine")
	}
	s := &Scheduler{
		name:      cfg.name,
		logger:    cfg.logger,
		useCaller: cfg.useCaller,
		ctorGID:   ts.gid,
	}
	s.hooks = s
	ts.scheduler = s

	threads := cfg.threads
	if cfg.useCaller {
		threads--
		s.schedFiber = NewFiber(s.run, WithRunInScheduler(false), WithFiberLogger(s.logger))
		SetSchedulerFiber(s.schedFiber)
		s.rootGID = ts.gid
		s.threadIDs = append(s.threadIDs, ts.gid)
	}
	s.workers = threads
	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string { return s.name }

// ThreadIDs returns the worker ids, including the caller's when it
// participates. Populated by construction and [Scheduler.Start].
func (s *Scheduler) ThreadIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.threadIDs))
	copy(out, s.threadIDs)
	return out
}

// HasIdleThreads reports whether at least one worker is currently idle.
func (s *Scheduler) HasIdleThreads() bool {
	return s.idleThreads.Load() > 0
}

// Start spawns the worker pool. It panics if called twice, and is a no-op
// once the scheduler has been asked to stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopFlag {
		s.logger.Warning().Str("scheduler", s.name).Log("start of stopped scheduler ignored")
		return
	}
	if s.started {
		panic("fiberloop: scheduler already started")
	}
	s.started = true
	ids := make(chan uint64, s.workers)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ids <- goroutineID()
			s.run()
		}()
	}
	for i := 0; i < s.workers; i++ {
		s.threadIDs = append(s.threadIDs, <-ids)
	}
}

// Schedule enqueues a callback task, optionally pinned to a worker id.
func (s *Scheduler) Schedule(fn func(), thread ...int64) {
	if fn == nil {
		panic("fiberloop: schedule of nil callback")
	}
	s.submit(Task{fn: fn, thread: pin(thread)})
}

// ScheduleFiber enqueues a fiber task, optionally pinned to a worker id. The
// fiber is resumed by the dequeuing worker; Terminated fibers are skipped.
func (s *Scheduler) ScheduleFiber(f *Fiber, thread ...int64) {
	if f == nil {
		panic("fiberloop: schedule of nil fiber")
	}
	s.submit(Task{fiber: f, thread: pin(thread)})
}

// ScheduleAll enqueues callbacks as a batch, preserving their order.
func (s *Scheduler) ScheduleAll(fns ...func()) {
	s.mu.Lock()
	needTickle := len(s.tasks) == 0
	for _, fn := range fns {
		if fn != nil {
			s.tasks = append(s.tasks, Task{fn: fn, thread: AnyThread})
		}
	}
	s.mu.Unlock()
	if needTickle {
		s.hooks.tickle()
	}
}

func pin(thread []int64) int64 {
	if len(thread) > 0 {
		return thread[0]
	}
	return AnyThread
}

// submit enqueues a task, waking an idle worker when the queue transitions
// from empty.
func (s *Scheduler) submit(t Task) {
	s.mu.Lock()
	needTickle := len(s.tasks) == 0
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	if needTickle {
		s.hooks.tickle()
	}
}

// run is the worker loop. It executes on each spawned worker goroutine, and
// on the caller via the scheduler fiber when the caller participates.
func (s *Scheduler) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ts := currentThreadState()
	ts.scheduler = s
	tid := ts.gid

	s.logger.Debug().Str("scheduler", s.name).Uint64("thread", tid).Log("worker started")

	idleFiber := NewFiber(func() { s.hooks.idle() }, WithFiberLogger(s.logger))

	for {
		var task Task
		tickleMe := false

		s.mu.Lock()
		for i := range s.tasks {
			t := &s.tasks[i]
			if t.thread != AnyThread && t.thread != int64(tid) {
				// Pinned to another worker; leave it and wake the pool.
				tickleMe = true
				continue
			}
			task = *t
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			s.activeThreads.Add(1)
			break
		}
		tickleMe = tickleMe || len(s.tasks) > 0
		s.mu.Unlock()

		if tickleMe {
			s.hooks.tickle()
		}

		switch {
		case task.fiber != nil:
			f := task.fiber
			requeue := false
			f.mu.Lock()
			switch f.State() {
			case StateReady:
				f.Resume()
			case StateRunning:
				// Woken before it finished yielding (e.g. readiness fired
				// between AddEvent and Yield); put it back for later.
				requeue = true
			case StateTerminated:
				// Dropped.
			}
			f.mu.Unlock()
			if requeue {
				s.submit(Task{fiber: f, thread: task.thread})
			}
			s.activeThreads.Add(-1)
		case task.fn != nil:
			f := NewFiber(task.fn, WithFiberLogger(s.logger))
			f.mu.Lock()
			f.Resume()
			f.mu.Unlock()
			s.activeThreads.Add(-1)
		default:
			if idleFiber.State() == StateTerminated {
				s.logger.Debug().Str("scheduler", s.name).Uint64("thread", tid).Log("worker exiting")
				return
			}
			s.idleThreads.Add(1)
			idleFiber.Resume()
			s.idleThreads.Add(-1)
		}
	}
}

// Stop requests shutdown and blocks until every worker has drained and
// exited. When the caller participates it must invoke Stop from the
// constructing goroutine (the caller drains its share of the queue here);
// otherwise Stop must not be invoked from one of the scheduler's own
// workers. Stop is idempotent.
func (s *Scheduler) Stop() {
	if s.hooks.stopping() {
		return
	}

	// Resolve the calling goroutine to its hosting worker: a task fiber's own
	// goroutine id is not the worker's, but its bookkeeping is aliased.
	gid := goroutineID()
	if ts := lookupGoroutineState(gid); ts != nil {
		gid = ts.gid
	}
	if s.useCaller {
		if gid != s.ctorGID {
			panic("fiberloop: Stop must be called from the constructing goroutine when the caller participates as a worker")
		}
	} else {
		s.mu.Lock()
		for _, id := range s.threadIDs {
			if id == gid {
				s.mu.Unlock()
				panic("fiberloop: Stop must not be called from a worker")
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.stopFlag = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.hooks.tickle()
	}
	if s.schedFiber != nil {
		s.hooks.tickle()
	}

	// Drain on the caller: the scheduler fiber's body is the worker loop,
	// and it runs here until the idle fiber terminates.
	if s.schedFiber != nil && s.schedFiber.State() == StateReady {
		s.schedFiber.mu.Lock()
		s.schedFiber.Resume()
		s.schedFiber.mu.Unlock()
	}

	s.wg.Wait()

	if ts := lookupGoroutineState(goroutineID()); ts != nil && ts.scheduler == s {
		ts.scheduler = nil
	}

	s.logger.Info().Str("scheduler", s.name).Log("scheduler stopped")
}

// tickle wakes idle workers when new work arrives. The base implementation
// is a no-op: base idle fibers poll. [IOManager] overrides it with a
// self-pipe write.
func (s *Scheduler) tickle() {}

// idle is the base idle fiber body: sleep briefly and yield until stopping.
func (s *Scheduler) idle() {
	for !s.hooks.stopping() {
		time.Sleep(schedulerIdleInterval)
		CurrentFiber().Yield()
	}
}

// stopping reports whether shutdown has been requested, the queue is empty,
// and no worker is executing a task.
func (s *Scheduler) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopFlag && len(s.tasks) == 0 && s.activeThreads.Load() == 0
}

// CurrentScheduler returns the scheduler associated with the calling
// goroutine, or nil.
func CurrentScheduler() *Scheduler {
	if ts := lookupGoroutineState(goroutineID()); ts != nil {
		return ts.scheduler
	}
	return nil
}
