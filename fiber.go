package fiberloop

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// FiberState is the lifecycle state of a [Fiber].
//
// State machine:
//
//	StateReady ─(Resume)→ StateRunning ─(Yield)→ StateReady
//	StateRunning ─(body returns)→ StateTerminated ─(Reset)→ StateReady
//
// Resuming a fiber that is not Ready, or resetting one that is not
// Terminated, is a programmer error and panics.
type FiberState int32

const (
	// StateReady indicates the fiber can be resumed.
	StateReady FiberState = iota
	// StateRunning indicates the fiber is executing on a worker.
	StateRunning
	// StateTerminated indicates the fiber's body has returned.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// DefaultStackSize is the advisory stack size for fibers created without
// [WithStackSize]. Fiber stacks are goroutine stacks and grow on demand; the
// configured value is retained as an attribute ([Fiber.StackSize]) rather
// than a hard reservation.
const DefaultStackSize = 128 * 1024

var (
	fiberIDCounter atomic.Uint64
	liveFiberCount atomic.Int64
)

// ActiveFibers returns the number of fibers that have been created (or
// revived via [Fiber.Reset]) and have not yet terminated. Main fibers never
// terminate, so every main fiber created so far is counted, including those
// of goroutines that have since exited.
func ActiveFibers() int64 {
	return liveFiberCount.Load()
}

// Fiber is a cooperatively scheduled execution. Each non-main fiber owns a
// goroutine that runs its body; Resume and Yield exchange control with the
// hosting worker through an unbuffered rendezvous, so at most one side is
// runnable at any instant.
type Fiber struct {
	// mu serializes resume against concurrent state inspection; the worker
	// loop holds it for the duration of a resume.
	mu sync.Mutex

	id             uint64
	stackSize      int
	runInScheduler bool
	main           bool

	state atomic.Int32

	body    func()
	next    chan struct{}
	started bool

	// ts is the hosting worker's state; written by the resumer before the
	// rendezvous, read by the fiber goroutine after it.
	ts *threadState

	logger *logiface.Logger[logiface.Event]
}

// NewFiber creates a fiber in the Ready state, bound to fn. The fiber does
// not execute until resumed. By default the fiber yields back to the worker's
// scheduler fiber; see [WithRunInScheduler].
func NewFiber(fn func(), opts ...FiberOption) *Fiber {
	if fn == nil {
		panic("fiberloop: fiber requires a body")
	}
	cfg := resolveFiberOptions(opts)
	f := &Fiber{
		id:             fiberIDCounter.Add(1),
		stackSize:      cfg.stackSize,
		runInScheduler: cfg.runInScheduler,
		body:           fn,
		next:           make(chan struct{}),
		logger:         cfg.logger,
	}
	f.state.Store(int32(StateReady))
	liveFiberCount.Add(1)
	return f
}

// newMainFiber creates the fiber representing a worker goroutine's native
// execution. It is born Running, never allocates a rendezvous, and never
// terminates.
func newMainFiber() *Fiber {
	f := &Fiber{
		id:      fiberIDCounter.Add(1),
		main:    true,
		started: true,
	}
	f.state.Store(int32(StateRunning))
	liveFiberCount.Add(1)
	return f
}

// ID returns the fiber's process-unique id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

// StackSize returns the advisory stack size the fiber was created with, or
// zero for a main fiber.
func (f *Fiber) StackSize() int { return f.stackSize }

// Resume transfers control to the fiber until it yields or terminates. The
// fiber must be Ready. On return the calling worker's current fiber is
// restored to the scheduler fiber or the main fiber, according to the
// resumed fiber's run-in-scheduler flag.
func (f *Fiber) Resume() {
	if f.main {
		panic("fiberloop: resume of main fiber")
	}
	if !f.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) {
		panic(fmt.Sprintf("fiberloop: resume of fiber %d in state %v (want Ready)", f.id, f.State()))
	}
	ts := currentThreadState()
	f.ts = ts
	ts.current = f
	next := f.next
	if !f.started {
		f.started = true
		go f.trampoline(next, f.body)
	}
	next <- struct{}{}
	<-next
	if f.runInScheduler {
		ts.current = ts.sched
	} else {
		ts.current = ts.main
	}
}

// Yield suspends the fiber and returns control to the worker that resumed
// it. The fiber must be the calling goroutine's current fiber, and must be
// Running (it becomes Ready) or Terminated (state is left as-is).
func (f *Fiber) Yield() {
	if f.main {
		panic("fiberloop: yield of main fiber")
	}
	ts := lookupGoroutineState(goroutineID())
	if ts == nil || ts.current != f {
		panic(fmt.Sprintf("fiberloop: yield of fiber %d that is not current on this worker", f.id))
	}
	switch f.State() {
	case StateRunning:
		f.state.Store(int32(StateReady))
	case StateTerminated:
	default:
		panic(fmt.Sprintf("fiberloop: yield of fiber %d in state %v (want Running or Terminated)", f.id, f.State()))
	}
	next := f.next
	next <- struct{}{}
	<-next
	// Re-establish goroutine-local state: the fiber may have been resumed by
	// a different worker this time around.
	setGoroutineState(goroutineID(), f.ts)
}

// Reset rebinds a Terminated fiber to a new body, reviving it to Ready and
// reusing the fiber identity. Main fibers cannot be reset.
func (f *Fiber) Reset(fn func()) {
	if fn == nil {
		panic("fiberloop: fiber requires a body")
	}
	if f.main {
		panic("fiberloop: reset of main fiber")
	}
	if f.State() != StateTerminated {
		panic(fmt.Sprintf("fiberloop: reset of fiber %d in state %v (want Terminated)", f.id, f.State()))
	}
	f.body = fn
	f.next = make(chan struct{})
	f.started = false
	f.state.Store(int32(StateReady))
	liveFiberCount.Add(1)
}

// trampoline is the entry point of the fiber goroutine. It parks until the
// first resume, runs the body, then marks the fiber Terminated and performs
// the final yield by closing the rendezvous, releasing the worker blocked in
// Resume. The channel and body are captured at spawn so a later Reset cannot
// disturb a goroutine that is still winding down.
func (f *Fiber) trampoline(next chan struct{}, body func()) {
	gid := goroutineID()
	<-next
	setGoroutineState(gid, f.ts)
	f.invoke(body)
	f.body = nil
	f.state.Store(int32(StateTerminated))
	liveFiberCount.Add(-1)
	clearGoroutineState(gid)
	close(next)
}

// invoke runs the body with panic containment: a panicking body terminates
// only its own fiber, never the hosting worker.
func (f *Fiber) invoke(body func()) {
	defer func() {
		if r := recover(); r != nil {
			f.reportPanic(r)
		}
	}()
	body()
}

func (f *Fiber) reportPanic(r any) {
	if f.logger != nil {
		f.logger.Err().
			Uint64("fiber", f.id).
			Any("panic", r).
			Str("stack", string(debug.Stack())).
			Log("fiber body panicked")
		return
	}
	_, _ = fmt.Fprintf(os.Stderr, "fiberloop: fiber %d body panicked: %v\n%s", f.id, r, debug.Stack())
}

// CurrentFiber returns the calling goroutine's current fiber. The first call
// on a goroutine that is not hosting a fiber installs a main fiber (Running)
// as both the current and the scheduler fiber.
func CurrentFiber() *Fiber {
	return currentThreadState().current
}

// CurrentFiberID returns the id of the calling goroutine's current fiber, or
// ^uint64(0) if the goroutine has no fiber state yet.
func CurrentFiberID() uint64 {
	if ts := lookupGoroutineState(goroutineID()); ts != nil && ts.current != nil {
		return ts.current.id
	}
	return ^uint64(0)
}

// SetSchedulerFiber overrides the calling worker's default yield target for
// fibers created with run-in-scheduler semantics.
func SetSchedulerFiber(f *Fiber) {
	currentThreadState().sched = f
}
