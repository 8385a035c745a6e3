//go:build linux

package fiberloop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"
)

const (
	// maxEpollEvents is the readiness batch size per wait.
	maxEpollEvents = 256

	// maxIdleTimeoutMs bounds the readiness wait so shutdown and newly
	// inserted timers are observed promptly even without a tickle.
	maxIdleTimeoutMs = 5000

	// initialFdContexts is the pre-sized length of the fd-context table.
	initialFdContexts = 32
)

// IOManager composes a [Scheduler] with a [TimerManager]: workers block in
// an edge-triggered epoll wait instead of sleeping, and readiness or timer
// expiry is converted into task submissions. Registration is one-shot per
// direction: the runtime deregisters a direction when it fires, without
// disturbing the other direction on the same fd.
type IOManager struct {
	*Scheduler
	*TimerManager

	epfd        int
	wakeReadFd  int
	wakeWriteFd int

	pendingEvents atomic.Int64

	// ctxMu guards the fd-context table: shared for lookup, exclusive for
	// growth. Per-slot mutation is guarded by the slot's own mutex, always
	// acquired after this lock is released.
	ctxMu      sync.RWMutex
	fdContexts []*FdContext

	// limiter keeps kernel-interaction failure logging off the hot path.
	limiter *catrate.Limiter

	closeOnce sync.Once
}

// NewIOManager creates an I/O manager and starts its worker pool. The
// returned manager must be shut down with [IOManager.Stop].
func NewIOManager(opts ...Option) (*IOManager, error) {
	cfg := resolveOptions(opts, "iomanager")

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fiberloop: epoll_create1: %w", err)
	}
	wakeRead, wakeWrite, err := createWakePipe()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("fiberloop: wake pipe: %w", err)
	}

	s := newScheduler(cfg)
	io := &IOManager{
		Scheduler:    s,
		TimerManager: NewTimerManager(),
		epfd:         epfd,
		wakeReadFd:   wakeRead,
		wakeWriteFd:  wakeWrite,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 30,
		}),
	}
	io.TimerManager.notify = io.onTimerInsertedAtFront

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wakeRead)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeRead, &ev); err != nil {
		if ts := lookupGoroutineState(goroutineID()); ts != nil && ts.scheduler == s {
			ts.scheduler = nil
		}
		_ = unix.Close(epfd)
		_ = unix.Close(wakeRead)
		_ = unix.Close(wakeWrite)
		return nil, fmt.Errorf("fiberloop: epoll_ctl add wake pipe: %w", err)
	}

	io.contextResize(initialFdContexts)

	s.hooks = io
	io.Start()
	return io, nil
}

// PendingEvents returns the number of registered, unfired directions across
// all file descriptors.
func (io *IOManager) PendingEvents() int64 {
	return io.pendingEvents.Load()
}

// contextResize grows the fd-context table to size, allocating missing
// slots. Caller holds ctxMu exclusively (or is the constructor).
func (io *IOManager) contextResize(size int) {
	if size <= len(io.fdContexts) {
		return
	}
	next := make([]*FdContext, size)
	copy(next, io.fdContexts)
	for i := range next {
		if next[i] == nil {
			next[i] = &FdContext{fd: i}
		}
	}
	io.fdContexts = next
}

// fdContextFor returns the slot for fd, growing the table to ⌈fd·1.5⌉ when
// create is set and the fd is beyond the current length.
func (io *IOManager) fdContextFor(fd int, create bool) *FdContext {
	io.ctxMu.RLock()
	if fd < len(io.fdContexts) {
		ctx := io.fdContexts[fd]
		io.ctxMu.RUnlock()
		return ctx
	}
	io.ctxMu.RUnlock()
	if !create {
		return nil
	}
	io.ctxMu.Lock()
	if fd >= len(io.fdContexts) {
		io.contextResize((fd*3 + 1) / 2)
	}
	ctx := io.fdContexts[fd]
	io.ctxMu.Unlock()
	return ctx
}

// AddEvent registers one readiness direction for fd. With a callback, the
// callback is scheduled when the direction fires; without one, the calling
// fiber (which must be Running, and scheduled — not a main fiber) is parked
// as the resumption target, and the caller is expected to Yield afterwards.
//
// Registration is rejected with [ErrEventRegistered] when the direction is
// already present, leaving state unchanged.
func (io *IOManager) AddEvent(fd int, event FdEvent, cb ...func()) error {
	if fd < 0 {
		return ErrFdOutOfRange
	}
	if event != EventRead && event != EventWrite {
		panic("fiberloop: AddEvent requires exactly one of EventRead or EventWrite")
	}
	var fn func()
	if len(cb) > 0 {
		fn = cb[0]
	}

	ctx := io.fdContextFor(fd, true)
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events&event != 0 {
		return ErrEventRegistered
	}

	op := unix.EPOLL_CTL_ADD
	if ctx.events != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: uint32(ctx.events|event) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(io.epfd, op, fd, &ev); err != nil {
		io.logSyscallFailure("epoll_ctl", fd, err)
		return fmt.Errorf("fiberloop: epoll_ctl register event: %w", err)
	}

	io.pendingEvents.Add(1)
	ctx.events |= event

	ec := ctx.eventContext(event)
	if ec.scheduler != nil || ec.fiber != nil || ec.cb != nil {
		panic("fiberloop: event context not reset")
	}
	ec.scheduler = CurrentScheduler()
	if ec.scheduler == nil {
		// Registered from outside the pool; wakeups go to this manager.
		ec.scheduler = io.Scheduler
	}
	if fn != nil {
		ec.cb = fn
	} else {
		f := CurrentFiber()
		if f.main {
			panic("fiberloop: AddEvent without a callback must be called from a scheduled fiber")
		}
		if f.State() != StateRunning {
			panic("fiberloop: AddEvent without a callback requires a Running fiber")
		}
		ec.fiber = f
	}
	return nil
}

// DelEvent silently removes a registered direction without firing its
// resumption target. Returns false if the direction is not present.
func (io *IOManager) DelEvent(fd int, event FdEvent) bool {
	ctx := io.fdContextFor(fd, false)
	if ctx == nil {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events&event == 0 {
		return false
	}

	left := ctx.events &^ event
	op := unix.EPOLL_CTL_DEL
	if left != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: uint32(left) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(io.epfd, op, fd, &ev); err != nil {
		io.logSyscallFailure("epoll_ctl", fd, err)
		return false
	}

	io.pendingEvents.Add(-1)
	ctx.events = left
	ctx.resetEventContext(ctx.eventContext(event))
	return true
}

// CancelEvent removes a registered direction and fires its stored resumption
// target (cancellation is observable as a normal wakeup). Returns false if
// the direction is not present.
func (io *IOManager) CancelEvent(fd int, event FdEvent) bool {
	ctx := io.fdContextFor(fd, false)
	if ctx == nil {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events&event == 0 {
		return false
	}

	left := ctx.events &^ event
	op := unix.EPOLL_CTL_DEL
	if left != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: uint32(left) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(io.epfd, op, fd, &ev); err != nil {
		io.logSyscallFailure("epoll_ctl", fd, err)
		return false
	}

	io.pendingEvents.Add(-1)
	ctx.triggerEvent(event)
	return true
}

// CancelAll removes every registered direction for fd, firing each stored
// resumption target. Returns false if nothing is registered.
func (io *IOManager) CancelAll(fd int) bool {
	ctx := io.fdContextFor(fd, false)
	if ctx == nil {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events == EventNone {
		return false
	}

	ev := unix.EpollEvent{Fd: int32(fd)}
	if err := unix.EpollCtl(io.epfd, unix.EPOLL_CTL_DEL, fd, &ev); err != nil {
		io.logSyscallFailure("epoll_ctl", fd, err)
		return false
	}

	if ctx.events&EventRead != 0 {
		ctx.triggerEvent(EventRead)
		io.pendingEvents.Add(-1)
	}
	if ctx.events&EventWrite != 0 {
		ctx.triggerEvent(EventWrite)
		io.pendingEvents.Add(-1)
	}
	return true
}

// tickle wakes a worker blocked in the readiness wait. A pool with no idle
// workers needs no wakeup.
func (io *IOManager) tickle() {
	if !io.HasIdleThreads() {
		return
	}
	if _, err := unix.Write(io.wakeWriteFd, []byte{'T'}); err != nil && err != unix.EAGAIN {
		io.logSyscallFailure("wake write", io.wakeWriteFd, err)
	}
}

// onTimerInsertedAtFront wakes a worker so the readiness wait re-bounds its
// timeout against the new head deadline.
func (io *IOManager) onTimerInsertedAtFront() {
	io.tickle()
}

// stopping additionally requires that no readiness registrations and no
// timers remain.
func (io *IOManager) stopping() bool {
	_, hasTimer := io.NextTimer()
	return !hasTimer && io.pendingEvents.Load() == 0 && io.Scheduler.stopping()
}

// idle is the body of each worker's idle fiber: a bounded readiness wait,
// timer drain, and readiness dispatch, yielding back to the worker loop
// after every wake.
func (io *IOManager) idle() {
	events := make([]unix.EpollEvent, maxEpollEvents)

	for {
		if io.stopping() {
			io.logger.Debug().Str("scheduler", io.name).Log("idle exiting")
			break
		}

		var n int
		for {
			timeout := maxIdleTimeoutMs
			if d, ok := io.NextTimer(); ok {
				// Round up so a sub-millisecond deadline doesn't busy-wait.
				if ms := int((d + time.Millisecond - 1) / time.Millisecond); ms < timeout {
					timeout = ms
				}
			}
			var err error
			n, err = unix.EpollWait(io.epfd, events, timeout)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				io.logSyscallFailure("epoll_wait", io.epfd, err)
				n = 0
			}
			break
		}

		for _, cb := range io.ListExpired() {
			io.Schedule(cb)
		}

		for i := 0; i < n; i++ {
			ev := &events[i]
			fd := int(ev.Fd)

			if fd == io.wakeReadFd {
				io.drainWakePipe()
				continue
			}

			ctx := io.fdContextFor(fd, false)
			if ctx == nil {
				continue
			}
			ctx.mu.Lock()

			bits := ev.Events
			if bits&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				// Deliver errors/hangups as readiness on the registered
				// directions so consumers observe them.
				bits |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(ctx.events)
			}
			var real FdEvent
			if bits&unix.EPOLLIN != 0 {
				real |= EventRead
			}
			if bits&unix.EPOLLOUT != 0 {
				real |= EventWrite
			}
			if ctx.events&real == EventNone {
				ctx.mu.Unlock()
				continue
			}

			left := ctx.events &^ real
			op := unix.EPOLL_CTL_DEL
			if left != EventNone {
				op = unix.EPOLL_CTL_MOD
			}
			reprog := unix.EpollEvent{Events: uint32(left) | unix.EPOLLET, Fd: int32(fd)}
			if err := unix.EpollCtl(io.epfd, op, fd, &reprog); err != nil {
				io.logSyscallFailure("epoll_ctl", fd, err)
				ctx.mu.Unlock()
				continue
			}

			if real&EventRead != 0 {
				ctx.triggerEvent(EventRead)
				io.pendingEvents.Add(-1)
			}
			if real&EventWrite != 0 {
				ctx.triggerEvent(EventWrite)
				io.pendingEvents.Add(-1)
			}
			ctx.mu.Unlock()
		}

		CurrentFiber().Yield()
	}
}

// drainWakePipe exhausts the self-pipe; it is registered edge-triggered.
func (io *IOManager) drainWakePipe() {
	var buf [256]byte
	for {
		if _, err := unix.Read(io.wakeReadFd, buf[:]); err != nil {
			break
		}
	}
}

// Stop shuts down the worker pool, then releases the multiplexer, the wake
// pipe, and the fd-context table. The same caller policy as
// [Scheduler.Stop] applies.
func (io *IOManager) Stop() {
	io.Scheduler.Stop()
	io.closeOnce.Do(func() {
		_ = unix.Close(io.epfd)
		_ = unix.Close(io.wakeReadFd)
		_ = unix.Close(io.wakeWriteFd)
		io.ctxMu.Lock()
		io.fdContexts = nil
		io.ctxMu.Unlock()
	})
}

func (io *IOManager) logSyscallFailure(op string, fd int, err error) {
	if io.logger == nil {
		return
	}
	if _, ok := io.limiter.Allow(op); !ok {
		return
	}
	io.logger.Err().
		Str("scheduler", io.name).
		Str("op", op).
		Int("fd", fd).
		Err(err).
		Log("kernel interaction failed")
}

// CurrentIOManager returns the I/O manager associated with the calling
// goroutine, or nil if the goroutine's scheduler is not an I/O manager.
func CurrentIOManager() *IOManager {
	s := CurrentScheduler()
	if s == nil {
		return nil
	}
	io, _ := s.hooks.(*IOManager)
	return io
}
