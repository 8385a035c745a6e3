// Package fiberloop provides a cooperative coroutine runtime for Go,
// composed of stackful-style fibers, an M:N scheduler that multiplexes fiber
// tasks onto a fixed pool of workers, and an I/O manager that parks fibers on
// file descriptor readiness and timers.
//
// # Architecture
//
// The runtime is built in three layers:
//
//   - [Fiber]: a cooperatively scheduled execution with its own goroutine and
//     a saved rendezvous point. Fibers are created Ready, become Running when
//     resumed, and either yield back to their worker (Ready again) or run to
//     completion (Terminated). A Terminated fiber can be rebound to a new body
//     with [Fiber.Reset].
//   - [Scheduler]: owns a pool of workers (optionally including the
//     constructing goroutine) and a FIFO task queue whose entries are fibers
//     or bare callbacks, optionally pinned to a specific worker. Idle workers
//     run a hookable idle fiber.
//   - [IOManager]: a Scheduler that is also a [TimerManager]. Its idle fiber
//     blocks in an edge-triggered readiness wait bounded by the next timer
//     deadline, converting readiness and timer expiry into task submissions.
//     A self-pipe wakes blocked workers when new work arrives.
//
// # Thread Safety
//
// Task submission ([Scheduler.Schedule], [Scheduler.ScheduleFiber]) and event
// registration ([IOManager.AddEvent] and friends) are safe to call from any
// goroutine. A fiber, however, is single-threaded cooperative: it must not be
// resumed concurrently, and the default configuration never migrates a
// Running fiber between workers.
//
// Each worker owns a main fiber representing its native execution, and may
// designate a scheduler fiber as the default yield target; both are tracked
// implicitly per goroutine.
//
// # Platform Support
//
// Readiness notification uses edge-triggered epoll and a non-blocking pipe,
// and is currently Linux-only. The fiber and scheduler layers are portable.
//
// # Usage
//
//	io, err := fiberloop.NewIOManager(
//	    fiberloop.WithThreads(2),
//	    fiberloop.WithName("echo"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	io.AddTimer(100*time.Millisecond, func() {
//	    fmt.Println("tick")
//	}, false)
//
//	io.Schedule(func() {
//	    if err := io.AddEvent(fd, fiberloop.EventRead); err == nil {
//	        fiberloop.CurrentFiber().Yield() // parked until fd is readable
//	        // fd is ready; drain it here
//	    }
//	})
//
//	io.Stop()
//
// Readiness delivery is one-shot per registration: the direction is
// deregistered when it fires, and consumers re-arm with a fresh AddEvent.
package fiberloop
