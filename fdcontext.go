package fiberloop

import (
	"sync"
)

// FdEvent is a bitmask of I/O readiness directions. The bit values match
// EPOLLIN and EPOLLOUT.
type FdEvent uint32

const (
	// EventNone is the empty event set.
	EventNone FdEvent = 0x0
	// EventRead indicates readable readiness.
	EventRead FdEvent = 0x1
	// EventWrite indicates writable readiness.
	EventWrite FdEvent = 0x4
)

// String returns a human-readable representation of the event set.
func (e FdEvent) String() string {
	switch e {
	case EventNone:
		return "None"
	case EventRead:
		return "Read"
	case EventWrite:
		return "Write"
	case EventRead | EventWrite:
		return "Read|Write"
	default:
		return "Invalid"
	}
}

// eventContext is the resumption target for one direction of a registered
// fd: exactly one of fiber or cb is set, and scheduler is where the wakeup
// is submitted. The scheduler pointer is a non-owning back-reference.
type eventContext struct {
	scheduler *Scheduler
	fiber     *Fiber
	cb        func()
}

// FdContext is the per-file-descriptor runtime state: the registered
// directions and, for each, the stored resumption target. Slots live in the
// IOManager's fd-indexed table and are reused across registrations.
type FdContext struct {
	mu     sync.Mutex
	fd     int
	events FdEvent
	read   eventContext
	write  eventContext
}

func (c *FdContext) eventContext(event FdEvent) *eventContext {
	switch event {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	}
	panic("fiberloop: unsupported event type")
}

func (c *FdContext) resetEventContext(ec *eventContext) {
	*ec = eventContext{}
}

// triggerEvent deregisters the direction and submits the stored callback or
// fiber to the stored scheduler. The direction bit must be set. Caller holds
// c.mu.
func (c *FdContext) triggerEvent(event FdEvent) {
	if c.events&event == 0 {
		panic("fiberloop: trigger of unregistered event")
	}
	c.events &^= event
	ec := c.eventContext(event)
	if ec.cb != nil {
		ec.scheduler.Schedule(ec.cb)
	} else if ec.fiber != nil {
		ec.scheduler.ScheduleFiber(ec.fiber)
	}
	c.resetEventContext(ec)
}
