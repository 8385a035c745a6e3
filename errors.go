package fiberloop

import (
	"errors"
)

// Standard errors.
var (
	// ErrEventRegistered is returned by [IOManager.AddEvent] when the
	// direction is already registered for the file descriptor. The existing
	// registration is left untouched.
	ErrEventRegistered = errors.New("fiberloop: event already registered for fd")

	// ErrFdOutOfRange is returned when a file descriptor is negative.
	ErrFdOutOfRange = errors.New("fiberloop: fd out of range")
)
