//go:build linux

package fiberloop

import (
	"golang.org/x/sys/unix"
)

// createWakePipe creates the non-blocking self-pipe used to wake workers
// blocked in the readiness wait. Returns the read and write ends.
func createWakePipe() (int, int, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return p[0], p[1], nil
}
