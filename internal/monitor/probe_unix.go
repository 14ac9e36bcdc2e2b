//go:build unix

package monitor

import (
	"errors"

	"golang.org/x/sys/unix"
)

type signalProber struct{}

// SystemProber probes pids with signal 0.
func SystemProber() Prober {
	return signalProber{}
}

func (signalProber) Probe(pid int) Liveness {
	if pid <= 0 {
		return Dead
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return Alive
	case errors.Is(err, unix.ESRCH):
		return Dead
	case errors.Is(err, unix.EPERM):
		return Indeterminate
	default:
		return Indeterminate
	}
}
