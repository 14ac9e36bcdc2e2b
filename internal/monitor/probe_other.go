//go:build !unix

package monitor

import (
	"github.com/shirou/gopsutil/v3/process"
)

type psProber struct{}

// SystemProber probes pids through the platform process table.
func SystemProber() Prober {
	return psProber{}
}

func (psProber) Probe(pid int) Liveness {
	if pid <= 0 {
		return Dead
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return Indeterminate
	}
	if ok {
		return Alive
	}
	return Dead
}
