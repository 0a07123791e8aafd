//go:build linux

package processor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pinHostThread binds the current OS thread to one host CPU chosen from its
// allowed set by processor number, and returns a function restoring the
// original mask.
func pinHostThread(number int) (func(), error) {
	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		return nil, fmt.Errorf("processor: get host affinity: %w", err)
	}

	cpu, ok := hostCPU(&old, number)
	if !ok {
		return nil, fmt.Errorf("processor: no host cpu for processor %d", number)
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("processor: set host affinity to cpu %d: %w", cpu, err)
	}

	return func() {
		_ = unix.SchedSetaffinity(0, &old)
	}, nil
}

// hostCPU picks the allowed CPU for processor number, wrapping around the
// allowed set.
func hostCPU(allowed *unix.CPUSet, number int) (int, bool) {
	n := allowed.Count()
	if n == 0 || number < 0 {
		return -1, false
	}
	want := number % n
	bits := len(allowed) * int(unsafe.Sizeof(allowed[0])) * 8
	for i, seen := 0, 0; i < bits && seen < n; i++ {
		if !allowed.IsSet(i) {
			continue
		}
		if seen == want {
			return i, true
		}
		seen++
	}
	return -1, false
}
