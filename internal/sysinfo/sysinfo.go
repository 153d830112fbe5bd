// Package sysinfo exposes the node topology figures the registry needs.
package sysinfo

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// SystemSize returns the number of CPUs on the node. It prefers the
// scheduler affinity mask of the calling process, which matches what the
// process can actually run on inside a cpuset or container, and falls back
// to runtime.NumCPU when the syscall is unavailable.
func SystemSize() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err == nil {
		if n := set.Count(); n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}
