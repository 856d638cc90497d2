//go:build linux && !tinygo

package ring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// affinityCPUs is the number of host cores a unix.CPUSet can name.
const affinityCPUs = int(unsafe.Sizeof(unix.CPUSet{})) * 8

// setAffinity binds the calling OS thread to host core cpu so a pinned
// consumer keeps one core to itself. Failure leaves the thread unbound.
func setAffinity(cpu int) {
	if cpu < 0 || cpu >= affinityCPUs {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		affinityFailures.Add(1)
	}
}
