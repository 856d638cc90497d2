// relax_stub.go
//
// cpuRelax yields the host thread so busy-wait loops on an oversubscribed
// host do not starve the goroutine they are waiting on.

package ring

import "runtime"

// cpuRelax backs off one spin iteration.
func cpuRelax() { runtime.Gosched() }

// Relax is cpuRelax for callers outside the package that busy-poll the
// ring's cursors.
func Relax() { cpuRelax() }
