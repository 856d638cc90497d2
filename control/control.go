// control.go - Global stop/activity flags for idle loops and pinned engines
// ============================================================================
// SYSTEM CONTROL ORCHESTRATION
// ============================================================================
//
// A Flags value is the signalling block shared between a booted machine and
// every loop that spins on its behalf: the per-CPU idle threads and the ITS
// command engine. Each machine owns one so several kernels can live in one
// test binary; the package-level default serves the boot binary's signal
// handler.
//
// hot flag contract:
//     Producer (CWRITER)      Consumer (ITS engine)
//     ------------------      ---------------------
//     SignalActivity  ─────▶  stays in hot-spin
//     ...                     PollCooldown clears hot after cooldown
//
// All cross-goroutine state is accessed atomically.

package control

import (
	"sync/atomic"
	"time"
)

// ============================================================================
// FLAG BLOCK
// ============================================================================

// Flags carries one machine's coordination state.
type Flags struct {
	hot  uint32 // 1 while producers are active
	stop uint32 // 1 once shutdown began
	_    [56]byte

	lastHot    int64 // unix ns of the last SignalActivity
	cooldownNs int64
	stopped    chan struct{}
	once       atomic.Bool
}

// New returns a running flag block with the given hot cooldown.
func New(cooldown time.Duration) *Flags {
	return &Flags{
		cooldownNs: int64(cooldown),
		stopped:    make(chan struct{}),
	}
}

// SignalActivity marks the block hot and records the time.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (f *Flags) SignalActivity() {
	atomic.StoreInt64(&f.lastHot, time.Now().UnixNano())
	atomic.StoreUint32(&f.hot, 1)
}

// PollCooldown clears the hot flag once the cooldown elapsed since the last
// activity. Called from consumer spin loops.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (f *Flags) PollCooldown() {
	if atomic.LoadUint32(&f.hot) == 1 &&
		time.Now().UnixNano()-atomic.LoadInt64(&f.lastHot) > f.cooldownNs {
		atomic.StoreUint32(&f.hot, 0)
	}
}

// Shutdown sets the stop flag and closes the Stopped channel once.
func (f *Flags) Shutdown() {
	atomic.StoreUint32(&f.stop, 1)
	if f.once.CompareAndSwap(false, true) {
		close(f.stopped)
	}
}

// Stopping reports whether Shutdown was called.
//
//go:nosplit
//go:inline
func (f *Flags) Stopping() bool {
	return atomic.LoadUint32(&f.stop) != 0
}

// Hot reports the activity flag.
//
//go:nosplit
//go:inline
func (f *Flags) Hot() bool {
	return atomic.LoadUint32(&f.hot) != 0
}

// Stopped is closed by Shutdown; blocking loops select on it.
func (f *Flags) Stopped() <-chan struct{} {
	return f.stopped
}

// Pointers exposes (*stop, *hot) for loops that poll raw words.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (f *Flags) Pointers() (*uint32, *uint32) {
	return &f.stop, &f.hot
}

// ============================================================================
// PROCESS DEFAULT
// ============================================================================

var std = New(time.Second)

// Default returns the process-wide block used by the boot binary.
func Default() *Flags { return std }

// Shutdown stops the process-wide block.
func Shutdown() { std.Shutdown() }

// Pointers returns the process-wide (*stop, *hot) words.
func Pointers() (*uint32, *uint32) { return std.Pointers() }
