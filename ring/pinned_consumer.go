// pinned_consumer.go
//
// Low-latency SPSC consumer driving the ITS command engine.
//
//   • Dedicated OS thread pinned to `core`.
//   • Stays in **hot-spin** while
//       – new work has arrived within hotWindow, OR
//       – the producer keeps hot == 1.
//   • After the grace window *and* once hot == 0 it drops to the
//     **cold-spin** path: cpuRelax every iteration and, after spinBudget
//     misses, a deep wait on `kick` (the CWRITER doorbell).
//   • Exits only when *stop == 1 and closes `done` exactly once.
//
// hot flag contract:
//     Producer             Consumer
//     --------             ------------------------------
//     Store 1  ─────────▶  read (wake / stay hot-spin)
//     ...push commands…
//     kick     ─────────▶  leaves deep wait
//     (optionally) Store 0  ◀─ consumer never writes

package ring

import (
	"runtime"
	"sync/atomic"
	"time"
)

const (
	spinBudget = 256                  // polls before deep wait
	hotWindow  = 2 * time.Millisecond // hot-spin grace
	deepWait   = time.Millisecond     // upper bound of one deep wait
)

// affinityFailures counts consumers the host refused to bind to a core.
var affinityFailures atomic.Uint64

// AffinityFailures reports how many consumers run unbound.
func AffinityFailures() uint64 { return affinityFailures.Load() }

// PinnedConsumer drains r until *stop is set.
func PinnedConsumer(
	core int,
	r *Ring,
	stop, hot *uint32,
	kick <-chan struct{},
	fn func(*[CommandSize]byte),
	done chan<- struct{},
) {
	go func() {
		// ── thread & affinity ─────────────────────────────
		runtime.LockOSThread()
		setAffinity(core) // stub on non-Linux
		defer func() {
			runtime.UnlockOSThread()
			close(done)
		}()

		last := time.Now() // last time Pop delivered
		miss := 0
		timer := time.NewTimer(deepWait)
		defer timer.Stop()

		// ── main loop ─────────────────────────────────────
		for {
			if p := r.Pop(); p != nil {
				fn(p)
				last, miss = time.Now(), 0
				continue
			}

			if atomic.LoadUint32(stop) != 0 {
				return
			}

			// ---------- choose spin mode ------------------
			if atomic.LoadUint32(hot) != 0 || time.Since(last) <= hotWindow {
				cpuRelax()
				continue
			}

			if miss++; miss < spinBudget {
				cpuRelax()
				continue
			}
			miss = 0
			hwWait(kick, timer)
		}
	}()
}

// hwWait parks until the doorbell rings or deepWait elapses, the stand-in
// for WFE on the real engine.
func hwWait(kick <-chan struct{}, timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(deepWait)
	select {
	case <-kick:
	case <-timer.C:
	}
}
