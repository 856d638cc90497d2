// ════════════════════════════════════════════════════════════════════════════════════════════════
// Read-Copy-Update
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Epoch-protected pointers and deferred reclamation
//
// Description:
//   Readers bracket their accesses with ReadLock/Unlock. Entry bumps the reader count of the
//   current epoch parity and re-checks the epoch, so a reader either registers in the parity a
//   writer will wait for, or observes the flip and retries. A grace period flips the parity and
//   waits for the old parity's readers to leave.
//
//   Writers publish with Ptr.Assign and hand the old value to Retire/Dispose. Reclamation runs
//   on a background reclaimer after a grace period; Dispose itself never waits for readers.
//
// Guarantees:
//   - ReadLock never blocks; it may retry while a flip is in progress.
//   - A callback passed to Dispose runs only after every read-side section that was active when
//     Dispose was called has exited.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// READ SIDE
// ============================================================================

type domain struct {
	epoch   atomic.Uint64
	_       [56]byte
	readers [2]struct {
		n atomic.Int64
		_ [56]byte
	}

	gpMu sync.Mutex // serializes grace periods

	cbMu    sync.Mutex
	pending []func()
	kick    chan struct{}
	start   sync.Once

	completed atomic.Uint64 // callbacks run so far
}

var global = &domain{kick: make(chan struct{}, 1)}

// Guard is an active read-side critical section.
type Guard struct {
	parity uint64
}

// ReadLock enters a read-side critical section.
//
//go:nosplit
func ReadLock() Guard {
	d := global
	for {
		e := d.epoch.Load()
		d.readers[e&1].n.Add(1)
		if d.epoch.Load() == e {
			return Guard{parity: e & 1}
		}
		d.readers[e&1].n.Add(-1)
	}
}

// Unlock leaves the critical section.
//
//go:nosplit
func (g Guard) Unlock() {
	global.readers[g.parity].n.Add(-1)
}

// ============================================================================
// POINTERS
// ============================================================================

// Ptr is an RCU-protected pointer.
type Ptr[T any] struct {
	p atomic.Pointer[T]
}

// Read loads the pointer. The result may only be dereferenced until the
// enclosing Guard is unlocked.
//
//go:nosplit
func (r *Ptr[T]) Read() *T { return r.p.Load() }

// ReadByOwner loads the pointer from the side that serializes updates and
// therefore needs no guard.
//
//go:nosplit
func (r *Ptr[T]) ReadByOwner() *T { return r.p.Load() }

// Assign publishes v and returns the previous value, which the caller must
// retire rather than reuse.
func (r *Ptr[T]) Assign(v *T) *T { return r.p.Swap(v) }

// ============================================================================
// WRITE SIDE
// ============================================================================

// Synchronize waits for a full grace period. Writers only; never call it
// inside a read-side section.
func Synchronize() {
	d := global
	d.gpMu.Lock()
	defer d.gpMu.Unlock()
	e := d.epoch.Load()
	d.epoch.Store(e + 1)
	// Readers that registered under e after this flip fail their re-check
	// and retry under e+1, so the old parity only drains.
	spins := 0
	for d.readers[e&1].n.Load() != 0 {
		if spins++; spins < 64 {
			runtime.Gosched()
			continue
		}
		time.Sleep(10 * time.Microsecond)
	}
}

// Dispose schedules fn to run after a grace period.
func Dispose(fn func()) {
	d := global
	d.start.Do(func() { go d.reclaimer() })
	d.cbMu.Lock()
	d.pending = append(d.pending, fn)
	d.cbMu.Unlock()
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Retire hands v to free after a grace period.
func Retire[T any](v *T, free func(*T)) {
	if v == nil {
		return
	}
	Dispose(func() { free(v) })
}

// Barrier returns once every callback disposed before the call has run.
func Barrier() {
	done := make(chan struct{})
	Dispose(func() { close(done) })
	<-done
}

// Completed reports how many disposal callbacks have run.
func Completed() uint64 { return global.completed.Load() }

func (d *domain) reclaimer() {
	for range d.kick {
		for {
			d.cbMu.Lock()
			batch := d.pending
			d.pending = nil
			d.cbMu.Unlock()
			if len(batch) == 0 {
				break
			}
			Synchronize()
			for _, fn := range batch {
				d.completed.Add(1)
				fn()
			}
		}
	}
}
