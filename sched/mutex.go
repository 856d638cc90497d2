// ════════════════════════════════════════════════════════════════════════════════════════════════
// Mutex & Condition Variable
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: sleeping locks built on the wake protocol
//
// Description:
//   Mutex is recursive with FIFO hand-off: Unlock makes the oldest waiter the owner and then
//   wakes it, so a woken waiter never competes for the lock. A short host lock guards the owner
//   and the wait list; it is never held across a sleep.
//
//   CondVar.WakeAll morphs wakes when the waker owns the waiters' mutex. A waiting thread is
//   moved to SendingLock and queued on the mutex instead of being woken, and the unlock that
//   hands it the mutex completes the wake. Without this every waiter would wake only to block
//   on the mutex again.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// waitRecord is one blocked thread; woken is set before its wake.
type waitRecord struct {
	t     *Thread
	woken atomic.Bool
}

func (wr *waitRecord) Arm()       {}
func (wr *waitRecord) Poll() bool { return wr.woken.Load() }
func (wr *waitRecord) Disarm()    {}

func (wr *waitRecord) wake(src int) {
	wr.t.WakeWith(src, func() { wr.woken.Store(true) })
}

func (wr *waitRecord) wakeFromMutex(src int) {
	wr.t.wakeWithFromMutex(src, func() { wr.woken.Store(true) })
}

// srcOf is the waker id of a possibly nil thread.
func srcOf(me *Thread) int {
	if me == nil {
		return External
	}
	return me.CPU()
}

// ─────────────────────────────────────────────────────────────────────────────
// Mutex
// ─────────────────────────────────────────────────────────────────────────────

// Mutex is a recursive sleeping lock owned by a thread.
type Mutex struct {
	mu       sync.Mutex
	owner    *Thread
	depth    int
	waiters  []*waitRecord
	handoffs atomic.Uint64
}

// Lock acquires m for me, sleeping while another thread owns it.
func (m *Mutex) Lock(me *Thread) {
	m.mu.Lock()
	switch m.owner {
	case nil:
		m.owner, m.depth = me, 1
		m.mu.Unlock()
		return
	case me:
		m.depth++
		m.mu.Unlock()
		return
	}
	wr := &waitRecord{t: me}
	m.waiters = append(m.waiters, wr)
	m.mu.Unlock()
	me.WaitFor(wr)
}

// TryLock acquires m only if nobody else owns it.
func (m *Mutex) TryLock(me *Thread) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.owner {
	case nil:
		m.owner, m.depth = me, 1
		return true
	case me:
		m.depth++
		return true
	}
	return false
}

// Unlock releases one level; the last one hands m to the oldest waiter.
func (m *Mutex) Unlock(me *Thread) {
	m.mu.Lock()
	if m.owner != me {
		m.mu.Unlock()
		debug.Fatal("sched", "mutex unlocked by thread "+utils.Utoa(me.id)+" which does not own it")
	}
	if m.depth--; m.depth > 0 {
		m.mu.Unlock()
		return
	}
	if len(m.waiters) == 0 {
		m.owner = nil
		m.mu.Unlock()
		return
	}
	wr := m.waiters[0]
	m.waiters[0] = nil
	m.waiters = m.waiters[1:]
	m.owner, m.depth = wr.t, 1
	m.mu.Unlock()
	m.handoffs.Add(1)
	wr.wakeFromMutex(me.CPU())
}

// Owned reports whether me holds m.
func (m *Mutex) Owned(me *Thread) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == me
}

// Handoffs counts unlocks that passed ownership to a waiter.
func (m *Mutex) Handoffs() uint64 { return m.handoffs.Load() }

// sendLockUnlessWaiting queues wr as a waiter unless its thread already
// waits for m.
func (m *Mutex) sendLockUnlessWaiting(wr *waitRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.ContainsFunc(m.waiters, func(o *waitRecord) bool { return o.t == wr.t }) {
		return false
	}
	if m.owner == nil {
		// Only reached when the waker does not hold m, which WakeAll rules out.
		debug.Fatal("sched", "lock sent to a free mutex")
	}
	m.waiters = append(m.waiters, wr)
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Condition variable
// ─────────────────────────────────────────────────────────────────────────────

// CondVar is a condition variable over a Mutex.
type CondVar struct {
	mu      sync.Mutex
	m       *Mutex
	waiters []*waitRecord
	morphed atomic.Uint64
}

// Wait releases m, sleeps until woken and holds m again on return.
func (cv *CondVar) Wait(me *Thread, m *Mutex) {
	wr := &waitRecord{t: me}
	cv.mu.Lock()
	cv.m = m
	cv.waiters = append(cv.waiters, wr)
	cv.mu.Unlock()
	me.WaitForLocked(m, wr)
}

// WakeOne wakes the oldest waiter. me is the calling thread, nil outside
// any thread.
func (cv *CondVar) WakeOne(me *Thread) {
	cv.mu.Lock()
	if len(cv.waiters) == 0 {
		cv.mu.Unlock()
		return
	}
	wr := cv.waiters[0]
	cv.waiters[0] = nil
	cv.waiters = cv.waiters[1:]
	cv.mu.Unlock()
	wr.wake(srcOf(me))
}

// WakeAll wakes every waiter, morphing the wakes into mutex hand-offs when
// me holds the waiters' mutex.
func (cv *CondVar) WakeAll(me *Thread) {
	cv.mu.Lock()
	ws, m := cv.waiters, cv.m
	cv.waiters = nil
	cv.mu.Unlock()
	morph := me != nil && m != nil && m.Owned(me)
	src := srcOf(me)
	for _, wr := range ws {
		if morph && wr.t.wakeLock(m, wr) {
			cv.morphed.Add(1)
			continue
		}
		wr.wake(src)
	}
}

// Morphed counts wakes completed by a mutex hand-off.
func (cv *CondVar) Morphed() uint64 { return cv.morphed.Load() }
