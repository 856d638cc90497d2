package sched

import (
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// Waitable is something a thread can block on. Arm runs once before the
// first sleep, Poll after every wakeup, Disarm once the wait ends.
type Waitable interface {
	Arm()
	Poll() bool
	Disarm()
}

// Pred adapts a condition to Waitable.
type Pred func() bool

func (p Pred) Arm()       {}
func (p Pred) Poll() bool { return p() }
func (p Pred) Disarm()    {}

func pollAny(ws []Waitable) bool {
	for _, w := range ws {
		if w.Poll() {
			return true
		}
	}
	return false
}

func (t *Thread) checkWaitContext() {
	if t.preemptCount != 0 {
		debug.Fatal("sched", "thread "+utils.Utoa(t.id)+" waits with preemption disabled")
	}
	if c := t.cpu(); t.s.hw.InterruptDepth(c.id) > 0 {
		debug.Fatal("sched", "wait inside an interrupt on cpu "+utils.Itoa(c.id))
	}
}

// prepareWait moves the running thread to Waiting. Preemption stays off
// until stopWait so nothing switches it out between the poll and the sleep.
func (t *Thread) prepareWait() {
	t.preemptCount++
	st := t.ds.status()
	debug.Assert(st == Running, "sched", "prepareWait in status "+st.String())
	t.ds.store(Waiting)
}

func (t *Thread) wait() { t.cpu().schedule() }

// stopWait returns to Running. A wake already in flight is let through by
// rescheduling until the waker finished it.
func (t *Thread) stopWait() {
	if t.ds.cas(Waiting, Running) {
		t.PreemptEnable()
		return
	}
	t.PreemptEnable()
	for {
		st := t.ds.status()
		if st != Waking && st != SendingLock {
			break
		}
		t.cpu().schedule()
	}
	st := t.ds.status()
	debug.Assert(st == Running, "sched", "stopWait left thread in status "+st.String())
}

// WaitUntil blocks until pred holds. Pred must be cheap and is evaluated
// with preemption disabled.
func (t *Thread) WaitUntil(pred func() bool) {
	t.WaitFor(Pred(pred))
}

// WaitUntilInterruptible is WaitUntil that also returns ErrInterrupted
// once SetInterrupted(true) was called on the thread.
func (t *Thread) WaitUntilInterruptible(pred func() bool) error {
	t.interrupted.Store(false)
	interrupted := false
	t.WaitFor(Pred(func() bool {
		if pred() {
			return true
		}
		interrupted = t.interrupted.Load()
		return interrupted
	}))
	if interrupted {
		return ErrInterrupted
	}
	return nil
}

// WaitFor blocks until any of ws polls true.
func (t *Thread) WaitFor(ws ...Waitable) {
	t.checkWaitContext()
	if pollAny(ws) {
		return
	}
	for _, w := range ws {
		w.Arm()
	}
	for {
		t.prepareWait()
		if pollAny(ws) {
			break
		}
		t.wait()
		t.stopWait()
	}
	t.stopWait()
	for _, w := range ws {
		w.Disarm()
	}
}

// WaitForLocked is WaitFor with m held by the caller: m is released while
// asleep and held again on return. A waker that morphed the wake into a
// mutex hand-off (lockSent) already made the thread the owner.
func (t *Thread) WaitForLocked(m *Mutex, ws ...Waitable) {
	t.checkWaitContext()
	if pollAny(ws) {
		return
	}
	for _, w := range ws {
		w.Arm()
	}
	for {
		t.prepareWait()
		if pollAny(ws) {
			t.stopWait()
			break
		}
		m.Unlock(t)
		t.wait()
		t.stopWait()
		if t.ds.lockSent.Load() {
			t.ds.lockSent.Store(false)
		} else {
			m.Lock(t)
		}
	}
	for _, w := range ws {
		w.Disarm()
	}
}
