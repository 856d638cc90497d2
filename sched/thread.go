// ════════════════════════════════════════════════════════════════════════════════════════════════
// Threads
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: thread objects, lifecycle and the wake protocol
//
// Description:
//   Every thread is a goroutine that only runs while it holds its CPU's baton. Switching hands
//   the baton to the next thread's resume channel and parks on the outgoing one, so each
//   simulated CPU executes exactly one thread at a time.
//
//   Status lives in a separately allocated detached record reclaimed through RCU. A waker may
//   race with the thread's destruction: it enters a read-side section, loads the record and
//   CASes the status. Once the thread is terminated the record's status never leaves
//   Terminated, so the CAS fails harmlessly until the record is reclaimed.
//
// Wake:
//   waiting → waking, then local enqueue on the waker's CPU or a push onto the target CPU's
//   incoming queue for the waker's source slot. Every other status makes the wake a no-op.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/lfqueue"
	"github.com/cloudius-systems/osv-sub002/rcu"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// External is the waker id for wakes issued from outside any CPU.
const External = constants.ExternalWaker

// ErrInterrupted is returned by interruptible waits.
var ErrInterrupted = errors.New("sched: wait interrupted")

// Status is a thread's scheduling state.
type Status uint32

const (
	Invalid Status = iota
	Prestarted
	Unstarted
	Waiting
	SendingLock
	Running
	Queued
	Waking
	Terminating
	Terminated
)

var statusNames = [...]string{
	"invalid", "prestarted", "unstarted", "waiting", "sending_lock",
	"running", "queued", "waking", "terminating", "terminated",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "status(" + utils.Utoa(uint64(s)) + ")"
}

// Wake masks: the statuses a wake may start from.
const (
	maskWaiting      = 1 << Waiting
	maskWaitingOrMtx = 1<<Waiting | 1<<SendingLock
)

// detach states
const (
	attached uint32 = iota
	detached
	attachedComplete
)

// detachedState outlives its thread by a grace period.
type detachedState struct {
	t         *Thread
	cpu       atomic.Pointer[CPU]
	st        atomic.Uint32
	lockSent  atomic.Bool
	reclaimed atomic.Bool
}

func (ds *detachedState) status() Status { return Status(ds.st.Load()) }

func (ds *detachedState) cas(from, to Status) bool {
	return ds.st.CompareAndSwap(uint32(from), uint32(to))
}

func (ds *detachedState) store(s Status) { ds.st.Store(uint32(s)) }

// StackInfo describes a thread stack. A nil Deleter means the caller owns
// the memory.
type StackInfo struct {
	Mem     []byte
	Size    int
	Deleter func(StackInfo)
}

// Attr configures a new thread. The zero value is a default, unpinned,
// attached thread with a scheduler-allocated stack.
type Attr struct {
	stack    StackInfo
	stackSet bool
	pinID    int
	pinned   bool
	detached bool
	name     string
	prio     float64
}

// Stack requests a scheduler-allocated stack of size bytes.
func (a Attr) Stack(size int) Attr {
	a.stack = StackInfo{Size: size}
	a.stackSet = true
	return a
}

// WithStack runs the thread on caller-provided memory.
func (a Attr) WithStack(si StackInfo) Attr {
	a.stack = si
	a.stackSet = true
	return a
}

// Pin binds the thread to cpu for its whole life.
func (a Attr) Pin(cpu int) Attr {
	a.pinned, a.pinID = true, cpu
	return a
}

func (a Attr) Detached(v bool) Attr {
	a.detached = v
	return a
}

// Name is truncated to MaxThreadName bytes.
func (a Attr) Name(n string) Attr {
	if len(n) > constants.MaxThreadName {
		n = n[:constants.MaxThreadName]
	}
	a.name = n
	return a
}

func (a Attr) Priority(p float64) Attr {
	a.prio = p
	return a
}

type threadStats struct {
	switches    atomic.Uint64
	preemptions atomic.Uint64
	migrations  atomic.Uint64
	cpuTime     atomic.Int64
}

// Thread is a kernel thread.
type Thread struct {
	s     *Sched
	fn    func(me *Thread)
	id    uint64
	name  string
	ds    *detachedState
	stack StackInfo

	rt threadRuntime

	pinned       bool
	preemptCount int
	migrateTo    *CPU
	timers       []*Timer
	wakeLink     lfqueue.Link[Thread]
	interrupted  atomic.Bool
	joiner       atomic.Pointer[Thread]
	detach       atomic.Uint32
	disposed     atomic.Bool
	cleanup      func()
	resume       chan struct{}
	done         chan struct{}
	stats        threadStats
}

// ─────────────────────────────────────────────────────────────────────────────
// Accessors
// ─────────────────────────────────────────────────────────────────────────────

func (t *Thread) ID() uint64 { return t.id }

func (t *Thread) Name() string { return t.name }

// Status is the thread's status, Invalid once reclaimed.
func (t *Thread) Status() Status {
	g := rcu.ReadLock()
	defer g.Unlock()
	return t.ds.status()
}

// CPU is the id of the CPU the thread belongs to.
func (t *Thread) CPU() int { return t.ds.cpu.Load().id }

//go:nosplit
//go:inline
func (t *Thread) cpu() *CPU { return t.ds.cpu.Load() }

func (t *Thread) Priority() float64 { return t.rt.priority() }

// SetPriority takes effect the next time the thread is enqueued.
func (t *Thread) SetPriority(p float64) { t.rt.setPriority(p) }

func (t *Thread) Interrupted() bool { return t.interrupted.Load() }

// SetInterrupted flags the thread and wakes it when set, so an interruptible
// wait observes the flag.
func (t *Thread) SetInterrupted(v bool) {
	t.interrupted.Store(v)
	if v {
		t.Wake()
	}
}

// SetCleanup installs a hook run when the thread is destroyed.
func (t *Thread) SetCleanup(fn func()) { t.cleanup = fn }

// Done is closed once the thread terminated.
func (t *Thread) Done() <-chan struct{} { return t.done }

func (t *Thread) Pinned() bool { return t.pinned }

// Stats snapshots the thread's counters.
func (t *Thread) Stats() ThreadStat {
	st := ThreadStat{
		ID:          t.id,
		Name:        t.name,
		Status:      t.Status(),
		Priority:    t.rt.priority(),
		Switches:    t.stats.switches.Load(),
		Preemptions: t.stats.preemptions.Load(),
		Migrations:  t.stats.migrations.Load(),
		CPUTime:     time.Duration(t.stats.cpuTime.Load()),
	}
	if c := t.ds.cpu.Load(); c != nil {
		st.CPU = c.id
	}
	return st
}

// ─────────────────────────────────────────────────────────────────────────────
// Wake protocol
// ─────────────────────────────────────────────────────────────────────────────

// Wake wakes the thread from outside any CPU. Safe from every goroutine.
func (t *Thread) Wake() { t.wake(External, maskWaiting, nil) }

// WakeFrom wakes the thread from the CPU src; the caller holds src's baton.
func (t *Thread) WakeFrom(src int) { t.wake(src, maskWaiting, nil) }

// WakeWith runs action, then wakes the thread if it is waiting. A thread
// about to sleep polls after publishing Waiting, so it sees the action's
// effect either way.
func (t *Thread) WakeWith(src int, action func()) { t.wake(src, maskWaiting, action) }

func (t *Thread) wakeWithFromMutex(src int, action func()) { t.wake(src, maskWaitingOrMtx, action) }

func (t *Thread) wake(src int, mask uint32, action func()) {
	g := rcu.ReadLock()
	defer g.Unlock()
	wakeState(t.ds, src, mask, action)
}

// wakeState wakes through a detached record inside a read-side section.
func wakeState(ds *detachedState, src int, mask uint32, action func()) {
	debug.Assert(!ds.reclaimed.Load(), "sched", "wake on a reclaimed thread")
	if action != nil {
		action()
	}
	for {
		old := ds.status()
		if mask&(1<<old) == 0 {
			return
		}
		if ds.cas(old, Waking) {
			break
		}
	}
	t := ds.t
	tc := ds.cpu.Load()
	if src == tc.id {
		tc.wakeLocal(t)
		return
	}
	tc.incoming[src].PushBack(&t.wakeLink)
	bit := uint64(1) << src
	if tc.incomingMask.Or(bit)&bit == 0 {
		tc.sendWakeupIPI(src)
	}
	tc.s.flags.SignalActivity()
}

// wakeLock moves a waiting thread to SendingLock and queues wr on m, so the
// mutex hand-off completes the wake. False when the thread was not waiting
// or already waits on m; the caller then wakes it normally.
func (t *Thread) wakeLock(m *Mutex, wr *waitRecord) bool {
	g := rcu.ReadLock()
	defer g.Unlock()
	ds := t.ds
	if !ds.cas(Waiting, SendingLock) {
		return false
	}
	ds.lockSent.Store(true)
	if m.sendLockUnlessWaiting(wr) {
		return true
	}
	ds.lockSent.Store(false)
	ds.store(Waiting)
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// Start makes the thread runnable. Before the scheduler starts the thread
// is parked as prestarted and launched by Sched.Start.
func (t *Thread) Start() {
	if !t.ds.cas(Unstarted, Prestarted) {
		debug.Fatal("sched", "start of thread "+utils.Utoa(t.id)+" in status "+t.ds.status().String())
	}
	s := t.s
	s.mu.Lock()
	if !s.started {
		s.prestarted = append(s.prestarted, t)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	t.launch()
}

func (t *Thread) launch() {
	t.ds.store(Waiting)
	go t.run()
	t.Wake()
}

func (t *Thread) run() {
	<-t.resume
	t.cpu().finishSwitch()
	t.fn(t)
	t.complete()
}

// complete retires a thread whose function returned. The next thread on
// the CPU finishes the transition to Terminated.
func (t *Thread) complete() {
	c := t.cpu()
	if !t.detach.CompareAndSwap(attached, attachedComplete) {
		t.s.reaper.add(t, c.id)
	}
	t.preemptCount++
	c.cancelTimersOf(t)
	t.ds.store(Terminating)
	debug.Assert(c.terminating == nil, "sched", "two threads terminating on cpu "+utils.Itoa(c.id))
	c.terminating = t
	c.schedule()
}

// finish runs on the CPU that switched away from the terminating thread.
func (t *Thread) finish(src int) {
	g := rcu.ReadLock()
	ds := t.ds
	if t.joiner.CompareAndSwap(nil, t) {
		ds.store(Terminated)
	} else {
		ds.store(Terminated)
		wakeState(t.joiner.Load().ds, src, maskWaiting, nil)
	}
	g.Unlock()
	close(t.done)
}

// Join waits, as me, for the thread to terminate and destroys it.
func (t *Thread) Join(me *Thread) {
	if t.Status() == Unstarted {
		t.dispose()
		return
	}
	if !t.joiner.CompareAndSwap(nil, me) && t.joiner.Load() != t {
		debug.Fatal("sched", "thread "+utils.Utoa(t.id)+" joined twice")
	}
	me.WaitUntil(func() bool { return t.Status() == Terminated })
	t.dispose()
}

// Detach hands destruction to the reaper.
func (t *Thread) Detach() {
	if t.detach.CompareAndSwap(attached, detached) {
		return
	}
	if t.detach.CompareAndSwap(attachedComplete, detached) {
		t.s.reaper.add(t, External)
	}
}

func (t *Thread) dispose() {
	if !t.disposed.CompareAndSwap(false, true) {
		return
	}
	t.s.unregister(t)
	if t.cleanup != nil {
		t.cleanup()
	}
	if t.stack.Deleter != nil {
		t.stack.Deleter(t.stack)
	}
	ds := t.ds
	rcu.Retire(ds, func(d *detachedState) {
		d.t = nil
		d.store(Invalid)
		d.reclaimed.Store(true)
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Running-thread operations
// ─────────────────────────────────────────────────────────────────────────────

// PreemptDisable nests.
//
//go:nosplit
func (t *Thread) PreemptDisable() { t.preemptCount++ }

// PreemptEnable honours a reschedule requested while disabled.
func (t *Thread) PreemptEnable() {
	t.preemptCount--
	debug.Assert(t.preemptCount >= 0, "sched", "unbalanced PreemptEnable")
	if t.preemptCount == 0 {
		c := t.cpu()
		if c.needReschedule && t.s.hw.InterruptDepth(c.id) == 0 {
			c.schedule()
		}
	}
}

// SafePoint is the interrupt window of long-running code: pending interrupts
// are taken and a deferred reschedule runs.
func (t *Thread) SafePoint() {
	c := t.cpu()
	if t.s.hw.IRQPending(c.id) {
		t.s.hw.HandleIRQ(c.id)
		c = t.cpu()
	}
	if c.needReschedule && t.preemptCount == 0 {
		c.schedule()
	}
}

// Yield gives the CPU to the best queued thread, if any. The yielder is
// preempted again after at most preemptAfter.
func (t *Thread) Yield(preemptAfter time.Duration) {
	c := t.cpu()
	c.handleIncomingWakeups()
	if c.rq.Len() == 0 {
		return
	}
	c.reschedule(true, preemptAfter)
}

// Sleep blocks for d.
func (t *Thread) Sleep(d time.Duration) {
	tm := t.NewTimer()
	tm.SetAfter(d)
	t.WaitUntil(tm.Expired)
	tm.Cancel()
}

// Pin moves the calling thread to cpu and keeps it there.
func (t *Thread) Pin(cpu int) {
	target := t.s.cpus[cpu]
	t.pinned = true
	c := t.cpu()
	if c == target {
		return
	}
	t.preemptCount++
	c.suspendTimers(t)
	t.stats.migrations.Add(1)
	t.migrateTo = target
	t.ds.store(Waking)
	debug.Assert(c.migrating == nil, "sched", "two threads migrating off cpu "+utils.Itoa(c.id))
	c.migrating = t
	c.schedule()
	t.PreemptEnable()
}

// ─────────────────────────────────────────────────────────────────────────────
// Handle
// ─────────────────────────────────────────────────────────────────────────────

// Handle is a weak reference that can wake a thread which may already be
// destroyed. Reset and Clear belong to one owner; Wake is safe anywhere.
type Handle struct {
	ds rcu.Ptr[detachedState]
}

// Handle returns a new handle bound to the thread.
func (t *Thread) Handle() *Handle {
	h := &Handle{}
	h.Reset(t)
	return h
}

func (h *Handle) Reset(t *Thread) { h.ds.Assign(t.ds) }

func (h *Handle) Clear() { h.ds.Assign(nil) }

func (h *Handle) Valid() bool { return h.ds.ReadByOwner() != nil }

// Equal reports whether h refers to t.
func (h *Handle) Equal(t *Thread) bool {
	if t == nil {
		return h.ds.ReadByOwner() == nil
	}
	return h.ds.ReadByOwner() == t.ds
}

// Wake wakes the referenced thread from outside any CPU.
func (h *Handle) Wake() { h.WakeFrom(External) }

// WakeFrom wakes the referenced thread from CPU src.
func (h *Handle) WakeFrom(src int) { h.WakeWith(src, nil) }

// WakeWith runs action and then wakes the referenced thread, if any.
// action runs even when the handle is empty.
func (h *Handle) WakeWith(src int, action func()) {
	g := rcu.ReadLock()
	defer g.Unlock()
	if ds := h.ds.Read(); ds != nil {
		wakeState(ds, src, maskWaiting, action)
	} else if action != nil {
		action()
	}
}
