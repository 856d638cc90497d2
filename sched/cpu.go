// ════════════════════════════════════════════════════════════════════════════════════════════════
// Per-CPU Core
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: runqueue, context switch, incoming wakeups, idle loop, load balancer
//
// Description:
//   A CPU owns a runqueue ordered by local runtime (ties by thread id), a timer list, and one
//   incoming-wakeup queue per possible waker plus the external slot. Everything here except the
//   incoming queues, their mask, idlePoll and load runs on the goroutine holding the CPU's baton.
//
// Switch protocol:
//   switchTo marks the next thread current and sends on its resume channel, then parks the
//   outgoing goroutine. A terminating or migrating thread is finished by the next thread in
//   finishSwitch, after the outgoing goroutine gave up the baton: publishing either one earlier
//   would let another CPU run or reclaim it while it still executes here.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"errors"
	"math"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/lfqueue"
	"github.com/cloudius-systems/osv-sub002/ring"
	"github.com/cloudius-systems/osv-sub002/utils"
)

type cpuStats struct {
	switches  atomic.Uint64
	ipis      atomic.Uint64
	idleWaits atomic.Uint64
	renorms   atomic.Uint64
	preempts  atomic.Uint64
}

// CPU is one simulated core.
type CPU struct {
	id int
	s  *Sched

	rq   *btree.BTreeG[*Thread]
	load atomic.Int32

	current  *Thread
	idle     *Thread
	balancer *Thread

	timers       *timerList
	preemptTimer Timer

	incoming     [constants.MaxCPUs + 1]lfqueue.Queue[Thread]
	incomingMask atomic.Uint64
	idlePoll     atomic.Bool

	c                float64
	renormalizeCount int
	runningSince     time.Duration

	terminating    *Thread
	migrating      *Thread
	needReschedule bool

	stats cpuStats
}

func byRuntime(a, b *Thread) bool {
	if a.rt.rtt != b.rt.rtt {
		return a.rt.rtt < b.rt.rtt
	}
	return a.id < b.id
}

func newCPU(s *Sched, id int) *CPU {
	c := &CPU{
		id: id,
		s:  s,
		rq: btree.NewG[*Thread](8, byRuntime),
		c:  cInitial,
	}
	for i := range c.incoming {
		c.incoming[i].Init()
	}
	c.timers = newTimerList(c)
	c.preemptTimer = Timer{cpu: c, h: invalidHandle}
	return c
}

func (c *CPU) ID() int { return c.id }

// Load is the number of queued threads.
//
//go:nosplit
func (c *CPU) Load() int { return int(c.load.Load()) }

// ─────────────────────────────────────────────────────────────────────────────
// Runqueue
// ─────────────────────────────────────────────────────────────────────────────

func (c *CPU) enqueue(t *Thread) {
	c.rq.ReplaceOrInsert(t)
	c.load.Add(1)
}

func (c *CPU) dequeue(t *Thread) {
	if _, ok := c.rq.Delete(t); ok {
		c.load.Add(-1)
	}
}

// renormalize divides every local runtime and c by CMax. cur is the running
// thread's runtime, which is not in the runqueue.
func (c *CPU) renormalize(cur *threadRuntime) {
	queued := make([]*Thread, 0, c.rq.Len())
	c.rq.Ascend(func(t *Thread) bool {
		queued = append(queued, t)
		return true
	})
	c.rq.Clear(false)
	for _, t := range queued {
		t.rt.rtt /= constants.CMax
		t.rt.count++
	}
	cur.rtt /= constants.CMax
	if cur.count >= 0 {
		cur.count++
	}
	c.c /= constants.CMax
	c.renormalizeCount++
	for _, t := range queued {
		c.rq.ReplaceOrInsert(t)
	}
	c.stats.renorms.Add(1)
}

// ─────────────────────────────────────────────────────────────────────────────
// Wakeups
// ─────────────────────────────────────────────────────────────────────────────

// wakeLocal finishes a wake issued on this CPU for one of its own threads.
func (c *CPU) wakeLocal(t *Thread) {
	if t == c.current {
		t.ds.store(Running)
		return
	}
	t.rt.updateAfterSleep(c)
	t.ds.store(Queued)
	c.enqueue(t)
	c.needReschedule = true
}

func (c *CPU) sendWakeupIPI(src int) {
	if c.idlePoll.Load() {
		return
	}
	c.s.hw.SendWakeup(src, c.id)
}

// handleIncomingWakeups drains the queues whose bits are set, source order.
func (c *CPU) handleIncomingWakeups() {
	mask := c.incomingMask.Swap(0)
	for mask != 0 {
		src := bits.TrailingZeros64(mask)
		mask &= mask - 1
		q := &c.incoming[src]
		for t := q.PopFront(); t != nil; t = q.PopFront() {
			if t == c.current {
				t.ds.store(Running)
				continue
			}
			if t.cpu() != c {
				debug.DropMessage("sched", "thread "+utils.Utoa(t.id)+" queued to the wrong cpu "+utils.Itoa(c.id))
				continue
			}
			t.rt.updateAfterSleep(c)
			t.ds.store(Queued)
			c.enqueue(t)
			c.resumeTimers(t)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Scheduling
// ─────────────────────────────────────────────────────────────────────────────

// schedule is the voluntary reschedule point.
func (c *CPU) schedule() { c.reschedule(false, constants.Thyst) }

// reschedule picks the next thread and switches to it. The caller holds
// the baton; when it returns the calling thread runs again.
func (c *CPU) reschedule(fromYield bool, preemptAfter time.Duration) {
	c.needReschedule = false
	c.handleIncomingWakeups()

	now := c.s.hw.Now()
	interval := now - c.runningSince
	if interval <= 0 {
		interval = constants.ContextSwitchPenalty
	}
	p := c.current
	p.stats.cpuTime.Add(int64(interval))
	p.rt.ranFor(c, interval)
	c.runningSince = now

	pst := p.ds.status()
	if pst == Running {
		first, ok := c.rq.Min()
		if !ok {
			c.preemptTimer.Cancel()
			return
		}
		if !fromYield && p.rt.rtt < first.rt.rtt {
			c.armPreempt(p, p.rt.timeUntil(c, first.rt.rtt))
			return
		}
	}

	// p gives back the hysteresis credit it was switched in with
	p.rt.hysteresisRunStop(c)
	var n *Thread
	if pst == Running {
		p.ds.store(Queued)
		if fromYield {
			// the old minimum runs next and the yielder sorts no earlier
			n, _ = c.rq.DeleteMin()
			c.load.Add(-1)
			p.rt.rtt = math.Max(p.rt.rtt, n.rt.rtt)
		}
		if p != c.idle {
			p.stats.preemptions.Add(1)
			c.enqueue(p)
		}
	}
	if n == nil {
		if first, ok := c.rq.DeleteMin(); ok {
			n = first
			c.load.Add(-1)
		} else {
			n = c.idle
		}
	}
	debug.Assert(n == c.idle || n.ds.status() == Queued, "sched", "runqueue holds thread in status "+n.ds.status().String())
	n.rt.hysteresisRunStart(c)
	if n == p {
		p.ds.store(Running)
		if next, ok := c.rq.Min(); ok {
			c.armPreempt(p, p.rt.timeUntil(c, next.rt.rtt))
		}
		return
	}
	if pst == Running && p != c.idle {
		n.rt.addContextSwitchPenalty(c)
	}

	switch next, ok := c.rq.Min(); {
	case fromYield:
		c.armPreemptAfter(preemptAfter)
	case ok && n != c.idle:
		c.armPreempt(n, n.rt.timeUntil(c, next.rt.rtt))
	default:
		c.preemptTimer.Cancel()
	}

	n.ds.store(Running)
	n.stats.switches.Add(1)
	c.stats.switches.Add(1)
	c.switchTo(p, n)
}

func (c *CPU) armPreempt(t *Thread, d time.Duration) {
	if d <= 0 || t == c.idle {
		c.preemptTimer.Cancel()
		return
	}
	c.armPreemptAfter(d)
}

func (c *CPU) armPreemptAfter(d time.Duration) {
	c.preemptTimer.Set(c.s.hw.Now() + d)
}

// switchTo hands the baton from p to n and parks p until it is resumed.
func (c *CPU) switchTo(p, n *Thread) {
	c.current = n
	exiting := c.terminating == p
	n.resume <- struct{}{}
	if exiting {
		return
	}
	<-p.resume
	p.cpu().finishSwitch()
}

// finishSwitch runs on the thread that just took the baton of c.
func (c *CPU) finishSwitch() {
	c.runningSince = c.s.hw.Now()
	if t := c.terminating; t != nil {
		c.terminating = nil
		t.finish(c.id)
	}
	if t := c.migrating; t != nil {
		c.migrating = nil
		c.pushMigrated(t, t.migrateTo)
	}
}

// pushMigrated hands a thread that is off every CPU to target. Its status
// is already Waking.
func (c *CPU) pushMigrated(t *Thread, target *CPU) {
	t.rt.exportRuntime(c)
	t.migrateTo = nil
	t.ds.cpu.Store(target)
	target.incoming[c.id].PushBack(&t.wakeLink)
	bit := uint64(1) << c.id
	if target.incomingMask.Or(bit)&bit == 0 {
		target.sendWakeupIPI(c.id)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Interrupt-side hooks
// ─────────────────────────────────────────────────────────────────────────────

// preempt runs at the end of the outermost interrupt.
func (c *CPU) preempt() {
	if c.current.preemptCount == 0 {
		c.stats.preempts.Add(1)
		c.reschedule(false, constants.Thyst)
		return
	}
	c.needReschedule = true
}

// ─────────────────────────────────────────────────────────────────────────────
// Idle
// ─────────────────────────────────────────────────────────────────────────────

func (c *CPU) idleLoop() {
	s := c.s
	for {
		if s.flags.Stopping() {
			return
		}
		if s.hw.IRQPending(c.id) {
			s.hw.HandleIRQ(c.id)
			continue
		}
		if c.incomingMask.Load() != 0 || c.rq.Len() > 0 {
			c.schedule()
			continue
		}
		if c.poll() {
			continue
		}
		c.stats.idleWaits.Add(1)
		s.flags.PollCooldown()
		select {
		case <-s.hw.IRQLine(c.id):
		case <-s.flags.Stopped():
		}
	}
}

// poll spins with idlePoll set so remote wakers skip the IPI. The flag is
// cleared before the final check of the mask.
func (c *CPU) poll() bool {
	s := c.s
	spins := constants.IdlePollSpins
	if s.flags.Hot() {
		spins *= 16
	}
	c.idlePoll.Store(true)
	found := false
	for i := 0; i < spins && !found; i++ {
		found = c.incomingMask.Load() != 0 || s.hw.IRQPending(c.id)
		if !found {
			ring.Relax()
		}
	}
	c.idlePoll.Store(false)
	return found || c.incomingMask.Load() != 0
}

func (c *CPU) startIdle() {
	idle := c.idle
	c.current = idle
	idle.ds.store(Running)
	c.runningSince = c.s.hw.Now()
	go func() {
		<-idle.resume
		c.finishSwitch()
		c.idleLoop()
	}()
	idle.resume <- struct{}{}
}

// ─────────────────────────────────────────────────────────────────────────────
// Load balancing
// ─────────────────────────────────────────────────────────────────────────────

func (c *CPU) loadBalance(me *Thread) {
	s := c.s
	tm := me.NewTimer()
	defer tm.Cancel()
	for !s.flags.Stopping() {
		tm.SetAfter(s.cfg.BalanceInterval)
		me.WaitFor(tm, Pred(s.flags.Stopping))
		c.balanceOnce()
	}
}

// balanceOnce moves one queued thread to the least loaded CPU when that
// CPU trails this one by more than the balancer itself.
func (c *CPU) balanceOnce() bool {
	if c.rq.Len() == 0 {
		return false
	}
	target := c
	for _, o := range c.s.cpus {
		if o.Load() < target.Load() {
			target = o
		}
	}
	if target == c || target.Load() >= c.Load()-1 {
		return false
	}
	var mig *Thread
	c.rq.Descend(func(t *Thread) bool {
		if t.pinned {
			return true
		}
		mig = t
		return false
	})
	if mig == nil {
		return false
	}
	c.dequeue(mig)
	mig.ds.store(Waking)
	c.suspendTimers(mig)
	mig.stats.migrations.Add(1)
	c.pushMigrated(mig, target)
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Diagnostics
// ─────────────────────────────────────────────────────────────────────────────

var errRunqueue = errors.New("sched: runqueue invariant violated")

// CheckInvariants verifies the runqueue from the thread holding c's baton:
// sorted by runtime, every entry queued on c, load matching the tree.
func (c *CPU) CheckInvariants() error {
	var prev *Thread
	var err error
	n := 0
	c.rq.Ascend(func(t *Thread) bool {
		n++
		switch {
		case prev != nil && !byRuntime(prev, t):
			err = errRunqueue
		case t.ds.status() != Queued:
			err = errRunqueue
		case t.cpu() != c, t == c.current, math.IsNaN(t.rt.rtt):
			err = errRunqueue
		}
		prev = t
		return err == nil
	})
	if err == nil && n != c.Load() {
		err = errRunqueue
	}
	return err
}
