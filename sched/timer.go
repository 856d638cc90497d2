// ════════════════════════════════════════════════════════════════════════════════════════════════
// Timers
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: per-CPU timer lists over the tick bucket queue
//
// Description:
//   Each CPU files its armed timers in a bucketqueue keyed by TimerTick. Deadlines round up to
//   the next tick, so a timer never fires before its deadline and at most one tick after it. The
//   comparator is programmed for the earliest tick; its interrupt pops every due bucket, expires
//   the timers whose deadline has passed and refiles the few that popped early.
//
//   A thread timer wakes its owner on expiry. The preemption timer belongs to the CPU and only
//   requests a reschedule; the preemption itself runs at the end of the interrupt.
//
// Ownership:
//   A list is touched only by its CPU's baton holder. Timers of a migrating thread are
//   suspended on the source and refiled on the destination.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"math"
	"slices"
	"time"

	"github.com/cloudius-systems/osv-sub002/bucketqueue"
	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
)

const invalidHandle = bucketqueue.Invalid

type timerState uint8

const (
	timerFree timerState = iota
	timerArmed
	timerExpired
)

// Timer is a one-shot deadline. A thread timer belongs to the thread that
// created it and must be used only by that thread.
type Timer struct {
	owner    *Thread
	cpu      *CPU // preemption timers only
	state    timerState
	deadline time.Duration
	list     *timerList
	h        bucketqueue.Handle
}

// NewTimer creates a timer owned by t.
func (t *Thread) NewTimer() *Timer {
	return &Timer{owner: t, h: invalidHandle}
}

// Set arms the timer for the absolute deadline, replacing an earlier one.
func (tm *Timer) Set(deadline time.Duration) {
	tm.Cancel()
	tm.deadline = deadline
	tm.state = timerArmed
	if tm.owner == nil {
		tm.cpu.timers.add(tm)
		return
	}
	tm.owner.timers = append(tm.owner.timers, tm)
	tm.owner.cpu().timers.add(tm)
}

// SetAfter arms the timer d from now.
func (tm *Timer) SetAfter(d time.Duration) {
	s := tm.cpu
	if tm.owner != nil {
		s = tm.owner.cpu()
	}
	tm.Set(s.s.hw.Now() + d)
}

// Cancel disarms the timer and clears its expired flag.
func (tm *Timer) Cancel() {
	if tm.state == timerArmed {
		if tm.list != nil {
			tm.list.remove(tm)
		}
		tm.forget()
	}
	tm.state = timerFree
}

// Expired reports whether the timer fired since it was last set.
func (tm *Timer) Expired() bool { return tm.state == timerExpired }

// Deadline is the last deadline set.
func (tm *Timer) Deadline() time.Duration { return tm.deadline }

// Arm, Poll and Disarm make a timer a Waitable.
func (tm *Timer) Arm()       {}
func (tm *Timer) Poll() bool { return tm.Expired() }
func (tm *Timer) Disarm()    {}

func (tm *Timer) forget() {
	if tm.owner == nil {
		return
	}
	ts := tm.owner.timers
	if i := slices.Index(ts, tm); i >= 0 {
		tm.owner.timers = slices.Delete(ts, i, i+1)
	}
}

func (tm *Timer) expire(c *CPU) {
	tm.state = timerExpired
	if tm.owner == nil {
		tm.cpu.needReschedule = true
		return
	}
	tm.forget()
	tm.owner.WakeFrom(c.id)
}

// ─────────────────────────────────────────────────────────────────────────────
// Per-CPU list
// ─────────────────────────────────────────────────────────────────────────────

type timerList struct {
	c     *CPU
	q     *bucketqueue.Queue[Timer]
	armed int64 // tick the comparator is set for
	fired uint64
}

func dropErr(err error) {
	if err != nil {
		debug.DropError("sched: timer list", err)
	}
}

func tickCeil(d time.Duration) int64 {
	return int64((d + constants.TimerTick - 1) / constants.TimerTick)
}

func tickFloor(d time.Duration) int64 { return int64(d / constants.TimerTick) }

func newTimerList(c *CPU) *timerList {
	return &timerList{c: c, q: bucketqueue.New[Timer](0), armed: math.MaxInt64}
}

func (l *timerList) add(tm *Timer) {
	now := l.c.s.hw.Now()
	if l.q.Empty() {
		dropErr(l.q.Advance(tickFloor(now)))
	}
	h, err := l.q.Borrow()
	if err != nil {
		debug.Fatal("sched", "timer list full: "+err.Error())
	}
	tk := min(max(tickCeil(tm.deadline), l.q.Base()), l.q.Horizon())
	dropErr(l.q.Push(tk, h, tm))
	tm.h, tm.list = h, l
	if tk < l.armed {
		l.program(tk, now)
	}
}

func (l *timerList) remove(tm *Timer) {
	dropErr(l.q.Return(tm.h))
	tm.h, tm.list = invalidHandle, nil
}

func (l *timerList) program(tk int64, now time.Duration) {
	l.armed = tk
	l.c.s.hw.SetTimer(l.c.id, time.Duration(tk)*constants.TimerTick-now)
}

// fire runs from the clock interrupt of l's CPU.
func (l *timerList) fire() {
	now := l.c.s.hw.Now()
	l.armed = math.MaxInt64
	l.fired++
	due := tickCeil(now)
	var early []*Timer
	for {
		h, tk, tm := l.q.PeepMin()
		if h == invalidHandle || tk > due {
			break
		}
		l.remove(tm)
		if tm.deadline <= now {
			tm.expire(l.c)
		} else {
			early = append(early, tm)
		}
	}
	dropErr(l.q.Advance(tickFloor(now)))
	for _, tm := range early {
		l.add(tm)
	}
	if h, tk, _ := l.q.PeepMin(); h != invalidHandle && tk < l.armed {
		l.program(tk, now)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Migration
// ─────────────────────────────────────────────────────────────────────────────

// suspendTimers unfiles t's armed timers from c; they stay armed.
func (c *CPU) suspendTimers(t *Thread) {
	for _, tm := range t.timers {
		if tm.list == c.timers {
			c.timers.remove(tm)
		}
	}
}

// resumeTimers refiles t's armed timers on c.
func (c *CPU) resumeTimers(t *Thread) {
	for _, tm := range t.timers {
		if tm.state == timerArmed && tm.list == nil {
			c.timers.add(tm)
		}
	}
}

func (c *CPU) cancelTimersOf(t *Thread) {
	for len(t.timers) > 0 {
		t.timers[0].Cancel()
	}
}
