package sched

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudius-systems/osv-sub002/control"
	"github.com/cloudius-systems/osv-sub002/utils"
)

const (
	pendIPI = 1 << iota
	pendTimer
)

type fakeCore struct {
	pending atomic.Uint32
	line    chan struct{}
	depth   atomic.Int32
	timer   *time.Timer
	ipis    atomic.Uint64
}

// fakeHW is a minimal machine: wall-clock time, a pending word per core
// and host timers for the comparators.
type fakeHW struct {
	start time.Time
	s     *Sched
	mu    sync.Mutex
	cores []*fakeCore
}

func newFakeHW(n int) *fakeHW {
	hw := &fakeHW{start: time.Now()}
	for i := 0; i < n; i++ {
		hw.cores = append(hw.cores, &fakeCore{line: make(chan struct{}, 1)})
	}
	return hw
}

func (hw *fakeHW) raise(cpu int, bit uint32) {
	c := hw.cores[cpu]
	c.pending.Or(bit)
	select {
	case c.line <- struct{}{}:
	default:
	}
}

func (hw *fakeHW) Now() time.Duration { return time.Since(hw.start) }

func (hw *fakeHW) IRQPending(cpu int) bool { return hw.cores[cpu].pending.Load() != 0 }

func (hw *fakeHW) IRQLine(cpu int) <-chan struct{} { return hw.cores[cpu].line }

func (hw *fakeHW) InterruptDepth(cpu int) int { return int(hw.cores[cpu].depth.Load()) }

func (hw *fakeHW) HandleIRQ(cpu int) {
	c := hw.cores[cpu]
	c.depth.Add(1)
	p := c.pending.Swap(0)
	if p&pendIPI != 0 {
		hw.s.WakeupIPI(cpu)
	}
	if p&pendTimer != 0 {
		hw.s.TimerExpired(cpu)
	}
	c.depth.Add(-1)
	hw.s.Preempt(cpu)
}

func (hw *fakeHW) SendWakeup(from, to int) {
	hw.cores[to].ipis.Add(1)
	hw.raise(to, pendIPI)
}

func (hw *fakeHW) SetTimer(cpu int, d time.Duration) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	c := hw.cores[cpu]
	if c.timer != nil {
		c.timer.Stop()
	}
	if d <= 0 {
		c.timer = nil
		hw.raise(cpu, pendTimer)
		return
	}
	c.timer = time.AfterFunc(d, func() { hw.raise(cpu, pendTimer) })
}

func (hw *fakeHW) stopTimers() {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	for _, c := range hw.cores {
		if c.timer != nil {
			c.timer.Stop()
		}
	}
}

// boot starts a scheduler on a fresh fake machine.
func boot(t *testing.T, ncpu int, lb bool) (*Sched, *fakeHW) {
	t.Helper()
	hw := newFakeHW(ncpu)
	s := New(hw, Config{
		CPUs:            ncpu,
		LoadBalance:     lb,
		BalanceInterval: 5 * time.Millisecond,
		Flags:           control.New(time.Millisecond),
	})
	hw.s = s
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		hw.stopTimers()
	})
	return s, hw
}

// run executes fn as a thread and waits for it to terminate.
func run(t *testing.T, s *Sched, attr Attr, fn func(me *Thread)) *Thread {
	t.Helper()
	th := s.NewThread(fn, attr)
	th.Start()
	await(t, th, 10*time.Second)
	return th
}

func await(t *testing.T, th *Thread, within time.Duration) {
	t.Helper()
	select {
	case <-th.Done():
	case <-time.After(within):
		t.Fatalf("thread %d (%s) still %v after %v", th.ID(), th.Name(), th.Status(), within)
	}
}

func eventually(t *testing.T, within time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(what)
		}
		time.Sleep(time.Millisecond)
	}
}

func quiet(t *testing.T) {
	prev := utils.SetOutput(io.Discard)
	t.Cleanup(func() { utils.SetOutput(prev) })
}

// spin burns CPU time on me, taking interrupts, until stop is set.
func spin(me *Thread, stop *atomic.Bool) uint64 {
	var n uint64
	for !stop.Load() {
		n++
		if n&63 == 0 {
			me.SafePoint()
		}
	}
	return n
}
