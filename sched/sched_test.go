package sched

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/chacha20"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/control"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/rcu"
)

func mustAbort(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := debug.IsAbort(recover()); !ok {
			t.Fatal("expected abort")
		}
	}()
	fn()
}

// rng is a deterministic ChaCha20 keystream.
type rng struct {
	c   *chacha20.Cipher
	buf [8]byte
}

func newRNG(t *testing.T, seed byte) *rng {
	var key [chacha20.KeySize]byte
	var nonce [chacha20.NonceSize]byte
	key[0] = seed
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		t.Fatal(err)
	}
	return &rng{c: c}
}

func (r *rng) intn(n int) int {
	clear(r.buf[:])
	r.c.XORKeyStream(r.buf[:], r.buf[:])
	return int(binary.LittleEndian.Uint64(r.buf[:]) % uint64(n))
}

// ─────────────────────────────────────────────────────────────────────────────
// Wake protocol
// ─────────────────────────────────────────────────────────────────────────────

func TestAtMostOneWake(t *testing.T) {
	hw := newFakeHW(2)
	s := New(hw, Config{CPUs: 2})
	hw.s = s
	th := s.NewThread(func(*Thread) {}, Attr{}.Pin(1))
	th.ds.store(Waiting)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th.Wake()
		}()
	}
	wg.Wait()

	if th.Status() != Waking {
		t.Fatalf("status %v after concurrent wakes", th.Status())
	}
	c := s.CPU(1)
	n := c.incoming[External].Drain(func(*Thread) {})
	if n != 1 {
		t.Fatalf("thread queued %d times", n)
	}
	if hw.cores[1].ipis.Load() != 1 {
		t.Fatalf("%d wakeup interrupts sent", hw.cores[1].ipis.Load())
	}
}

func TestWakeIgnoresNonWaitingStatus(t *testing.T) {
	hw := newFakeHW(1)
	s := New(hw, Config{CPUs: 1})
	hw.s = s
	th := s.NewThread(func(*Thread) {}, Attr{})
	for _, st := range []Status{Running, Queued, Terminated, SendingLock} {
		th.ds.store(st)
		th.Wake()
		if th.Status() != st {
			t.Fatalf("wake moved %v to %v", st, th.Status())
		}
	}
	if !s.CPU(0).incoming[External].Empty() {
		t.Fatal("ignored wake queued the thread")
	}
}

func TestIdlePollingSuppressesIPI(t *testing.T) {
	hw := newFakeHW(2)
	s := New(hw, Config{CPUs: 2})
	hw.s = s
	s.CPU(1).idlePoll.Store(true)
	th := s.NewThread(func(*Thread) {}, Attr{}.Pin(1))
	th.ds.store(Waiting)
	th.WakeFrom(0)
	if hw.cores[1].ipis.Load() != 0 {
		t.Fatal("IPI sent to a polling cpu")
	}
	if s.CPU(1).incomingMask.Load() != 1 {
		t.Fatalf("mask = %b", s.CPU(1).incomingMask.Load())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

func TestThreadsRunAndJoin(t *testing.T) {
	s, _ := boot(t, 4, false)
	var ran atomic.Int32
	run(t, s, Attr{}.Name("main"), func(me *Thread) {
		var ws []*Thread
		for i := 0; i < 16; i++ {
			w := s.NewThread(func(*Thread) { ran.Add(1) }, Attr{})
			w.Start()
			ws = append(ws, w)
		}
		for _, w := range ws {
			w.Join(me)
			if w.Status() != Terminated && w.Status() != Invalid {
				t.Errorf("joined thread in status %v", w.Status())
			}
		}
	})
	if ran.Load() != 16 {
		t.Fatalf("%d threads ran", ran.Load())
	}
}

func TestPrestartedThreadsRunAtStart(t *testing.T) {
	hw := newFakeHW(2)
	s := New(hw, Config{CPUs: 2, Flags: control.New(time.Millisecond)})
	hw.s = s
	var ran atomic.Bool
	th := s.NewThread(func(*Thread) { ran.Store(true) }, Attr{})
	th.Start()
	if th.Status() != Prestarted {
		t.Fatalf("status before start %v", th.Status())
	}
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		hw.stopTimers()
	})
	await(t, th, 5*time.Second)
	if !ran.Load() {
		t.Fatal("prestarted thread never ran")
	}
}

func TestStartTwiceAborts(t *testing.T) {
	quiet(t)
	s, _ := boot(t, 1, false)
	th := s.NewThread(func(*Thread) {}, Attr{})
	th.Start()
	mustAbort(t, th.Start)
}

func TestStackLimits(t *testing.T) {
	quiet(t)
	hw := newFakeHW(1)
	s := New(hw, Config{CPUs: 1})
	hw.s = s
	mustAbort(t, func() { s.NewThread(func(*Thread) {}, Attr{}.Stack(0)) })
	mustAbort(t, func() { s.NewThread(func(*Thread) {}, Attr{}.Stack(constants.MaxStackSize+1)) })

	mem := make([]byte, 4096)
	th := s.NewThread(func(*Thread) {}, Attr{}.WithStack(StackInfo{Mem: mem}))
	if th.stack.Deleter != nil || th.stack.Size != 4096 {
		t.Fatal("caller stack taken over by the scheduler")
	}
	if th = s.NewThread(func(*Thread) {}, Attr{}); th.stack.Size != constants.DefaultStackSize || th.stack.Deleter == nil {
		t.Fatal("default stack not allocated")
	}
	if th = s.NewThread(func(*Thread) {}, Attr{}.Name("a-very-long-thread-name")); len(th.Name()) != constants.MaxThreadName {
		t.Fatalf("name %q not truncated", th.Name())
	}
}

func TestDetachedThreadsAreReaped(t *testing.T) {
	s, _ := boot(t, 2, false)
	base := s.NumThreads()
	var cleaned atomic.Int32
	for i := 0; i < 8; i++ {
		th := s.NewThread(func(*Thread) {}, Attr{}.Detached(true))
		th.SetCleanup(func() { cleaned.Add(1) })
		th.Start()
	}
	late := s.NewThread(func(*Thread) {}, Attr{})
	late.SetCleanup(func() { cleaned.Add(1) })
	late.Start()
	await(t, late, 5*time.Second)
	late.Detach()

	eventually(t, 5*time.Second, func() bool { return s.Reaped() == 9 }, "reaper did not destroy every detached thread")
	if cleaned.Load() != 9 || s.NumThreads() != base {
		t.Fatalf("cleaned %d, %d threads left (base %d)", cleaned.Load(), s.NumThreads(), base)
	}
}

func TestRegistry(t *testing.T) {
	s, _ := boot(t, 1, false)
	th := s.NewThread(func(*Thread) {}, Attr{}.Name("lookup"))
	if s.FindByID(th.ID()) != th {
		t.Fatal("FindByID missed a new thread")
	}
	var ids []uint64
	s.WithAllThreads(func(x *Thread) { ids = append(ids, x.ID()) })
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids out of order: %v", ids)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Waits and timers
// ─────────────────────────────────────────────────────────────────────────────

func TestSleepWaitsForDeadline(t *testing.T) {
	s, _ := boot(t, 2, false)
	var slept time.Duration
	run(t, s, Attr{}, func(me *Thread) {
		start := s.hw.Now()
		me.Sleep(3 * time.Millisecond)
		slept = s.hw.Now() - start
	})
	if slept < 3*time.Millisecond {
		t.Fatalf("woke after %v", slept)
	}
}

func TestTimerCancelAndRearm(t *testing.T) {
	s, _ := boot(t, 1, false)
	run(t, s, Attr{}, func(me *Thread) {
		a, b := me.NewTimer(), me.NewTimer()
		a.SetAfter(time.Millisecond)
		a.Cancel()
		b.SetAfter(4 * time.Millisecond)
		me.WaitFor(a, b)
		if a.Expired() || !b.Expired() {
			t.Error("cancelled timer fired or armed one did not")
		}
		if len(me.timers) != 0 {
			t.Errorf("%d timers still tracked", len(me.timers))
		}
		b.Cancel()
	})
}

func TestInterruptibleWait(t *testing.T) {
	s, _ := boot(t, 2, false)
	var err error
	var started atomic.Bool
	th := s.NewThread(func(me *Thread) {
		started.Store(true)
		err = me.WaitUntilInterruptible(func() bool { return false })
	}, Attr{})
	th.Start()
	eventually(t, 5*time.Second, func() bool { return started.Load() && th.Status() == Waiting }, "thread never blocked")
	th.SetInterrupted(true)
	await(t, th, 5*time.Second)
	if err != ErrInterrupted {
		t.Fatalf("err = %v", err)
	}
}

func TestWaitWithPreemptionDisabledAborts(t *testing.T) {
	quiet(t)
	s, _ := boot(t, 1, false)
	aborted := false
	run(t, s, Attr{}, func(me *Thread) {
		defer func() {
			_, aborted = debug.IsAbort(recover())
			me.preemptCount = 0
		}()
		me.PreemptDisable()
		me.WaitUntil(func() bool { return false })
	})
	if !aborted {
		t.Fatal("wait with preemption disabled did not abort")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Scheduling policy
// ─────────────────────────────────────────────────────────────────────────────

func TestPriorityDividesCPU(t *testing.T) {
	cases := []struct {
		name     string
		slowPrio float64
		lo, hi   float64
	}{
		{"1v2", 2, 1.5, 2.5},
		{"1v4", 4, 3, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := boot(t, 1, false)
			var stop atomic.Bool
			fast := s.NewThread(func(me *Thread) { spin(me, &stop) }, Attr{}.Pin(0).Name("fast"))
			slow := s.NewThread(func(me *Thread) { spin(me, &stop) }, Attr{}.Pin(0).Name("slow").Priority(tc.slowPrio))
			fast.Start()
			slow.Start()
			time.Sleep(400 * time.Millisecond)
			stop.Store(true)
			await(t, fast, 5*time.Second)
			await(t, slow, 5*time.Second)
			f, sl := fast.Stats().CPUTime, slow.Stats().CPUTime
			if sl == 0 {
				t.Fatalf("priority %v thread starved", tc.slowPrio)
			}
			ratio := float64(f) / float64(sl)
			if ratio < tc.lo || ratio > tc.hi {
				t.Fatalf("cpu split %.2f (%v vs %v), want %.1f..%.1f", ratio, f, sl, tc.lo, tc.hi)
			}
			if fast.Stats().Preemptions+slow.Stats().Preemptions == 0 {
				t.Fatal("no preemption between two spinning threads")
			}
		})
	}
}

func TestYieldAlternates(t *testing.T) {
	s, _ := boot(t, 1, false)
	var turns [2]atomic.Int32
	var stop atomic.Bool
	var ts []*Thread
	for i := range turns {
		th := s.NewThread(func(me *Thread) {
			for !stop.Load() {
				turns[i].Add(1)
				me.Yield(constants.Thyst)
			}
		}, Attr{}.Pin(0))
		th.Start()
		ts = append(ts, th)
	}
	eventually(t, 5*time.Second, func() bool { return turns[0].Load() > 50 && turns[1].Load() > 50 }, "yielding threads did not alternate")
	stop.Store(true)
	for _, th := range ts {
		await(t, th, 5*time.Second)
	}
}

func TestPinMovesThread(t *testing.T) {
	s, _ := boot(t, 3, false)
	var before, after int
	th := run(t, s, Attr{}, func(me *Thread) {
		me.Pin(0)
		before = me.CPU()
		me.Pin(2)
		after = me.CPU()
		me.Sleep(time.Millisecond)
	})
	if before != 0 || after != 2 || !th.Pinned() {
		t.Fatalf("cpu before=%d after=%d", before, after)
	}
}

func TestLoadBalancerSpreadsQueuedThreads(t *testing.T) {
	s, _ := boot(t, 2, true)
	var stop atomic.Bool
	var ts []*Thread
	for i := 0; i < 4; i++ {
		th := s.NewThread(func(me *Thread) { spin(me, &stop) }, Attr{})
		th.ds.cpu.Store(s.CPU(0))
		ts = append(ts, th)
	}
	for _, th := range ts {
		th.Start()
	}
	eventually(t, 5*time.Second, func() bool {
		for _, th := range ts {
			if th.CPU() == 1 {
				return true
			}
		}
		return false
	}, "no thread migrated to the idle cpu")
	stop.Store(true)
	var migrations uint64
	for _, th := range ts {
		await(t, th, 5*time.Second)
		migrations += th.Stats().Migrations
	}
	if migrations == 0 {
		t.Fatal("migration not counted")
	}
}

func TestRunqueueInvariantUnderChurn(t *testing.T) {
	s, _ := boot(t, 4, true)
	r := newRNG(t, 7)
	var violations atomic.Int32
	var stop atomic.Bool

	var checkers []*Thread
	for c := 0; c < 4; c++ {
		ch := s.NewThread(func(me *Thread) {
			for !stop.Load() {
				if me.cpu().CheckInvariants() != nil {
					violations.Add(1)
				}
				me.Sleep(200 * time.Microsecond)
			}
		}, Attr{}.Pin(c).Name("checker"))
		ch.Start()
		checkers = append(checkers, ch)
	}

	run(t, s, Attr{}.Name("churn"), func(me *Thread) {
		var ws []*Thread
		for i := 0; i < 24; i++ {
			naps := r.intn(8) + 1
			d := time.Duration(r.intn(400)+50) * time.Microsecond
			w := s.NewThread(func(w *Thread) {
				for j := 0; j < naps; j++ {
					w.Sleep(d)
					for k := 0; k < 2000; k++ {
						if k%256 == 0 {
							w.SafePoint()
						}
					}
				}
			}, Attr{}.Priority(float64(r.intn(3)+1)))
			w.Start()
			ws = append(ws, w)
		}
		for _, w := range ws {
			w.Join(me)
		}
	})
	stop.Store(true)
	for _, ch := range checkers {
		await(t, ch, 5*time.Second)
	}
	if violations.Load() != 0 {
		t.Fatalf("%d runqueue invariant violations", violations.Load())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// RCU-protected handles
// ─────────────────────────────────────────────────────────────────────────────

func TestHandleWakeRacesDestruction(t *testing.T) {
	s, _ := boot(t, 2, false)
	rounds := 3000
	if testing.Short() {
		rounds = 200
	}
	var states []*detachedState
	run(t, s, Attr{}.Name("destroyer"), func(me *Thread) {
		for i := 0; i < rounds; i++ {
			victim := s.NewThread(func(v *Thread) { v.Yield(constants.Thyst) }, Attr{})
			h := victim.Handle()
			stop := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				for {
					select {
					case <-stop:
						return
					default:
						h.Wake()
					}
				}
			}()
			victim.Start()
			for victim.Status() != Terminated {
				me.Sleep(50 * time.Microsecond)
			}
			h.Clear()
			victim.Join(me)
			close(stop)
			<-done
			states = append(states, victim.ds)
		}
	})
	rcu.Barrier()
	for i, ds := range states {
		if !ds.reclaimed.Load() || ds.status() != Invalid {
			t.Fatalf("state %d not reclaimed: %v", i, ds.status())
		}
		if ds.t != nil {
			t.Fatalf("state %d still points at its thread", i)
		}
	}
}

func TestHandleIdentity(t *testing.T) {
	hw := newFakeHW(1)
	s := New(hw, Config{CPUs: 1})
	a := s.NewThread(func(*Thread) {}, Attr{})
	b := s.NewThread(func(*Thread) {}, Attr{})
	h := a.Handle()
	if !h.Valid() || !h.Equal(a) || h.Equal(b) {
		t.Fatal("handle does not identify its thread")
	}
	h.Reset(b)
	if !h.Equal(b) {
		t.Fatal("reset ignored")
	}
	h.Clear()
	if h.Valid() || !h.Equal(nil) {
		t.Fatal("cleared handle still valid")
	}
	h.Wake()
}
