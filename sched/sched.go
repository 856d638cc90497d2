// Package sched is the kernel's thread scheduler.
//
// Each CPU runs one thread at a time, picked by lowest decayed runtime.
// Wakes that cross CPUs go through lock-free per-source queues and a
// wakeup interrupt; a per-CPU balancer thread spreads queued threads.
// Hardware is reached through the Hardware interface so the same core
// runs on the simulated machine and on fakes in tests.
package sched

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/control"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// Hardware is what the scheduler needs from the machine.
type Hardware interface {
	// Now is the monotonic time since boot.
	Now() time.Duration
	// IRQPending reports an interrupt waiting for cpu.
	IRQPending(cpu int) bool
	// IRQLine is signalled when an interrupt becomes pending for cpu.
	IRQLine(cpu int) <-chan struct{}
	// HandleIRQ takes cpu's pending interrupts through trap entry.
	HandleIRQ(cpu int)
	// InterruptDepth is cpu's exception nesting level.
	InterruptDepth(cpu int) int
	// SendWakeup raises the wakeup interrupt on to. from is External for
	// wakes issued outside any CPU.
	SendWakeup(from, to int)
	// SetTimer arms cpu's comparator d from now.
	SetTimer(cpu int, d time.Duration)
}

// Config sizes a scheduler.
type Config struct {
	CPUs            int
	LoadBalance     bool
	BalanceInterval time.Duration
	Flags           *control.Flags
}

// Sched owns the CPUs and the thread registry.
type Sched struct {
	hw    Hardware
	cfg   Config
	flags *control.Flags
	cpus  []*CPU

	mu         sync.Mutex
	threads    map[uint64]*Thread
	started    bool
	prestarted []*Thread

	nextID atomic.Uint64
	rr     atomic.Uint32

	reaper reaper
}

// New builds a scheduler with cfg.CPUs idle CPUs. Threads may be created
// and started before Start; they run once it is called.
func New(hw Hardware, cfg Config) *Sched {
	if cfg.CPUs <= 0 || cfg.CPUs > constants.MaxCPUs {
		debug.Fatal("sched", "cpu count "+utils.Itoa(cfg.CPUs)+" out of range")
	}
	if cfg.BalanceInterval <= 0 {
		cfg.BalanceInterval = constants.LoadBalanceInterval
	}
	if cfg.Flags == nil {
		cfg.Flags = control.Default()
	}
	s := &Sched{
		hw:      hw,
		cfg:     cfg,
		flags:   cfg.Flags,
		threads: make(map[uint64]*Thread),
	}
	s.cpus = make([]*CPU, cfg.CPUs)
	for i := range s.cpus {
		s.cpus[i] = newCPU(s, i)
	}
	for _, c := range s.cpus {
		c.idle = s.newThread(nil, Attr{}.Pin(c.id).Name("idle"+utils.Itoa(c.id)).Priority(PriorityIdle))
		c.idle.rt.count = 0
	}
	s.reaper.t = s.NewThread(s.reaper.loop, Attr{}.Name("reaper"))
	s.reaper.t.Start()
	if cfg.LoadBalance {
		for _, c := range s.cpus {
			c.balancer = s.NewThread(c.loadBalance, Attr{}.Pin(c.id).Name("balancer"+utils.Itoa(c.id)).Priority(constants.PriorityBalancer))
			c.balancer.Start()
		}
	}
	return s
}

// Start brings up every CPU and launches the threads started so far.
func (s *Sched) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	pre := s.prestarted
	s.prestarted = nil
	s.mu.Unlock()
	for _, c := range s.cpus {
		c.startIdle()
	}
	for _, t := range pre {
		t.launch()
	}
}

// Stop makes the idle loops exit. Threads still running keep their CPU
// until they block.
func (s *Sched) Stop() {
	s.flags.Shutdown()
	s.reaper.t.Wake()
}

func (s *Sched) CPUs() []*CPU { return s.cpus }

func (s *Sched) CPU(i int) *CPU { return s.cpus[i] }

// ─────────────────────────────────────────────────────────────────────────────
// Threads
// ─────────────────────────────────────────────────────────────────────────────

// NewThread creates an unstarted thread running fn.
func (s *Sched) NewThread(fn func(me *Thread), attr Attr) *Thread {
	if fn == nil {
		debug.Fatal("sched", "thread without a function")
	}
	t := s.newThread(fn, attr)
	s.mu.Lock()
	s.threads[t.id] = t
	s.mu.Unlock()
	return t
}

func (s *Sched) newThread(fn func(*Thread), attr Attr) *Thread {
	t := &Thread{
		s:      s,
		fn:     fn,
		id:     s.nextID.Add(1),
		name:   attr.name,
		stack:  allocStack(attr),
		pinned: attr.pinned,
		resume: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if attr.detached {
		t.detach.Store(detached)
	}
	p := attr.prio
	if p == 0 {
		p = PriorityDefault
	}
	t.rt.init(p)
	t.wakeLink.Init(t)
	t.ds = &detachedState{t: t}
	t.ds.store(Unstarted)
	c := s.leastLoaded()
	if attr.pinned {
		if attr.pinID < 0 || attr.pinID >= len(s.cpus) {
			debug.Fatal("sched", "thread pinned to missing cpu "+utils.Itoa(attr.pinID))
		}
		c = s.cpus[attr.pinID]
	}
	t.ds.cpu.Store(c)
	return t
}

func allocStack(attr Attr) StackInfo {
	si := attr.stack
	if si.Mem != nil {
		if si.Size == 0 {
			si.Size = len(si.Mem)
		}
		return si
	}
	switch {
	case !attr.stackSet:
		si.Size = constants.DefaultStackSize
	case si.Size <= 0:
		debug.Fatal("sched", "stack size "+utils.Itoa(si.Size)+" without a caller stack")
	case si.Size > constants.MaxStackSize:
		debug.Fatal("sched", "stack size "+utils.Itoa(si.Size)+" above the maximum")
	}
	si.Mem = make([]byte, si.Size)
	si.Deleter = freeStack
	return si
}

func freeStack(si StackInfo) { clear(si.Mem) }

// leastLoaded spreads new threads, starting the scan at a rotating CPU so
// ties do not pile onto CPU 0.
func (s *Sched) leastLoaded() *CPU {
	n := len(s.cpus)
	start := int(s.rr.Add(1)) % n
	best := s.cpus[start]
	for i := 1; i < n; i++ {
		if c := s.cpus[(start+i)%n]; c.Load() < best.Load() {
			best = c
		}
	}
	return best
}

func (s *Sched) unregister(t *Thread) {
	s.mu.Lock()
	delete(s.threads, t.id)
	s.mu.Unlock()
}

// FindByID returns the live thread with id, or nil.
func (s *Sched) FindByID(id uint64) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[id]
}

// NumThreads counts registered threads, idle threads excluded.
func (s *Sched) NumThreads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// WithAllThreads calls fn for every registered thread in id order. fn must
// not create or destroy threads.
func (s *Sched) WithAllThreads(fn func(*Thread)) {
	s.mu.Lock()
	all := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		all = append(all, t)
	}
	s.mu.Unlock()
	slices.SortFunc(all, func(a, b *Thread) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	for _, t := range all {
		fn(t)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Interrupt hooks
// ─────────────────────────────────────────────────────────────────────────────

// Preempt is the end-of-interrupt callback of trap entry.
func (s *Sched) Preempt(cpu int) {
	c := s.cpus[cpu]
	if c.current == nil {
		return
	}
	c.preempt()
}

// TimerExpired is the clock driver's expiry callback.
func (s *Sched) TimerExpired(cpu int) { s.cpus[cpu].timers.fire() }

// WakeupIPI is the wakeup interrupt handler; the incoming queues are
// drained by the preemption that follows the interrupt.
func (s *Sched) WakeupIPI(cpu int) {
	s.cpus[cpu].stats.ipis.Add(1)
}

// ─────────────────────────────────────────────────────────────────────────────
// Reaper
// ─────────────────────────────────────────────────────────────────────────────

type reaper struct {
	t       *Thread
	mu      sync.Mutex
	zombies []*Thread
	reaped  atomic.Uint64
}

func (r *reaper) add(z *Thread, src int) {
	r.mu.Lock()
	r.zombies = append(r.zombies, z)
	r.mu.Unlock()
	r.t.WakeFrom(src)
}

func (r *reaper) pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.zombies) > 0
}

func (r *reaper) loop(me *Thread) {
	s := me.s
	for {
		me.WaitUntil(func() bool { return r.pending() || s.flags.Stopping() })
		r.mu.Lock()
		batch := r.zombies
		r.zombies = nil
		r.mu.Unlock()
		for _, z := range batch {
			z.Join(me)
			r.reaped.Add(1)
		}
		if len(batch) == 0 && s.flags.Stopping() {
			return
		}
	}
}

// Reaped counts detached threads destroyed by the reaper.
func (s *Sched) Reaped() uint64 { return s.reaper.reaped.Load() }

// ─────────────────────────────────────────────────────────────────────────────
// Statistics
// ─────────────────────────────────────────────────────────────────────────────

// ThreadStat is one thread's counters.
type ThreadStat struct {
	ID          uint64
	Name        string
	CPU         int
	Status      Status
	Priority    float64
	Switches    uint64
	Preemptions uint64
	Migrations  uint64
	CPUTime     time.Duration
}

// CPUStat is one CPU's counters.
type CPUStat struct {
	ID               int
	Load             int
	Switches         uint64
	WakeupIPIs       uint64
	IdleWaits        uint64
	Preempts         uint64
	Renormalizations uint64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	At      time.Duration
	Threads []ThreadStat
	CPUs    []CPUStat
}

// Snapshot collects the counters of every thread and CPU.
func (s *Sched) Snapshot() Snapshot {
	snap := Snapshot{At: s.hw.Now()}
	s.WithAllThreads(func(t *Thread) { snap.Threads = append(snap.Threads, t.Stats()) })
	for _, c := range s.cpus {
		snap.CPUs = append(snap.CPUs, CPUStat{
			ID:               c.id,
			Load:             c.Load(),
			Switches:         c.stats.switches.Load(),
			WakeupIPIs:       c.stats.ipis.Load(),
			IdleWaits:        c.stats.idleWaits.Load(),
			Preempts:         c.stats.preempts.Load(),
			Renormalizations: c.stats.renorms.Load(),
		})
	}
	return snap
}
