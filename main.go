// ════════════════════════════════════════════════════════════════════════════════════════════════
// Kernel Core Demo - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: boot, workload, statistics
//
// Description:
//   Boots a simulated board and keeps every subsystem busy for a while: pinned CPU-bound threads
//   at different priorities, a sleeper on the timer lists, a producer/consumer pair on a mutex
//   and condition variable, a NIC whose MSI-X vectors follow their service thread, and two UARTs
//   sharing one level-triggered line.
//
// Phases:
//   - Phase 1: platform description and statistics store
//   - Phase 2: boot and workload start
//   - Phase 3: run with periodic snapshots until the duration elapses or a signal arrives
//   - Phase 4: summary, final snapshot, shutdown
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	rtdebug "runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/crypto/chacha20"

	"github.com/cloudius-systems/osv-sub002/control"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/gic"
	"github.com/cloudius-systems/osv-sub002/kernel"
	"github.com/cloudius-systems/osv-sub002/machine"
	"github.com/cloudius-systems/osv-sub002/msi"
	"github.com/cloudius-systems/osv-sub002/platform"
	"github.com/cloudius-systems/osv-sub002/sched"
	"github.com/cloudius-systems/osv-sub002/tracedb"
	"github.com/cloudius-systems/osv-sub002/utils"
)

const (
	heapSoftLimit = 256 << 20
	heapHardLimit = 1 << 30

	// uartLine is the SPI both UARTs are wired to.
	uartLine = 48
)

var (
	platformPath = flag.String("platform", "", "platform description (JSON); empty for the built-in GICv3 board")
	gicv2        = flag.Bool("gicv2", false, "use the built-in GICv2 board")
	dbPath       = flag.String("db", "osv_trace.db", "statistics database; empty to disable")
	duration     = flag.Duration("duration", 3*time.Second, "how long to run the workload")
	report       = flag.Duration("report", time.Second, "snapshot interval")
)

var memstats runtime.MemStats

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MAIN ORCHESTRATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func main() {
	flag.Parse()

	// PHASE 1: platform and store
	desc, err := loadPlatform()
	if err != nil {
		debug.DropError("PLATFORM", err)
		os.Exit(1)
	}
	var db *tracedb.DB
	if *dbPath != "" {
		if db, err = tracedb.Open(*dbPath); err != nil {
			debug.DropError("TRACEDB", err)
			os.Exit(1)
		}
		defer db.Close()
		if _, err := db.RecordBoot(desc); err != nil {
			debug.DropError("TRACEDB", err)
		}
	}

	// PHASE 2: boot and workload
	setupSignalHandling()
	k, err := kernel.Boot(desc, nil)
	if err != nil {
		debug.DropError("BOOT", err)
		os.Exit(1)
	}
	w := startWorkload(k)

	// PHASE 3: run with the collector tuned for steady state
	rtdebug.SetGCPercent(-1)
	tick := time.NewTicker(*report)
	deadline := time.After(*duration)
run:
	for {
		select {
		case <-tick.C:
			record(db, k)
			trimHeap()
		case <-deadline:
			break run
		case <-control.Default().Stopped():
			break run
		}
	}
	tick.Stop()
	rtdebug.SetGCPercent(100)

	// PHASE 4: drain, report, power off
	w.stop(k)
	summarize(k, w)
	record(db, k)
	if db != nil {
		if top, err := db.Busiest(db.Boot(), 5); err == nil {
			for i, t := range top {
				debug.DropMessage("TOP", utils.Itoa(i+1)+": "+t.Name+" "+time.Duration(t.CPUTime).String()+
					" over "+utils.Itoa(int(t.Switches))+" switches")
			}
		}
	}
	k.Shutdown()
}

func loadPlatform() (*platform.Description, error) {
	switch {
	case *platformPath != "":
		return platform.Load(*platformPath)
	case *gicv2:
		return platform.DefaultV2(), nil
	}
	return platform.Default(), nil
}

// trimHeap runs a collection when the heap passes the soft limit.
func trimHeap() {
	runtime.ReadMemStats(&memstats)
	if memstats.HeapAlloc > heapSoftLimit {
		rtdebug.SetGCPercent(100)
		runtime.GC()
		rtdebug.SetGCPercent(-1)
		debug.DropMessage("GC", "heap trimmed")
	}
	if memstats.HeapAlloc > heapHardLimit {
		panic("heap usage exceeded hard cap")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// WORKLOAD
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type workload struct {
	halt    atomic.Bool
	threads []*sched.Thread

	naps     atomic.Uint64
	produced atomic.Uint64
	consumed atomic.Uint64

	nic      *machine.PCIFunction
	nicISR   *sched.Thread
	raised   atomic.Uint64
	serviced atomic.Uint64

	uartStatus [2]atomic.Bool
	uartHits   [2]atomic.Uint64

	devices chan struct{}
	traffic *chacha20.Cipher
}

func (w *workload) spawn(s *sched.Sched, attr sched.Attr, fn func(me *sched.Thread)) *sched.Thread {
	t := s.NewThread(fn, attr)
	w.threads = append(w.threads, t)
	t.Start()
	return t
}

func startWorkload(k *kernel.Kernel) *workload {
	s := k.Sched()
	w := &workload{devices: make(chan struct{}), traffic: newTraffic(k.Description())}
	ncpu := len(s.CPUs())

	// Two spinners per CPU; the priority-1 one should get twice the time.
	for c := 0; c < ncpu; c++ {
		for _, p := range []float64{1, 2} {
			name := "spin" + utils.Itoa(c) + "-p" + utils.Itoa(int(p))
			w.spawn(s, sched.Attr{}.Pin(c).Priority(p).Name(name), func(me *sched.Thread) {
				for n := 0; !w.halt.Load(); n++ {
					if n&255 == 0 {
						me.SafePoint()
					}
				}
			})
		}
	}

	w.spawn(s, sched.Attr{}.Name("sleeper"), func(me *sched.Thread) {
		for !w.halt.Load() {
			me.Sleep(time.Millisecond)
			w.naps.Add(1)
		}
	})

	var mu sched.Mutex
	var cv sched.CondVar
	queue := 0
	w.spawn(s, sched.Attr{}.Name("producer"), func(me *sched.Thread) {
		for !w.halt.Load() {
			mu.Lock(me)
			queue++
			w.produced.Add(1)
			cv.WakeOne(me)
			mu.Unlock(me)
			me.Sleep(200 * time.Microsecond)
		}
		mu.Lock(me)
		cv.WakeAll(me)
		mu.Unlock(me)
	})
	w.spawn(s, sched.Attr{}.Name("consumer"), func(me *sched.Thread) {
		mu.Lock(me)
		for !w.halt.Load() {
			for queue == 0 && !w.halt.Load() {
				cv.Wait(me, &mu)
			}
			if queue > 0 {
				queue--
				w.consumed.Add(1)
			}
		}
		mu.Unlock(me)
	})

	w.startNIC(k)
	w.startUARTs(k)
	return w
}

// startNIC plugs a two-queue NIC serviced by one thread on the last CPU.
func (w *workload) startNIC(k *kernel.Kernel) {
	s := k.Sched()
	w.nic = k.NewDevice("nic0", 2)
	w.nicISR = w.spawn(s, sched.Attr{}.Pin(len(s.CPUs())-1).Name("nic0-isr"), func(me *sched.Thread) {
		for {
			me.WaitUntil(func() bool { return w.raised.Load() > w.serviced.Load() || w.halt.Load() })
			if w.halt.Load() {
				return
			}
			w.serviced.Add(1)
		}
	})
	bindings := []msi.Binding{
		{Entry: 0, ISR: func(int) { w.raised.Add(1) }, Thread: w.nicISR},
		{Entry: 1, ISR: func(int) { w.raised.Add(1) }, Thread: w.nicISR},
	}
	if !k.MSI().EasyRegister(w.nic, bindings) {
		debug.DropMessage("NIC", "MSI-X registration failed, running without it")
		w.nic = nil
	}
}

// startUARTs wires two devices to one level line and drives them, and the
// NIC, from a host goroutine standing in for the outside world.
func (w *workload) startUARTs(k *kernel.Kernel) {
	m := k.Machine()
	for i := range w.uartStatus {
		st, hits := &w.uartStatus[i], &w.uartHits[i]
		k.IRQ().RegisterInterrupt(uartLine, gic.Level, func() bool { return st.Swap(false) }, func(int) {
			hits.Add(1)
			if !w.uartStatus[0].Load() && !w.uartStatus[1].Load() {
				m.DeassertLevel(uartLine)
			}
		})
	}
	go func() {
		defer close(w.devices)
		tk := time.NewTicker(500 * time.Microsecond)
		defer tk.Stop()
		var noise [1]byte
		for !w.halt.Load() {
			<-tk.C
			clear(noise[:])
			w.traffic.XORKeyStream(noise[:], noise[:])
			b := noise[0]
			if w.nic != nil && b&0x80 == 0 {
				w.nic.Fire(int(b & 1))
			}
			if b&0x60 == 0 {
				w.uartStatus[b>>1&1].Store(true)
				m.AssertLevel(uartLine)
			}
		}
	}()
}

// newTraffic seeds the device arrival pattern from the board fingerprint so
// one platform always sees the same interrupt sequence.
func newTraffic(desc *platform.Description) *chacha20.Cipher {
	var key [chacha20.KeySize]byte
	var nonce [chacha20.NonceSize]byte
	copy(key[:], desc.Fingerprint())
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		debug.Fatal("traffic", err.Error())
	}
	return c
}

func (w *workload) stop(k *kernel.Kernel) {
	w.halt.Store(true)
	<-w.devices
	w.nicISR.Wake()
	timeout := time.After(5 * time.Second)
	for _, t := range w.threads {
		select {
		case <-t.Done():
		case <-timeout:
			debug.DropMessage("STOP", t.Name()+" still "+t.Status().String())
			return
		}
	}
	if w.nic != nil {
		k.MSI().EasyUnregister(w.nic)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// REPORTING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func summarize(k *kernel.Kernel, w *workload) {
	snap := k.Sched().Snapshot()
	for _, c := range snap.CPUs {
		debug.DropMessage("CPU"+utils.Itoa(c.ID), utils.Utoa(c.Switches)+" switches, "+
			utils.Utoa(c.Preempts)+" preemptions, "+utils.Utoa(c.WakeupIPIs)+" wakeup IPIs, "+
			utils.Utoa(c.IdleWaits)+" idle waits, fired "+utils.Utoa(k.Clock().Fired(c.ID))+" timers")
	}
	for _, t := range snap.Threads {
		if t.CPUTime > 0 {
			debug.DropMessage("THREAD", t.Name+" cpu"+utils.Itoa(t.CPU)+" prio "+utils.Ftoa(t.Priority)+
				" ran "+t.CPUTime.String())
		}
	}
	debug.DropMessage("SLEEPER", utils.Utoa(w.naps.Load())+" naps")
	debug.DropMessage("CONDVAR", utils.Utoa(w.produced.Load())+" produced, "+utils.Utoa(w.consumed.Load())+" consumed")
	if w.nic != nil {
		for _, v := range k.MSI().Vectors(w.nic) {
			debug.DropMessage("NIC", "vector "+utils.Utoa(uint64(v.Number()))+" on cpu"+utils.Itoa(v.CPU())+
				" after "+utils.Utoa(v.Migrations())+" moves")
		}
	}
	debug.DropMessage("NIC", utils.Utoa(w.raised.Load())+" raised, "+utils.Utoa(w.serviced.Load())+" serviced")
	debug.DropMessage("UART", utils.Utoa(w.uartHits[0].Load())+" + "+utils.Utoa(w.uartHits[1].Load())+
		" interrupts on line "+utils.Itoa(uartLine))
	debug.DropMessage("IRQ", utils.Utoa(k.IRQ().Unhandled())+" unhandled")
}

func record(db *tracedb.DB, k *kernel.Kernel) {
	if db == nil {
		return
	}
	snap := k.Sched().Snapshot()
	if err := db.RecordThreads(snap); err != nil {
		debug.DropError("TRACEDB", err)
	}
	if err := db.RecordCPUs(snap); err != nil {
		debug.DropError("TRACEDB", err)
	}
	if err := db.RecordIRQs(k.IRQ().Snapshot()); err != nil {
		debug.DropError("TRACEDB", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SYSTEM LIFECYCLE MANAGEMENT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// setupSignalHandling turns SIGINT/SIGTERM into a shutdown of the default
// flag block, which ends the run loop. The kernel keeps its own block so
// the workload can drain before the CPUs stop.
func setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		debug.DropMessage("SIGNAL", "received interrupt, shutting down")
		control.Shutdown()
	}()
}
