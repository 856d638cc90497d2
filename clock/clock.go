// Package clock drives the per-core comparator of the architected timer.
//
// The comparator raises a private peripheral interrupt on the core that
// armed it. Generic registers that PPI in the dispatch table once and calls
// the installed callback with the core that took the interrupt; the
// scheduler installs its timer-list expiry there.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/gic"
	"github.com/cloudius-systems/osv-sub002/irq"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// Event is a one-shot per-core timer.
type Event interface {
	// SetupOnCPU readies the calling core's comparator.
	SetupOnCPU(cpu int)
	// Set arms cpu's comparator d from now, replacing any earlier deadline.
	// d <= 0 raises the interrupt at once.
	Set(cpu int, d time.Duration)
	// Cancel disarms cpu's comparator.
	Cancel(cpu int)
	// SetCallback installs the expiry callback.
	SetCallback(fn func(cpu int))
	// IRQ is the interrupt the timer signals on.
	IRQ() uint32
}

// Comparator is the timer hardware.
type Comparator interface {
	Arm(cpu int, d time.Duration)
	Disarm(cpu int)
}

type percpu struct {
	ready atomic.Bool
	fired atomic.Uint64
	_     [48]byte
}

// Generic implements Event over the architected timer PPI.
type Generic struct {
	hw  Comparator
	ppi uint32
	tok irq.Token
	cb  atomic.Pointer[func(int)]
	cpu []percpu
}

var _ Event = (*Generic)(nil)

// NewGeneric registers the timer PPI in table. Nothing fires until a core
// called SetupOnCPU and Set.
func NewGeneric(hw Comparator, ppi uint32, table *irq.Table, ncpu int) *Generic {
	g := &Generic{hw: hw, ppi: ppi, cpu: make([]percpu, ncpu)}
	g.tok = table.RegisterInterrupt(ppi, gic.Edge, nil, g.interrupt)
	return g
}

func (g *Generic) SetupOnCPU(cpu int) {
	g.hw.Disarm(cpu)
	g.cpu[cpu].ready.Store(true)
}

//go:nosplit
func (g *Generic) Set(cpu int, d time.Duration) {
	if !g.cpu[cpu].ready.Load() {
		debug.Fatal("clock", "timer armed on core "+utils.Itoa(cpu)+" before setup")
	}
	g.hw.Arm(cpu, d)
}

func (g *Generic) Cancel(cpu int) { g.hw.Disarm(cpu) }

func (g *Generic) SetCallback(fn func(cpu int)) { g.cb.Store(&fn) }

func (g *Generic) IRQ() uint32 { return g.ppi }

// Fired reports how many expiries cpu took.
func (g *Generic) Fired(cpu int) uint64 { return g.cpu[cpu].fired.Load() }

func (g *Generic) interrupt(cpu int) {
	g.cpu[cpu].fired.Add(1)
	if fn := g.cb.Load(); fn != nil {
		(*fn)(cpu)
	}
}
