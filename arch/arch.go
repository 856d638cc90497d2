// ════════════════════════════════════════════════════════════════════════════════════════════════
// Exception Entry
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: AArch64 EL1 interrupt and synchronous-fault entry
//
// Description:
//   Interrupt acknowledges until the controller reports nothing pending, hands every real INTID
//   to the dispatch table and ends it whether or not a handler claimed it. Reserved INTIDs
//   terminate the loop. After the outermost exception unwinds, the preemption callback runs so a
//   thread woken by the handler can be switched in.
//
//   Fault handles synchronous exceptions. Code that may fault on purpose (user copies, probes)
//   registers a fixup: a faulting PC mapped to the PC to resume at.
//
// Nesting:
//   Each core keeps a small stack of live frames. Exceeding MaxExceptionNesting is fatal.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package arch

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/gic"
	"github.com/cloudius-systems/osv-sub002/irq"
	"github.com/cloudius-systems/osv-sub002/rcu"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// maxAcks bounds one trap's acknowledge loop. A level line nobody claims
// re-pends forever; the rest is taken at the next interrupt window.
const maxAcks = 64

// Frame is the register state saved on exception entry.
type Frame struct {
	Regs [31]uint64
	SP   uint64
	ELR  uint64
	SPSR uint64
	ESR  uint64
	FAR  uint64
}

// Dump renders the frame for a fatal diagnostic.
func (f *Frame) Dump() string {
	s := ""
	for i, r := range f.Regs {
		s += "x" + utils.Itoa(i) + "=" + utils.Hex64(r)
		if i%4 == 3 {
			s += "\n"
		} else {
			s += " "
		}
	}
	s += "\nsp=" + utils.Hex64(f.SP) + " elr=" + utils.Hex64(f.ELR) + " spsr=" + utils.Hex64(f.SPSR) +
		"\nesr=" + utils.Hex64(f.ESR) + " far=" + utils.Hex64(f.FAR) + "\n"
	return s
}

type fixup struct {
	pc, divert uint64
}

type fixups struct {
	sorted []fixup
}

func byPC(e fixup, pc uint64) int {
	switch {
	case e.pc < pc:
		return -1
	case e.pc > pc:
		return 1
	}
	return 0
}

type core struct {
	depth  atomic.Int32
	frames [constants.MaxExceptionNesting]*Frame
	irqs   atomic.Uint64
	spur   atomic.Uint64
	_      [40]byte
}

// Trap is the kernel's exception entry.
type Trap struct {
	fast  gic.FastPath
	table *irq.Table
	nr    uint32
	cores []core

	preempt atomic.Pointer[func(int)]

	fixMu  sync.Mutex
	fixTab rcu.Ptr[fixups]
}

// New binds the entry path to a controller and its dispatch table.
func New(ctl gic.Controller, table *irq.Table, ncpu int) *Trap {
	t := &Trap{
		fast:  gic.Resolve(ctl),
		table: table,
		nr:    uint32(ctl.NrIRQs()),
		cores: make([]core, ncpu),
	}
	t.fixTab.Assign(&fixups{})
	return t
}

// SetPreempt installs the callback run after an outermost interrupt.
func (t *Trap) SetPreempt(fn func(cpu int)) { t.preempt.Store(&fn) }

func (t *Trap) enter(cpu int, f *Frame) {
	c := &t.cores[cpu]
	d := c.depth.Load()
	if int(d) >= constants.MaxExceptionNesting {
		debug.FatalDump("arch", "exception nesting too deep on core "+utils.Itoa(cpu), f.Dump())
	}
	c.frames[d] = f
	c.depth.Store(d + 1)
}

func (t *Trap) exit(cpu int) int32 {
	c := &t.cores[cpu]
	d := c.depth.Load() - 1
	c.frames[d] = nil
	c.depth.Store(d)
	return d
}

// Interrupt is the IRQ vector of core cpu.
func (t *Trap) Interrupt(cpu int, f *Frame) {
	t.enter(cpu, f)
	c := &t.cores[cpu]
	for n := 0; n < maxAcks; n++ {
		iar := t.fast.Ack(cpu)
		if gic.Special(iar) {
			break
		}
		if id := iar & constants.IARIDMask; iar < constants.LPIBase && id >= t.nr {
			c.spur.Add(1)
			debug.DropMessage("arch", "interrupt "+utils.Utoa(uint64(id))+" beyond the controller's lines")
		} else {
			c.irqs.Add(1)
			t.table.InvokeInterrupt(cpu, iar)
		}
		t.fast.End(cpu, iar)
	}
	if t.exit(cpu) == 0 {
		if fn := t.preempt.Load(); fn != nil {
			(*fn)(cpu)
		}
	}
}

// Fault is the synchronous exception vector. A registered fixup for the
// faulting PC redirects the frame; otherwise handler resolves the fault.
// It reports whether a fixup applied.
func (t *Trap) Fault(cpu int, f *Frame, handler func(*Frame)) bool {
	t.enter(cpu, f)
	defer t.exit(cpu)
	if t.FixupFault(f) {
		return true
	}
	if handler == nil {
		debug.FatalDump("arch", "unhandled fault at "+utils.Hex64(f.ELR)+" on core "+utils.Itoa(cpu), f.Dump())
	}
	handler(f)
	return false
}

// CurrentFrame is the innermost live frame of cpu, nil outside exceptions.
func (t *Trap) CurrentFrame(cpu int) *Frame {
	c := &t.cores[cpu]
	d := c.depth.Load()
	if d == 0 {
		return nil
	}
	return c.frames[d-1]
}

// Depth is cpu's exception nesting level.
//
//go:nosplit
func (t *Trap) Depth(cpu int) int { return int(t.cores[cpu].depth.Load()) }

// Taken reports interrupts dispatched and out-of-range INTIDs seen on cpu.
func (t *Trap) Taken(cpu int) (dispatched, spurious uint64) {
	c := &t.cores[cpu]
	return c.irqs.Load(), c.spur.Load()
}

// ─────────────────────────────────────────────────────────────────────────────
// Fault fixups
// ─────────────────────────────────────────────────────────────────────────────

// RegisterFixup makes a fault at pc resume at divert.
func (t *Trap) RegisterFixup(pc, divert uint64) {
	t.fixMu.Lock()
	defer t.fixMu.Unlock()
	old := t.fixTab.ReadByOwner()
	tab := slices.Clone(old.sorted)
	i, found := slices.BinarySearchFunc(tab, pc, byPC)
	if found {
		tab[i].divert = divert
	} else {
		tab = slices.Insert(tab, i, fixup{pc: pc, divert: divert})
	}
	t.fixTab.Assign(&fixups{sorted: tab})
	rcu.Retire(old, func(f *fixups) { f.sorted = nil })
}

// FixupFault redirects f when its PC has a fixup.
func (t *Trap) FixupFault(f *Frame) bool {
	g := rcu.ReadLock()
	defer g.Unlock()
	tab := t.fixTab.Read().sorted
	i, _ := slices.BinarySearchFunc(tab, f.ELR, byPC)
	if i < len(tab) && tab[i].pc == f.ELR {
		f.ELR = tab[i].divert
		return true
	}
	return false
}
