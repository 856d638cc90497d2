// ════════════════════════════════════════════════════════════════════════════════════════════════
// Interrupt Dispatch Table
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: INTID → handler routing
//
// Description:
//   Wired lines map to immutable descriptors published through rcu.Ptr. Registration copies the
//   current descriptor, appends or removes one handler, publishes the copy and retires the old
//   one; the table mutex serializes writers only. Dispatch runs entirely inside an RCU read-side
//   section and never takes the mutex.
//
//   Message-signaled vectors live in a separate dense array indexed by vector - MSIBase and are
//   handed out by a monotonic counter. A vector number is never reused.
//
// Sharing:
//   A line with several handlers is level-triggered and shared. Each handler comes with an ack
//   predicate that reads its device's status; the first predicate to claim the interrupt gets
//   its handler invoked, and only that one.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package irq

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/gic"
	"github.com/cloudius-systems/osv-sub002/rcu"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// Handler services an interrupt on core cpu. It runs in interrupt context
// and must not block.
type Handler func(cpu int)

// AckPredicate reports whether its device raised the interrupt, clearing
// the device's status as a side effect.
type AckPredicate func() bool

// Token identifies one registration. The zero Token is never issued.
type Token uint64

type binding struct {
	token   Token
	ack     AckPredicate
	handler Handler
}

// descriptor is immutable once published.
type descriptor struct {
	id       uint32
	typ      gic.IRQType
	bindings []binding
	dead     bool // set when reclaimed
}

type msiSlot struct {
	handler Handler
	dead    bool
}

// Table is the kernel's single dispatch table.
type Table struct {
	ctl      gic.Controller
	nr       int
	lines    []rcu.Ptr[descriptor]
	msi      [constants.MaxMSIVectors]rcu.Ptr[msiSlot]
	msiBase  uint32
	msiCount uint32

	mu         sync.Mutex // registration only
	nextToken  uint64
	nextVector atomic.Uint32

	counts    []atomic.Uint64
	msiCounts [constants.MaxMSIVectors]atomic.Uint64
	unhandled atomic.Uint64
}

// New sizes the table from an initialized controller.
func New(ctl gic.Controller) *Table {
	nr := ctl.NrIRQs()
	if nr <= 0 {
		debug.Fatal("irq", "controller reports no interrupt lines")
	}
	return &Table{
		ctl:      ctl,
		nr:       nr,
		lines:    make([]rcu.Ptr[descriptor], nr),
		counts:   make([]atomic.Uint64, nr),
		msiBase:  ctl.MSIBase(),
		msiCount: uint32(min(ctl.MSICount(), constants.MaxMSIVectors)),
	}
}

// NrIRQs is the number of wired lines the table covers.
func (t *Table) NrIRQs() int { return t.nr }

// MSIBase is the first dynamic vector number.
func (t *Table) MSIBase() uint32 { return t.msiBase }

func (t *Table) inMSIRange(v uint32) bool {
	return t.msiCount != 0 && v >= t.msiBase && v-t.msiBase < t.msiCount
}

func reclaim(d *descriptor) {
	d.dead = true
	d.bindings = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Wired lines
// ─────────────────────────────────────────────────────────────────────────────

// RegisterInterrupt adds handler to line id and unmasks it. ack may be nil
// for a line that is not shared. The returned token unregisters it.
func (t *Table) RegisterInterrupt(id uint32, typ gic.IRQType, ack AckPredicate, handler Handler) Token {
	if int(id) >= t.nr || t.inMSIRange(id) {
		debug.Fatal("irq", "cannot register line "+utils.Utoa(uint64(id)))
	}
	if handler == nil {
		debug.Fatal("irq", "nil handler for line "+utils.Utoa(uint64(id)))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextToken++
	tok := Token(t.nextToken)
	old := t.lines[id].ReadByOwner()
	nd := &descriptor{id: id, typ: typ}
	if old != nil {
		if old.typ != typ {
			debug.DropMessage("irq", "line "+utils.Utoa(uint64(id))+" keeps "+old.typ.String()+" trigger")
			nd.typ = old.typ
		}
		nd.bindings = slices.Clone(old.bindings)
	}
	nd.bindings = append(nd.bindings, binding{token: tok, ack: ack, handler: handler})
	t.lines[id].Assign(nd)
	rcu.Retire(old, reclaim)

	t.ctl.SetIRQType(id, nd.typ)
	t.ctl.UnmaskIRQ(id)
	return tok
}

// UnregisterInterrupt removes the registration tok from line id. Removing
// the last handler masks the line. An unknown token is logged and, if the
// line has no handlers, the line is masked anyway.
func (t *Table) UnregisterInterrupt(id uint32, tok Token) bool {
	if int(id) >= t.nr {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.lines[id].ReadByOwner()
	i := -1
	if old != nil {
		i = slices.IndexFunc(old.bindings, func(b binding) bool { return b.token == tok })
	}
	if i < 0 {
		debug.DropMessage("irq", "no handler "+utils.Utoa(uint64(tok))+" on line "+utils.Utoa(uint64(id)))
		if old == nil {
			t.ctl.MaskIRQ(id)
		}
		return false
	}
	if len(old.bindings) == 1 {
		t.ctl.MaskIRQ(id)
		t.lines[id].Assign(nil)
	} else {
		nd := &descriptor{id: id, typ: old.typ, bindings: slices.Delete(slices.Clone(old.bindings), i, i+1)}
		t.lines[id].Assign(nd)
	}
	rcu.Retire(old, reclaim)
	return true
}

// Handlers reports how many handlers line id has.
func (t *Table) Handlers(id uint32) int {
	if int(id) >= t.nr {
		return 0
	}
	g := rcu.ReadLock()
	defer g.Unlock()
	if d := t.lines[id].Read(); d != nil {
		return len(d.bindings)
	}
	return 0
}

// EnableIRQs reapplies trigger type and enable for every registered line,
// after a controller reset.
func (t *Table) EnableIRQs() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.lines {
		if d := t.lines[id].ReadByOwner(); d != nil {
			t.ctl.SetIRQType(uint32(id), d.typ)
			t.ctl.UnmaskIRQ(uint32(id))
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Dynamic (MSI) vectors
// ─────────────────────────────────────────────────────────────────────────────

// RegisterHandler reserves the next vector, binds fn to it and asks the
// controller to enable it.
func (t *Table) RegisterHandler(fn Handler) uint32 {
	if fn == nil {
		debug.Fatal("irq", "nil MSI handler")
	}
	slot := t.nextVector.Add(1) - 1
	if slot >= t.msiCount {
		debug.Fatal("irq", "MSI handler table full ("+utils.Utoa(uint64(t.msiCount))+" vectors)")
	}
	t.msi[slot].Assign(&msiSlot{handler: fn})
	vector := t.msiBase + slot
	t.ctl.InitializeMSIVector(vector)
	return vector
}

// UnregisterHandler clears vector's slot. The number is not handed out
// again.
func (t *Table) UnregisterHandler(vector uint32) {
	if !t.inMSIRange(vector) {
		return
	}
	old := t.msi[vector-t.msiBase].Assign(nil)
	rcu.Retire(old, func(s *msiSlot) { s.dead, s.handler = true, nil })
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────────────────────────────────────

// InvokeInterrupt runs the handler for an acknowledged value and reports
// whether one claimed it. It never blocks.
func (t *Table) InvokeInterrupt(cpu int, iar uint32) bool {
	g := rcu.ReadLock()
	defer g.Unlock()

	if t.inMSIRange(iar) {
		slot := iar - t.msiBase
		s := t.msi[slot].Read()
		if s == nil {
			debug.Fatal("irq", "unmapped MSI vector "+utils.Utoa(uint64(iar)))
		}
		debug.Assert(!s.dead, "irq", "reclaimed MSI slot observed")
		t.msiCounts[slot].Add(1)
		s.handler(cpu)
		return true
	}

	id := iar & constants.IARIDMask
	if int(id) < t.nr {
		if d := t.lines[id].Read(); d != nil {
			debug.Assert(!d.dead, "irq", "reclaimed descriptor observed")
			if len(d.bindings) == 1 {
				t.counts[id].Add(1)
				d.bindings[0].handler(cpu)
				return true
			}
			for _, b := range d.bindings {
				if b.ack == nil || b.ack() {
					t.counts[id].Add(1)
					b.handler(cpu)
					return true
				}
			}
		}
	}
	t.unhandled.Add(1)
	debug.DropMessage("irq", "unhandled interrupt "+utils.Utoa(uint64(id)))
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Statistics
// ─────────────────────────────────────────────────────────────────────────────

// Count is how many times line id was dispatched to a handler.
func (t *Table) Count(id uint32) uint64 {
	if int(id) >= t.nr {
		return 0
	}
	return t.counts[id].Load()
}

// VectorCount is how many times an MSI vector was dispatched.
func (t *Table) VectorCount(vector uint32) uint64 {
	if !t.inMSIRange(vector) {
		return 0
	}
	return t.msiCounts[vector-t.msiBase].Load()
}

// Unhandled counts acknowledged interrupts nobody claimed.
func (t *Table) Unhandled() uint64 { return t.unhandled.Load() }

// LineStat is one row of Snapshot.
type LineStat struct {
	ID       uint32
	MSI      bool
	Handlers int
	Count    uint64
}

// Snapshot lists every line or vector that has a handler or has fired.
func (t *Table) Snapshot() []LineStat {
	var out []LineStat
	for id := range t.lines {
		n, c := t.Handlers(uint32(id)), t.counts[id].Load()
		if n > 0 || c > 0 {
			out = append(out, LineStat{ID: uint32(id), Handlers: n, Count: c})
		}
	}
	used := min(t.nextVector.Load(), t.msiCount)
	g := rcu.ReadLock()
	for slot := uint32(0); slot < used; slot++ {
		n := 0
		if t.msi[slot].Read() != nil {
			n = 1
		}
		out = append(out, LineStat{ID: t.msiBase + slot, MSI: true, Handlers: n, Count: t.msiCounts[slot].Load()})
	}
	g.Unlock()
	return out
}
