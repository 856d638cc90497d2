// ════════════════════════════════════════════════════════════════════════════════════════════════
// MSI-X Interrupt Manager
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: message-signaled vectors for PCI functions
//
// Description:
//   A Vector is one dynamic vector of the dispatch table bound to a device function. It knows
//   which MSI-X table entries signal it and which core the controller currently routes it to.
//   The Manager hands vectors out, programs the entries with the controller's doorbell format
//   and frees them again.
//
// ISR threads:
//   A binding may name a service thread instead of doing its work in interrupt context. The
//   vector then follows that thread: when an interrupt arrives on a core other than the
//   thread's, the entries are masked, the controller re-targets the vector and the entries are
//   unmasked before the thread is woken. Entries may only be rewritten while masked.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package msi

import (
	"sync"
	"sync/atomic"

	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/gic"
	"github.com/cloudius-systems/osv-sub002/irq"
	"github.com/cloudius-systems/osv-sub002/sched"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// Function is the MSI-X side of a PCI function.
type Function interface {
	Name() string
	RequesterID() uint32
	Entries() int
	EnableMSIX(on bool)
	WriteEntry(i int, addr uint64, data uint32) bool
	MaskEntry(i int, masked bool)
}

// Vector is one dynamic vector owned by a device.
type Vector struct {
	m       *Manager
	dev     Function
	vector  uint32
	entries []int

	handler atomic.Pointer[irq.Handler]

	mu         sync.Mutex // affinity changes
	cpu        int        // -1 until the first SetupEntry
	migrations atomic.Uint64
	freed      atomic.Bool
}

// Number is the vector as the controller acknowledges it.
func (v *Vector) Number() uint32 { return v.vector }

// Device returns the owning function.
func (v *Vector) Device() Function { return v.dev }

// Entries lists the MSI-X entries signalling v.
func (v *Vector) Entries() []int { return append([]int(nil), v.entries...) }

// CPU is the core v is routed to, -1 before it was set up.
func (v *Vector) CPU() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cpu
}

// Migrations counts affinity changes made for an ISR thread.
func (v *Vector) Migrations() uint64 { return v.migrations.Load() }

func (v *Vector) MaskEntries() {
	for _, e := range v.entries {
		v.dev.MaskEntry(e, true)
	}
}

func (v *Vector) UnmaskEntries() {
	for _, e := range v.entries {
		v.dev.MaskEntry(e, false)
	}
}

// SetAffinity routes v to cpu with its entries masked for the change.
func (v *Vector) SetAffinity(cpu int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.retarget(cpu)
}

func (v *Vector) retarget(cpu int) {
	if v.cpu == cpu {
		return
	}
	v.MaskEntries()
	v.m.ctl.MapMSIVector(v.vector, v.dev.RequesterID(), cpu)
	v.cpu = cpu
	v.migrations.Add(1)
	v.UnmaskEntries()
}

// interrupt is what the dispatch table runs for v.
func (v *Vector) interrupt(cpu int) {
	fn := v.handler.Load()
	if fn == nil {
		debug.DropMessage("msi", "vector "+utils.Utoa(uint64(v.vector))+" fired without an ISR")
		return
	}
	(*fn)(cpu)
}

// followAndWake moves v to t's core when they differ, then wakes t.
func (v *Vector) followAndWake(cpu int, t *sched.Thread) {
	v.mu.Lock()
	v.retarget(t.CPU())
	v.mu.Unlock()
	t.WakeFrom(cpu)
}

// ─────────────────────────────────────────────────────────────────────────────
// Manager
// ─────────────────────────────────────────────────────────────────────────────

// Manager allocates vectors from the dispatch table.
type Manager struct {
	ctl   gic.Controller
	table *irq.Table

	mu   sync.Mutex
	easy map[uint32][]*Vector // by requester id
}

func NewManager(ctl gic.Controller, table *irq.Table) *Manager {
	return &Manager{ctl: ctl, table: table, easy: make(map[uint32][]*Vector)}
}

// RequestVectors returns up to n vectors for dev, never more than dev has
// MSI-X entries. The result is empty when the controller cannot map dev.
func (m *Manager) RequestVectors(dev Function, n int) []*Vector {
	n = min(n, dev.Entries())
	if n <= 0 {
		return nil
	}
	if !m.ctl.AllocateMSIDevMapping(dev.RequesterID()) {
		debug.DropMessage("msi", "no device mapping for "+dev.Name())
		return nil
	}
	out := make([]*Vector, 0, n)
	for i := 0; i < n; i++ {
		v := &Vector{m: m, dev: dev, cpu: -1}
		v.vector = m.table.RegisterHandler(v.interrupt)
		out = append(out, v)
	}
	return out
}

// AssignISR installs fn as v's handler.
func (m *Manager) AssignISR(v *Vector, fn irq.Handler) bool {
	if v == nil || fn == nil || v.freed.Load() {
		return false
	}
	v.handler.Store(&fn)
	return true
}

// SetupEntry points MSI-X entry at v, routed to the boot core until an
// affinity change.
func (m *Manager) SetupEntry(entry int, v *Vector) bool {
	if v == nil || v.freed.Load() || entry < 0 || entry >= v.dev.Entries() {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cpu < 0 {
		m.ctl.MapMSIVector(v.vector, v.dev.RequesterID(), 0)
		v.cpu = 0
	}
	addr, data := m.ctl.MSIFormat(v.vector)
	if !v.dev.WriteEntry(entry, addr, data) {
		return false
	}
	v.entries = append(v.entries, entry)
	return true
}

// FreeVectors masks and unmaps every vector and releases its slot.
func (m *Manager) FreeVectors(vs []*Vector) {
	for _, v := range vs {
		if v == nil || v.freed.Swap(true) {
			continue
		}
		v.MaskEntries()
		v.mu.Lock()
		if v.cpu >= 0 {
			m.ctl.UnmapMSIVector(v.vector, v.dev.RequesterID())
		}
		v.mu.Unlock()
		m.table.UnregisterHandler(v.vector)
		v.handler.Store(nil)
	}
}

func (m *Manager) UnmaskInterrupts(vs []*Vector) bool {
	for _, v := range vs {
		v.UnmaskEntries()
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// One-shot registration
// ─────────────────────────────────────────────────────────────────────────────

// Binding ties one MSI-X entry to an ISR, a service thread, or both. The
// ISR runs first in interrupt context; the thread is woken after it.
type Binding struct {
	Entry  int
	ISR    irq.Handler
	Thread *sched.Thread
}

// EasyRegister gives every binding its own vector, enables MSI-X with all
// entries masked, programs them and unmasks. Any failure releases all
// vectors and leaves dev unregistered.
func (m *Manager) EasyRegister(dev Function, bindings []Binding) bool {
	n := len(bindings)
	vs := m.RequestVectors(dev, n)
	if len(vs) != n {
		m.FreeVectors(vs)
		return false
	}

	for i := 0; i < dev.Entries(); i++ {
		dev.MaskEntry(i, true)
	}
	dev.EnableMSIX(true)

	for i, b := range bindings {
		v := vs[i]
		isr, t := b.ISR, b.Thread
		var fn irq.Handler
		switch {
		case t != nil:
			fn = func(cpu int) {
				if isr != nil {
					isr(cpu)
				}
				v.followAndWake(cpu, t)
			}
		case isr != nil:
			fn = isr
		}
		if !m.AssignISR(v, fn) || !m.SetupEntry(b.Entry, v) {
			m.FreeVectors(vs)
			return false
		}
	}

	m.mu.Lock()
	m.easy[dev.RequesterID()] = vs
	m.mu.Unlock()
	m.UnmaskInterrupts(vs)
	return true
}

// EasyUnregister frees what EasyRegister set up for dev.
func (m *Manager) EasyUnregister(dev Function) {
	m.mu.Lock()
	vs := m.easy[dev.RequesterID()]
	delete(m.easy, dev.RequesterID())
	m.mu.Unlock()
	m.FreeVectors(vs)
}

// Vectors returns dev's registered vectors.
func (m *Manager) Vectors(dev Function) []*Vector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Vector(nil), m.easy[dev.RequesterID()]...)
}
