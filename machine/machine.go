// ════════════════════════════════════════════════════════════════════════════════════════════════
// Simulated Machine
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Hardware the kernel core runs against
//
// Description:
//   Builds the register windows, interrupt controller, per-core generic timers and PCI functions
//   described by a platform.Description. The kernel sees it only through the register bus, the
//   ICC system-register file, the per-core IRQ lines and the device inputs below.
//
// Layout:
//   GICv2:  GICD (4 KiB) · GICC (8 KiB, banked) · GICv2m MSI frame (4 KiB)
//   GICv3:  GICD (64 KiB) · GICR (128 KiB per core) · ITS (128 KiB) · ICC sysregs
// ════════════════════════════════════════════════════════════════════════════════════════════════

package machine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudius-systems/osv-sub002/control"
	"github.com/cloudius-systems/osv-sub002/mmio"
	"github.com/cloudius-systems/osv-sub002/platform"
)

// Window sizes of the simulated register frames.
const (
	distSizeV2  = 0x1000
	cpuIfSizeV2 = 0x2000
	v2mSize     = 0x1000
	distSizeV3  = 0x10000
	redistFrame = 0x20000
	itsSize     = 0x20000

	// RAM handed out for hardware tables starts here.
	ramBase = 0x40000000
)

var ErrNotBooted = errors.New("machine: description rejected")

// Machine is one simulated board.
type Machine struct {
	desc  *platform.Description
	ncpu  int
	space *mmio.Space
	mem   *mmio.Memory
	flags *control.Flags
	boot  time.Time

	gic    *gicModel
	redist *redistributors
	its    *its
	timers []*genericTimer

	mu      sync.Mutex
	funcs   []*PCIFunction
	nextRID uint32
}

// New builds the machine for desc. flags is the machine's stop/activity
// block, shared with the kernel's idle loops.
func New(desc *platform.Description, flags *control.Flags) (*Machine, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotBooted, err)
	}
	m := &Machine{
		desc:  desc,
		ncpu:  desc.CPUs,
		space: mmio.NewSpace(),
		mem:   mmio.NewMemory(ramBase),
		flags: flags,
		boot:  time.Now(),
		gic:   newGICModel(desc.GIC.Version, desc.CPUs, desc.GIC.Lines),
	}
	g := &desc.GIC
	var err error
	switch g.Version {
	case platform.GICv2:
		err = errors.Join(
			m.space.Map("gicd", g.DistBase, distSizeV2, &distributor{g: m.gic}),
			m.space.Map("gicc", g.CPUIfBase, cpuIfSizeV2, &cpuInterface{g: m.gic}),
		)
		if err == nil && g.V2MBase != 0 {
			err = m.space.Map("gicv2m", g.V2MBase, v2mSize, &v2mFrame{g: m.gic, base: uint32(g.V2MSPIBase), count: uint32(g.V2MSPIs)})
		}
	case platform.GICv3:
		m.redist = newRedistributors(m)
		err = errors.Join(
			m.space.Map("gicd", g.DistBase, distSizeV3, &distributor{g: m.gic}),
			m.space.Map("gicr", g.RedistBase, uint64(m.ncpu)*redistFrame, m.redist),
		)
		if err == nil && g.ITSBase != 0 {
			m.its = newITS(m)
			err = m.space.Map("gits", g.ITSBase, itsSize, m.its)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("machine: map register windows: %w", err)
	}
	m.timers = make([]*genericTimer, m.ncpu)
	for c := range m.timers {
		m.timers[c] = &genericTimer{m: m, cpu: c}
	}
	return m, nil
}

// Description returns the platform the machine was built from.
func (m *Machine) Description() *platform.Description { return m.desc }

// CPUs is the core count.
func (m *Machine) CPUs() int { return m.ncpu }

// Bus returns the register bus as seen from core cpu.
func (m *Machine) Bus(cpu int) mmio.Bus { return m.space.View(cpu) }

// Space exposes the address map for MSI writes.
func (m *Machine) Space() *mmio.Space { return m.space }

// Memory is the RAM allocator for hardware tables.
func (m *Machine) Memory() *mmio.Memory { return m.mem }

// Flags is the machine's stop/activity block.
func (m *Machine) Flags() *control.Flags { return m.flags }

// Now is the time since power-on.
func (m *Machine) Now() time.Duration { return time.Since(m.boot) }

// ─────────────────────────────────────────────────────────────────────────────
// Per-core IRQ line
// ─────────────────────────────────────────────────────────────────────────────

// IRQPending reports whether acknowledging on cpu would return an INTID.
//
//go:nosplit
//go:inline
func (m *Machine) IRQPending(cpu int) bool { return m.gic.lines[cpu].pending.Load() }

// Line is cpu's wait-for-interrupt doorbell. A receive means the line went
// high at some point since the last receive; callers re-check IRQPending.
func (m *Machine) Line(cpu int) <-chan struct{} { return m.gic.lines[cpu].bell }

// ─────────────────────────────────────────────────────────────────────────────
// Device inputs
// ─────────────────────────────────────────────────────────────────────────────

// RaiseEdge latches an edge on SPI id.
func (m *Machine) RaiseEdge(id uint32) { m.gic.raise(-1, id) }

// AssertLevel drives level-sensitive SPI id high.
func (m *Machine) AssertLevel(id uint32) { m.gic.setLevel(id, true) }

// DeassertLevel drives SPI id low.
func (m *Machine) DeassertLevel(id uint32) { m.gic.setLevel(id, false) }

// RaisePPI latches private peripheral interrupt id on cpu.
func (m *Machine) RaisePPI(cpu int, id uint32) { m.gic.raise(cpu, id) }

// ─────────────────────────────────────────────────────────────────────────────
// Generic timer
// ─────────────────────────────────────────────────────────────────────────────

type genericTimer struct {
	m   *Machine
	cpu int
	mu  sync.Mutex
	gen uint64
	t   *time.Timer
}

func (gt *genericTimer) fire(gen uint64) {
	gt.mu.Lock()
	live := gen == gt.gen
	gt.mu.Unlock()
	if live && !gt.m.flags.Stopping() {
		gt.m.RaisePPI(gt.cpu, uint32(gt.m.desc.TimerPPI))
	}
}

// Arm programs cpu's comparator to fire its timer PPI after d. Re-arming
// replaces the previous deadline; d <= 0 fires at once.
func (m *Machine) Arm(cpu int, d time.Duration) {
	gt := m.timers[cpu]
	gt.mu.Lock()
	gt.gen++
	gen := gt.gen
	if gt.t != nil {
		gt.t.Stop()
		gt.t = nil
	}
	if d > 0 {
		gt.t = time.AfterFunc(d, func() { gt.fire(gen) })
	}
	gt.mu.Unlock()
	if d <= 0 {
		gt.fire(gen)
	}
}

// Disarm cancels cpu's pending deadline.
func (m *Machine) Disarm(cpu int) {
	gt := m.timers[cpu]
	gt.mu.Lock()
	gt.gen++
	if gt.t != nil {
		gt.t.Stop()
		gt.t = nil
	}
	gt.mu.Unlock()
}

// ─────────────────────────────────────────────────────────────────────────────
// Power off
// ─────────────────────────────────────────────────────────────────────────────

// Shutdown stops the timers and the ITS engine. Idempotent.
func (m *Machine) Shutdown() {
	m.flags.Shutdown()
	for c := range m.timers {
		m.Disarm(c)
	}
	if m.its != nil {
		m.its.stop()
	}
}

// mpidr returns the affinity value of core cpu: 16 cores per cluster.
func mpidr(cpu int) (aff1, aff0 uint64) {
	return uint64(cpu / 16), uint64(cpu % 16)
}

func cpuFromAffinity(aff1, aff0 uint64) int {
	return int(aff1*16 + aff0)
}

// sgiTargetsAllBut returns the target mask of every core except self.
func (m *Machine) sgiTargetsAllBut(self int) uint64 {
	all := uint64(1)<<m.ncpu - 1
	return all &^ (1 << self)
}
