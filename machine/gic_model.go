// ════════════════════════════════════════════════════════════════════════════════════════════════
// GIC State Model
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Simulated interrupt controller core
//
// Description:
//   Generation-independent interrupt state shared by the GICv2 and GICv3 register front-ends:
//   per-INTID enable/pending/active/trigger/priority, banked SGI/PPI state per core, SPI routing,
//   and LPI pending state per redistributor. Every mutation recomputes the IRQ line of each core
//   so a CPU only has to look at its line to know whether acknowledging would return an INTID.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package machine

import (
	"sync"
	"sync/atomic"

	"github.com/cloudius-systems/osv-sub002/constants"
)

type irqState struct {
	enabled  bool
	pending  bool
	active   bool
	asserted bool // level input currently high
	edge     bool
	prio     uint8
	targets  uint8  // GICv2 ITARGETSR byte
	route    int    // GICv3 IROUTER target core
	sgiSrc   uint32 // GICv2 pending SGI sources
	activeBy int    // core that acknowledged it
}

type lpiConfig struct {
	enabled bool
	prio    uint8
}

type cpuIface struct {
	enabled  bool // GICC_CTLR.Enable / ICC_IGRPEN1
	pmr      uint8
	bpr      uint8
	eoiSplit bool // EOImode: EOI drops priority, DIR deactivates
	sre      bool
	awake    bool // GICR_WAKER.ProcessorSleep cleared
}

// line is one core's IRQ input.
type line struct {
	pending atomic.Bool
	bell    chan struct{}
}

type gicModel struct {
	mu      sync.Mutex
	version int
	ncpu    int
	nlines  int

	distEnabled bool
	are         bool

	banked [][32]irqState
	spis   []irqState
	cpus   []cpuIface

	lpiCfg     map[uint32]lpiConfig
	lpiPending []map[uint32]bool
	lpiEnabled []bool // GICR_CTLR.EnableLPIs per core

	lines []line
}

func newGICModel(version, ncpu, nlines int) *gicModel {
	g := &gicModel{
		version:    version,
		ncpu:       ncpu,
		nlines:     nlines,
		banked:     make([][32]irqState, ncpu),
		spis:       make([]irqState, nlines-constants.SPIBase),
		cpus:       make([]cpuIface, ncpu),
		lpiCfg:     make(map[uint32]lpiConfig),
		lpiPending: make([]map[uint32]bool, ncpu),
		lpiEnabled: make([]bool, ncpu),
		lines:      make([]line, ncpu),
	}
	for c := 0; c < ncpu; c++ {
		g.lpiPending[c] = make(map[uint32]bool)
		g.lines[c].bell = make(chan struct{}, 1)
		for i := range g.banked[c] {
			g.banked[c][i].edge = i <= constants.SGIMax
			g.banked[c][i].targets = 1 << c
			g.banked[c][i].route = c
		}
	}
	return g
}

// state returns the irqState an access by core cpu to INTID id resolves to.
// Caller holds mu.
func (g *gicModel) state(cpu int, id uint32) *irqState {
	if id < constants.SPIBase {
		if cpu < 0 || cpu >= g.ncpu {
			return nil
		}
		return &g.banked[cpu][id]
	}
	if int(id) >= g.nlines {
		return nil
	}
	return &g.spis[id-constants.SPIBase]
}

func (g *gicModel) targetsCPU(s *irqState, cpu int) bool {
	if g.version >= 3 && g.are {
		return s.route == cpu
	}
	return s.targets&(1<<cpu) != 0
}

// best returns the highest-priority deliverable INTID for cpu, or
// constants.Spurious. Caller holds mu.
func (g *gicModel) best(cpu int) uint32 {
	ci := &g.cpus[cpu]
	if !g.distEnabled || !ci.enabled {
		return constants.Spurious
	}
	if g.version >= 3 && !ci.awake {
		return constants.Spurious
	}
	bestID, bestPrio := uint32(constants.Spurious), uint16(ci.pmr)
	consider := func(id uint32, prio uint8) {
		if uint16(prio) < bestPrio {
			bestID, bestPrio = id, uint16(prio)
		}
	}
	for id := uint32(0); id < constants.SPIBase; id++ {
		s := &g.banked[cpu][id]
		if s.enabled && s.pending && !s.active {
			consider(id, s.prio)
		}
	}
	for i := range g.spis {
		s := &g.spis[i]
		if s.enabled && s.pending && !s.active && g.targetsCPU(s, cpu) {
			consider(uint32(i+constants.SPIBase), s.prio)
		}
	}
	if g.lpiEnabled[cpu] {
		for lpi := range g.lpiPending[cpu] {
			if cfg := g.lpiCfg[lpi]; cfg.enabled {
				if uint16(cfg.prio) < bestPrio || (uint16(cfg.prio) == bestPrio && lpi < bestID && bestID != constants.Spurious) {
					bestID, bestPrio = lpi, uint16(cfg.prio)
				}
			}
		}
	}
	return bestID
}

// update recomputes every core's line. Caller holds mu.
func (g *gicModel) update() {
	for c := 0; c < g.ncpu; c++ {
		p := g.best(c) != constants.Spurious
		l := &g.lines[c]
		l.pending.Store(p)
		if p {
			select {
			case l.bell <- struct{}{}:
			default:
			}
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Acknowledge / deactivate
// ─────────────────────────────────────────────────────────────────────────────

// ack acknowledges the best pending INTID on cpu. For GICv2 SGIs the
// source core is encoded in bits 12:10.
func (g *gicModel) ack(cpu int) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.best(cpu)
	if id == constants.Spurious {
		return id
	}
	if id >= constants.LPIBase {
		delete(g.lpiPending[cpu], id)
		g.update()
		return id
	}
	s := g.state(cpu, id)
	iar := id
	if id <= constants.SGIMax && g.version == 2 {
		src := uint32(0)
		for s.sgiSrc&(1<<src) == 0 {
			src++
		}
		s.sgiSrc &^= 1 << src
		iar |= src << 10
		s.pending = s.sgiSrc != 0
	} else if s.edge || !s.asserted {
		s.pending = false
	}
	s.active = true
	s.activeBy = cpu
	g.update()
	return iar
}

// deactivate ends the active state of the INTID carried by iar. LPIs have
// no active state; GICv2 IAR values never reach the LPI range.
func (g *gicModel) deactivate(cpu int, iar uint32) {
	if iar >= constants.LPIBase {
		return
	}
	id := iar & constants.IARIDMask
	if id >= constants.SpuriousBase {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state(cpu, id)
	if s == nil {
		return
	}
	s.active = false
	if !s.edge && s.asserted {
		s.pending = true
	}
	g.update()
}

// ─────────────────────────────────────────────────────────────────────────────
// Inputs
// ─────────────────────────────────────────────────────────────────────────────

func (g *gicModel) raise(cpu int, id uint32) {
	g.mu.Lock()
	if s := g.state(cpu, id); s != nil {
		s.pending = true
	}
	g.update()
	g.mu.Unlock()
}

func (g *gicModel) setLevel(id uint32, high bool) {
	g.mu.Lock()
	if s := g.state(-1, id); s != nil {
		s.asserted = high
		if !s.edge {
			s.pending = high
		}
	}
	g.update()
	g.mu.Unlock()
}

func (g *gicModel) sendSGI(src int, targets uint64, id uint32) {
	g.mu.Lock()
	for c := 0; c < g.ncpu; c++ {
		if targets&(1<<c) == 0 {
			continue
		}
		s := &g.banked[c][id&0xf]
		s.pending = true
		s.sgiSrc |= 1 << uint(src&7)
	}
	g.update()
	g.mu.Unlock()
}

func (g *gicModel) raiseLPI(cpu int, lpi uint32) {
	g.mu.Lock()
	g.lpiPending[cpu][lpi] = true
	g.update()
	g.mu.Unlock()
}

func (g *gicModel) moveLPI(from, to int, lpi uint32) {
	g.mu.Lock()
	if g.lpiPending[from][lpi] {
		delete(g.lpiPending[from], lpi)
		g.lpiPending[to][lpi] = true
	}
	g.update()
	g.mu.Unlock()
}

func (g *gicModel) configureLPI(lpi uint32, prop byte) {
	g.mu.Lock()
	g.lpiCfg[lpi] = lpiConfig{enabled: prop&1 != 0, prio: prop &^ 3}
	g.update()
	g.mu.Unlock()
}

func (g *gicModel) discardLPI(lpi uint32) {
	g.mu.Lock()
	for c := range g.lpiPending {
		delete(g.lpiPending[c], lpi)
	}
	g.update()
	g.mu.Unlock()
}

// ─────────────────────────────────────────────────────────────────────────────
// Bit-array register helpers shared by both front-ends
// ─────────────────────────────────────────────────────────────────────────────

type field int

const (
	fEnable field = iota
	fPending
	fActive
)

func (s *irqState) get(f field) bool {
	switch f {
	case fEnable:
		return s.enabled
	case fPending:
		return s.pending
	default:
		return s.active
	}
}

func (s *irqState) set(f field, v bool) {
	switch f {
	case fEnable:
		s.enabled = v
	case fPending:
		s.pending = v
		if !v {
			s.sgiSrc = 0
		}
	default:
		s.active = v
	}
}

// readBits returns the 32-bit word n of field f as seen by cpu.
func (g *gicModel) readBits(cpu int, n int, f field) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var w uint32
	for b := 0; b < 32; b++ {
		if s := g.state(cpu, uint32(n*32+b)); s != nil && s.get(f) {
			w |= 1 << b
		}
	}
	return w
}

// writeBits applies a set (v=true) or clear (v=false) mask to word n.
func (g *gicModel) writeBits(cpu int, n int, f field, mask uint32, v bool) {
	g.mu.Lock()
	for b := 0; b < 32; b++ {
		if mask&(1<<b) == 0 {
			continue
		}
		if s := g.state(cpu, uint32(n*32+b)); s != nil {
			s.set(f, v)
		}
	}
	g.update()
	g.mu.Unlock()
}

func (g *gicModel) readBytes(cpu int, first uint32, get func(*irqState) uint8) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var w uint32
	for b := uint32(0); b < 4; b++ {
		if s := g.state(cpu, first+b); s != nil {
			w |= uint32(get(s)) << (8 * b)
		}
	}
	return w
}

func (g *gicModel) writeBytes(cpu int, first uint32, v uint32, set func(*irqState, uint8)) {
	g.mu.Lock()
	for b := uint32(0); b < 4; b++ {
		if s := g.state(cpu, first+b); s != nil {
			set(s, uint8(v>>(8*b)))
		}
	}
	g.update()
	g.mu.Unlock()
}

func (g *gicModel) readCfg(cpu int, n int) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var w uint32
	for i := 0; i < 16; i++ {
		if s := g.state(cpu, uint32(n*16+i)); s != nil && s.edge {
			w |= 2 << (2 * i)
		}
	}
	return w
}

func (g *gicModel) writeCfg(cpu int, n int, v uint32) {
	g.mu.Lock()
	for i := 0; i < 16; i++ {
		id := uint32(n*16 + i)
		if id <= constants.SGIMax {
			continue // SGIs are always edge
		}
		if s := g.state(cpu, id); s != nil {
			s.edge = v&(2<<(2*i)) != 0
			if !s.edge {
				s.pending = s.asserted
			}
		}
	}
	g.update()
	g.mu.Unlock()
}
