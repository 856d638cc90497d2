// gicv3.go - GICv3 redistributors and the ICC system-register file
//
// One 128 KiB frame pair per core: RD_base (control, LPI tables, wake
// state) followed by SGI_base (the banked SGI/PPI arrays that the
// distributor hands over once affinity routing is on).

package machine

import (
	"github.com/cloudius-systems/osv-sub002/constants"
)

// Redistributor offsets.
const (
	gicrCTLR      = 0x0000
	gicrIIDR      = 0x0004
	gicrTYPER     = 0x0008
	gicrWAKER     = 0x0014
	gicrPROPBASER = 0x0070
	gicrPENDBASER = 0x0078
	gicrSYNCR     = 0x00c0
	gicrSGIBase   = 0x10000

	gicrCTLREnableLPIs  = 1 << 0
	wakerProcessorSleep = 1 << 1
	wakerChildrenAsleep = 1 << 2
	typerPLPIS          = 1 << 0
	typerLast           = 1 << 4

	propAddrMask = 0x000ffffffffff000
)

type redistributors struct {
	m *Machine

	propbaser []uint64
	pendbaser []uint64
}

func (r *redistributors) split(off uint64) (rd int, inner uint64) {
	return int(off / redistFrame), off % redistFrame
}

func newRedistributors(m *Machine) *redistributors {
	return &redistributors{
		m:         m,
		propbaser: make([]uint64, m.ncpu),
		pendbaser: make([]uint64, m.ncpu),
	}
}

func (r *redistributors) Read32(_ int, off uint64) uint32 {
	rd, inner := r.split(off)
	if inner >= gicrSGIBase {
		v, _ := r.m.gic.regRead(rd, inner-gicrSGIBase, 0, constants.SPIBase)
		return v
	}
	switch inner {
	case gicrTYPER, gicrTYPER + 4, gicrPROPBASER, gicrPROPBASER + 4, gicrPENDBASER, gicrPENDBASER + 4:
		return uint32(r.Read64(0, off&^7) >> (8 * (inner & 4)))
	}
	g := r.m.gic
	g.mu.Lock()
	defer g.mu.Unlock()
	switch inner {
	case gicrCTLR:
		if g.lpiEnabled[rd] {
			return gicrCTLREnableLPIs
		}
		return 0
	case gicrIIDR:
		return 0x0300043b
	case gicrWAKER:
		if g.cpus[rd].awake {
			return 0
		}
		return wakerProcessorSleep | wakerChildrenAsleep
	case gicrSYNCR:
		return 0 // never busy
	}
	return 0
}

func (r *redistributors) Write32(_ int, off uint64, v uint32) {
	rd, inner := r.split(off)
	g := r.m.gic
	if inner >= gicrSGIBase {
		g.regWrite(rd, inner-gicrSGIBase, v, 0, constants.SPIBase)
		return
	}
	switch inner {
	case gicrPROPBASER, gicrPENDBASER:
		r.Write64(0, off, uint64(v))
		return
	case gicrCTLR:
		enable := v&gicrCTLREnableLPIs != 0
		g.mu.Lock()
		was := g.lpiEnabled[rd]
		g.lpiEnabled[rd] = enable
		g.update()
		g.mu.Unlock()
		if enable && !was {
			r.loadProperties(rd)
		}
	case gicrWAKER:
		g.mu.Lock()
		g.cpus[rd].awake = v&wakerProcessorSleep == 0
		g.update()
		g.mu.Unlock()
	}
}

func (r *redistributors) Read64(_ int, off uint64) uint64 {
	rd, inner := r.split(off)
	g := r.m.gic
	g.mu.Lock()
	defer g.mu.Unlock()
	switch inner {
	case gicrTYPER:
		aff1, aff0 := mpidr(rd)
		v := aff1<<40 | aff0<<32 | uint64(rd)<<8
		if r.m.its != nil {
			v |= typerPLPIS
		}
		if rd == r.m.ncpu-1 {
			v |= typerLast
		}
		return v
	case gicrPROPBASER:
		return r.propbaser[rd]
	case gicrPENDBASER:
		return r.pendbaser[rd]
	}
	return 0
}

func (r *redistributors) Write64(_ int, off uint64, v uint64) {
	rd, inner := r.split(off)
	g := r.m.gic
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lpiEnabled[rd] {
		return // tables are locked once LPIs are on
	}
	switch inner {
	case gicrPROPBASER:
		r.propbaser[rd] = v
	case gicrPENDBASER:
		r.pendbaser[rd] = v
	}
}

// property returns the LPI configuration byte for lpi as programmed in
// core rd's property table.
func (r *redistributors) property(rd int, lpi uint32) (byte, bool) {
	r.m.gic.mu.Lock()
	pa := r.propbaser[rd] & propAddrMask
	r.m.gic.mu.Unlock()
	table := r.m.mem.Bytes(pa)
	i := int(lpi) - constants.LPIBase
	if table == nil || i < 0 || i >= len(table) {
		return 0, false
	}
	return table[i], true
}

// loadProperties caches every LPI configuration in rd's table.
func (r *redistributors) loadProperties(rd int) {
	r.m.gic.mu.Lock()
	pa := r.propbaser[rd] & propAddrMask
	r.m.gic.mu.Unlock()
	table := r.m.mem.Bytes(pa)
	for i, b := range table {
		r.m.gic.configureLPI(uint32(constants.LPIBase+i), b)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// ICC system registers
// ─────────────────────────────────────────────────────────────────────────────

// SysReg names a GICv3 CPU-interface system register.
type SysReg int

// The register names follow the architecture so driver code reads like the
// assembler it replaces.
const (
	ICC_SRE_EL1 SysReg = iota
	ICC_PMR_EL1
	ICC_BPR1_EL1
	ICC_CTLR_EL1
	ICC_IGRPEN1_EL1
	ICC_IAR1_EL1
	ICC_EOIR1_EL1
	ICC_DIR_EL1
	ICC_SGI1R_EL1
	ICC_RPR_EL1
	ICC_HPPIR1_EL1
	MPIDR_EL1
)

// ICC_CTLR_EL1.EOImode: EOIR drops priority only, DIR deactivates.
const ICCCtlrEOImode = 1 << 1

// SGI1R field layout.
const (
	SGI1RTargetMask = 0xffff
	SGI1RAff1Shift  = 16
	SGI1RINTIDShift = 24
	SGI1RIRM        = 1 << 40
)

// ReadSysReg is an MRS on core cpu. Reading IAR acknowledges.
func (m *Machine) ReadSysReg(cpu int, r SysReg) uint64 {
	g := m.gic
	switch r {
	case ICC_IAR1_EL1:
		return uint64(g.ack(cpu))
	case ICC_HPPIR1_EL1:
		g.mu.Lock()
		defer g.mu.Unlock()
		return uint64(g.best(cpu))
	case ICC_RPR_EL1:
		return 0xff
	case MPIDR_EL1:
		aff1, aff0 := mpidr(cpu)
		return 1<<31 | aff1<<8 | aff0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ci := &g.cpus[cpu]
	switch r {
	case ICC_SRE_EL1:
		if ci.sre {
			return 1
		}
	case ICC_PMR_EL1:
		return uint64(ci.pmr)
	case ICC_BPR1_EL1:
		return uint64(ci.bpr)
	case ICC_CTLR_EL1:
		if ci.eoiSplit {
			return ICCCtlrEOImode
		}
	case ICC_IGRPEN1_EL1:
		if ci.enabled {
			return 1
		}
	}
	return 0
}

// WriteSysReg is an MSR on core cpu.
func (m *Machine) WriteSysReg(cpu int, r SysReg, v uint64) {
	g := m.gic
	switch r {
	case ICC_EOIR1_EL1:
		g.mu.Lock()
		split := g.cpus[cpu].eoiSplit
		g.mu.Unlock()
		if !split {
			g.deactivate(cpu, uint32(v))
		}
		return
	case ICC_DIR_EL1:
		g.deactivate(cpu, uint32(v))
		return
	case ICC_SGI1R_EL1:
		m.sgi1r(cpu, v)
		return
	}
	g.mu.Lock()
	ci := &g.cpus[cpu]
	switch r {
	case ICC_SRE_EL1:
		ci.sre = v&1 != 0
	case ICC_PMR_EL1:
		ci.pmr = uint8(v)
	case ICC_BPR1_EL1:
		ci.bpr = uint8(v & 7)
	case ICC_CTLR_EL1:
		ci.eoiSplit = v&ICCCtlrEOImode != 0
	case ICC_IGRPEN1_EL1:
		ci.enabled = v&1 != 0
	}
	g.update()
	g.mu.Unlock()
}

func (m *Machine) sgi1r(cpu int, v uint64) {
	id := uint32(v>>SGI1RINTIDShift) & 0xf
	var targets uint64
	if v&SGI1RIRM != 0 {
		targets = m.sgiTargetsAllBut(cpu)
	} else {
		aff1 := (v >> SGI1RAff1Shift) & 0xff
		list := v & SGI1RTargetMask
		for b := uint64(0); b < 16; b++ {
			if list&(1<<b) != 0 {
				if c := cpuFromAffinity(aff1, b); c < m.ncpu {
					targets |= 1 << c
				}
			}
		}
	}
	m.gic.sendSGI(cpu, targets, id)
}
