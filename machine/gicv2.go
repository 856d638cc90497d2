// gicv2.go - Distributor, GICv2 CPU interface and GICv2m MSI frame
//
// The distributor window is shared by both generations; with GICv3 affinity
// routing enabled its banked SGI/PPI words read as zero and routing goes
// through GICD_IROUTER instead of GICD_ITARGETSR.

package machine

import (
	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// Distributor offsets.
const (
	gicdCTLR       = 0x000
	gicdTYPER      = 0x004
	gicdIIDR       = 0x008
	gicdIGROUPR    = 0x080
	gicdISENABLER  = 0x100
	gicdICENABLER  = 0x180
	gicdISPENDR    = 0x200
	gicdICPENDR    = 0x280
	gicdISACTIVER  = 0x300
	gicdICACTIVER  = 0x380
	gicdIPRIORITYR = 0x400
	gicdITARGETSR  = 0x800
	gicdICFGR      = 0xc00
	gicdICFGREnd   = 0xd00
	gicdSGIR       = 0xf00
	gicdIROUTER    = 0x6000
	gicdIROUTEREnd = 0x7fe0
	gicdPIDR2      = 0xffe8
	gicdPIDR2V2    = 0x0fe8

	ctlrEnableGrp1 = 1 << 1
	ctlrARE        = 1 << 4
)

// ─────────────────────────────────────────────────────────────────────────────
// Per-INTID register arrays (GICD and the GICR SGI frame)
// ─────────────────────────────────────────────────────────────────────────────

// regRead serves the per-INTID arrays at off for INTIDs in [lo, hi).
// Words outside the window read as zero.
func (g *gicModel) regRead(cpu int, off uint64, lo, hi uint32) (uint32, bool) {
	in := func(first uint32) bool { return first >= lo && first < hi }
	switch {
	case off >= gicdIGROUPR && off < gicdISENABLER:
		if in(uint32(off-gicdIGROUPR) * 8) {
			return 0xffffffff, true // everything is Group 1 non-secure
		}
		return 0, true
	case off >= gicdISENABLER && off < gicdISPENDR:
		n := int((off - gicdISENABLER) % 0x80 / 4)
		if !in(uint32(n * 32)) {
			return 0, true
		}
		return g.readBits(cpu, n, fEnable), true
	case off >= gicdISPENDR && off < gicdISACTIVER:
		n := int((off - gicdISPENDR) % 0x80 / 4)
		if !in(uint32(n * 32)) {
			return 0, true
		}
		return g.readBits(cpu, n, fPending), true
	case off >= gicdISACTIVER && off < gicdIPRIORITYR:
		n := int((off - gicdISACTIVER) % 0x80 / 4)
		if !in(uint32(n * 32)) {
			return 0, true
		}
		return g.readBits(cpu, n, fActive), true
	case off >= gicdIPRIORITYR && off < gicdITARGETSR:
		first := uint32(off-gicdIPRIORITYR) &^ 3
		if !in(first) {
			return 0, true
		}
		return g.readBytes(cpu, first, func(s *irqState) uint8 { return s.prio }), true
	case off >= gicdICFGR && off < gicdICFGREnd:
		n := int((off - gicdICFGR) / 4)
		if !in(uint32(n * 16)) {
			return 0, true
		}
		return g.readCfg(cpu, n), true
	}
	return 0, false
}

// regWrite is the store side of regRead.
func (g *gicModel) regWrite(cpu int, off uint64, v uint32, lo, hi uint32) bool {
	in := func(first uint32) bool { return first >= lo && first < hi }
	word := func(base uint64) int { return int((off - base) % 0x80 / 4) }
	switch {
	case off >= gicdIGROUPR && off < gicdISENABLER:
		return true
	case off >= gicdISENABLER && off < gicdICENABLER:
		if n := word(gicdISENABLER); in(uint32(n * 32)) {
			g.writeBits(cpu, n, fEnable, v, true)
		}
	case off >= gicdICENABLER && off < gicdISPENDR:
		if n := word(gicdICENABLER); in(uint32(n * 32)) {
			g.writeBits(cpu, n, fEnable, v, false)
		}
	case off >= gicdISPENDR && off < gicdICPENDR:
		if n := word(gicdISPENDR); in(uint32(n * 32)) {
			g.writeBits(cpu, n, fPending, v, true)
		}
	case off >= gicdICPENDR && off < gicdISACTIVER:
		if n := word(gicdICPENDR); in(uint32(n * 32)) {
			g.writeBits(cpu, n, fPending, v, false)
		}
	case off >= gicdISACTIVER && off < gicdICACTIVER:
		if n := word(gicdISACTIVER); in(uint32(n * 32)) {
			g.writeBits(cpu, n, fActive, v, true)
		}
	case off >= gicdICACTIVER && off < gicdIPRIORITYR:
		if n := word(gicdICACTIVER); in(uint32(n * 32)) {
			g.writeBits(cpu, n, fActive, v, false)
		}
	case off >= gicdIPRIORITYR && off < gicdITARGETSR:
		if first := uint32(off-gicdIPRIORITYR) &^ 3; in(first) {
			g.writeBytes(cpu, first, v, func(s *irqState, b uint8) { s.prio = b })
		}
	case off >= gicdICFGR && off < gicdICFGREnd:
		if n := int((off - gicdICFGR) / 4); in(uint32(n * 16)) {
			g.writeCfg(cpu, n, v)
		}
	default:
		return false
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Distributor
// ─────────────────────────────────────────────────────────────────────────────

type distributor struct {
	g *gicModel
}

func (d *distributor) window() (lo, hi uint32) {
	g := d.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.version >= 3 && g.are {
		return constants.SPIBase, uint32(g.nlines)
	}
	return 0, uint32(g.nlines)
}

func (d *distributor) Read32(cpu int, off uint64) uint32 {
	g := d.g
	switch {
	case off == gicdCTLR:
		g.mu.Lock()
		defer g.mu.Unlock()
		var v uint32
		if g.distEnabled {
			if g.version >= 3 {
				v |= ctlrEnableGrp1
			} else {
				v |= 1
			}
		}
		if g.are {
			v |= ctlrARE
		}
		return v // RWP always reads 0: writes complete synchronously
	case off == gicdTYPER:
		v := uint32(g.nlines/32-1) | uint32(min(g.ncpu, 8)-1)<<5
		if g.version >= 3 {
			v |= 15 << 19 // IDbits: 16-bit INTIDs
			v |= 1 << 17  // LPIS
		}
		return v
	case off == gicdIIDR:
		return 0x0000043b
	case off == gicdPIDR2 && g.version >= 3, off == gicdPIDR2V2 && g.version == 2:
		return uint32(g.version) << 4
	case off >= gicdITARGETSR && off < gicdICFGR:
		first := uint32(off-gicdITARGETSR) &^ 3
		if g.version >= 3 {
			return 0
		}
		return g.readBytes(cpu, first, func(s *irqState) uint8 { return s.targets })
	case off >= gicdIROUTER && off < gicdIROUTEREnd:
		return uint32(d.Read64(cpu, off&^7) >> (8 * (off & 4)))
	}
	lo, hi := d.window()
	if v, ok := g.regRead(cpu, off, lo, hi); ok {
		return v
	}
	return 0
}

func (d *distributor) Write32(cpu int, off uint64, v uint32) {
	g := d.g
	switch {
	case off == gicdCTLR:
		g.mu.Lock()
		if g.version >= 3 {
			g.distEnabled = v&ctlrEnableGrp1 != 0
			g.are = v&ctlrARE != 0
		} else {
			g.distEnabled = v&1 != 0
		}
		g.update()
		g.mu.Unlock()
		return
	case off == gicdSGIR:
		if g.version >= 3 {
			return // SGIs go through ICC_SGI1R_EL1 with ARE
		}
		d.sgir(cpu, v)
		return
	case off >= gicdITARGETSR && off < gicdICFGR:
		first := uint32(off-gicdITARGETSR) &^ 3
		if g.version >= 3 || first < constants.SPIBase {
			return // read-only for banked INTIDs
		}
		g.writeBytes(cpu, first, v, func(s *irqState, b uint8) { s.targets = b })
		return
	case off >= gicdIROUTER && off < gicdIROUTEREnd:
		if off&4 == 0 {
			d.Write64(cpu, off, uint64(v))
		}
		return
	}
	lo, hi := d.window()
	if !g.regWrite(cpu, off, v, lo, hi) {
		debug.DropMessage("gicd", "write to unimplemented register "+utils.Hex64(off))
	}
}

// sgir decodes GICD_SGIR: filter 25:24, target list 23:16, INTID 3:0.
func (d *distributor) sgir(cpu int, v uint32) {
	var targets uint64
	switch (v >> 24) & 3 {
	case 0:
		targets = uint64((v >> 16) & 0xff)
	case 1:
		targets = uint64(1)<<d.g.ncpu - 1
		targets &^= 1 << cpu
	case 2:
		targets = 1 << cpu
	default:
		return
	}
	d.g.sendSGI(cpu, targets, v&0xf)
}

func (d *distributor) Read64(cpu int, off uint64) uint64 {
	if off < gicdIROUTER || off >= gicdIROUTEREnd {
		return uint64(d.Read32(cpu, off)) | uint64(d.Read32(cpu, off+4))<<32
	}
	id := uint32(off-gicdIROUTER) / 8
	g := d.g
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state(-1, id)
	if s == nil {
		return 0
	}
	aff1, aff0 := mpidr(s.route)
	return aff1<<8 | aff0
}

func (d *distributor) Write64(cpu int, off uint64, v uint64) {
	if off < gicdIROUTER || off >= gicdIROUTEREnd {
		d.Write32(cpu, off, uint32(v))
		d.Write32(cpu, off+4, uint32(v>>32))
		return
	}
	id := uint32(off-gicdIROUTER) / 8
	g := d.g
	g.mu.Lock()
	if s := g.state(-1, id); s != nil {
		target := 0 // IRM (bit 31) = any: the model always picks core 0
		if v&(1<<31) == 0 {
			target = cpuFromAffinity((v>>8)&0xff, v&0xff)
		}
		if target >= g.ncpu {
			target = 0
		}
		s.route = target
	}
	g.update()
	g.mu.Unlock()
}

// ─────────────────────────────────────────────────────────────────────────────
// GICv2 CPU interface (banked per core)
// ─────────────────────────────────────────────────────────────────────────────

const (
	giccCTLR  = 0x00
	giccPMR   = 0x04
	giccBPR   = 0x08
	giccIAR   = 0x0c
	giccEOIR  = 0x10
	giccRPR   = 0x14
	giccHPPIR = 0x18
	giccIIDR  = 0xfc
	giccDIR   = 0x1000

	giccCTLREnable    = 1 << 0
	giccCTLREOImodeNS = 1 << 9
)

type cpuInterface struct {
	g *gicModel
}

func (c *cpuInterface) Read32(cpu int, off uint64) uint32 {
	g := c.g
	if cpu < 0 || cpu >= g.ncpu {
		return 0
	}
	switch off {
	case giccIAR:
		return g.ack(cpu)
	case giccHPPIR:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.best(cpu)
	case giccIIDR:
		return 0x0202043b
	case giccRPR:
		return 0xff
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ci := &g.cpus[cpu]
	switch off {
	case giccCTLR:
		var v uint32
		if ci.enabled {
			v |= giccCTLREnable
		}
		if ci.eoiSplit {
			v |= giccCTLREOImodeNS
		}
		return v
	case giccPMR:
		return uint32(ci.pmr)
	case giccBPR:
		return uint32(ci.bpr)
	}
	return 0
}

func (c *cpuInterface) Write32(cpu int, off uint64, v uint32) {
	g := c.g
	if cpu < 0 || cpu >= g.ncpu {
		return
	}
	switch off {
	case giccEOIR:
		g.mu.Lock()
		split := g.cpus[cpu].eoiSplit
		g.mu.Unlock()
		if !split {
			g.deactivate(cpu, v)
		}
		return
	case giccDIR:
		g.deactivate(cpu, v)
		return
	}
	g.mu.Lock()
	ci := &g.cpus[cpu]
	switch off {
	case giccCTLR:
		ci.enabled = v&giccCTLREnable != 0
		ci.eoiSplit = v&giccCTLREOImodeNS != 0
	case giccPMR:
		ci.pmr = uint8(v)
	case giccBPR:
		ci.bpr = uint8(v & 7)
	}
	g.update()
	g.mu.Unlock()
}

// ─────────────────────────────────────────────────────────────────────────────
// GICv2m MSI frame
// ─────────────────────────────────────────────────────────────────────────────

const (
	v2mMSITYPER    = 0x008
	v2mMSISETSPINS = 0x040
	v2mIIDR        = 0xfcc
)

type v2mFrame struct {
	g           *gicModel
	base, count uint32
}

func (f *v2mFrame) Read32(_ int, off uint64) uint32 {
	switch off {
	case v2mMSITYPER:
		return f.base<<16 | f.count
	case v2mIIDR:
		return 0x0000043b
	}
	return 0
}

func (f *v2mFrame) Write32(_ int, off uint64, v uint32) {
	if off != v2mMSISETSPINS {
		return
	}
	if v < f.base || v >= f.base+f.count {
		debug.DropMessage("gicv2m", "SETSPI outside frame: "+utils.Utoa(uint64(v)))
		return
	}
	f.g.raise(-1, v)
}

// WriteMSI is the inbound doorbell path. The frame ignores the requester.
func (f *v2mFrame) WriteMSI(_ uint32, off uint64, data uint32) { f.Write32(-1, off, data) }
