// dist.go - distributor register layout and the per-INTID array helpers
// shared by both generations (and by the GICv3 redistributor SGI frame,
// which repeats the first word of each array).

package gic

import (
	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/mmio"
)

const (
	GICD_CTLR       = 0x0000
	GICD_TYPER      = 0x0004
	GICD_IIDR       = 0x0008
	GICD_IGROUPR    = 0x0080
	GICD_ISENABLER  = 0x0100
	GICD_ICENABLER  = 0x0180
	GICD_ISPENDR    = 0x0200
	GICD_ICPENDR    = 0x0280
	GICD_ISACTIVER  = 0x0300
	GICD_ICACTIVER  = 0x0380
	GICD_IPRIORITYR = 0x0400
	GICD_ITARGETSR  = 0x0800
	GICD_ICFGR      = 0x0c00
	GICD_SGIR       = 0x0f00
	GICD_IROUTER    = 0x6000

	gicdPIDR2   = 0xffe8
	gicdPIDR2V2 = 0x0fe8

	GICD_CTLR_ENABLE   = 1 << 0 // v2 enable, v3 EnableGrp0
	GICD_CTLR_ENABLEG1 = 1 << 1
	GICD_CTLR_ARE_NS   = 1 << 4
	GICD_CTLR_RWP      = 1 << 31

	GICD_TYPER_LINES = 0x1f
	GICD_TYPER_LPIS  = 1 << 17

	// Default priority of every line; lower is more urgent.
	defaultPriority = 0xc0
	// LPIs sit one step above the wired lines.
	lpiPriority = 0xa0

	rwpSpins = 1 << 20
)

// dist addresses one register frame of per-INTID arrays.
type dist struct {
	bus  mmio.Bus
	base uint64
}

// writeBit sets bit id in the set/clear array at reg. Set/clear arrays
// ignore zeros, so no read-modify-write is needed.
//
//go:nosplit
func (d dist) writeBit(reg uint64, id uint32) {
	d.bus.Write32(d.base+reg+uint64(id/32)*4, 1<<(id%32))
}

// writeWords fills the one-bit-per-INTID array at reg for [from, to).
func (d dist) writeWords(reg uint64, from, to int, v uint32) {
	for i := from; i < to; i += 32 {
		d.bus.Write32(d.base+reg+uint64(i/32)*4, v)
	}
}

// writePriorities sets the byte-per-INTID priority array for [from, to).
func (d dist) writePriorities(from, to int, prio uint8) {
	v := uint32(prio) * 0x01010101
	for i := from; i < to; i += 4 {
		d.bus.Write32(d.base+GICD_IPRIORITYR+uint64(i), v)
	}
}

// writeByte replaces one byte of a byte-per-INTID array.
func (d dist) writeByte(reg uint64, id uint32, b uint8) {
	addr := d.base + reg + uint64(id&^3)
	shift := (id % 4) * 8
	v := d.bus.Read32(addr)
	v &^= 0xff << shift
	v |= uint32(b) << shift
	d.bus.Write32(addr, v)
}

// setType rewrites the two-bit ICFGR field of id. Only bit 1 (edge) is
// architecturally writable.
func (d dist) setType(id uint32, t IRQType) {
	addr := d.base + GICD_ICFGR + uint64(id/16)*4
	bit := uint32(2) << ((id % 16) * 2)
	v := d.bus.Read32(addr)
	if t == Edge {
		v |= bit
	} else {
		v &^= bit
	}
	d.bus.Write32(addr, v)
}

// nrIRQs decodes GICD_TYPER.ITLinesNumber.
func (d dist) nrIRQs() int {
	n := (int(d.bus.Read32(d.base+GICD_TYPER)&GICD_TYPER_LINES) + 1) * 32
	return min(n, constants.MaxSPILines)
}

// waitRWP spins until pending register writes have taken effect.
func (d dist) waitRWP(ctlr uint64, rwp uint32) bool {
	for i := 0; i < rwpSpins; i++ {
		if d.bus.Read32(d.base+ctlr)&rwp == 0 {
			return true
		}
	}
	return false
}
