// ════════════════════════════════════════════════════════════════════════════════════════════════
// GICv2
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Memory-mapped distributor and CPU interface. SPIs are routed by ITARGETSR byte masks, so at
// most eight cores. MSIs arrive through the GICv2m frame: a device writes the SPI number to
// MSI_SETSPI_NS and the frame pends that SPI, so an MSI vector is simply an SPI number.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package gic

import (
	"sync"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/mmio"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// CPU interface.
const (
	GICC_CTLR  = 0x0000
	GICC_PMR   = 0x0004
	GICC_BPR   = 0x0008
	GICC_IAR   = 0x000c
	GICC_EOIR  = 0x0010
	GICC_RPR   = 0x0014
	GICC_HPPIR = 0x0018
	GICC_DIR   = 0x1000

	GICC_CTLR_ENABLE = 1 << 0

	// Everything up to and including priority 0xf0 is unmasked.
	v2PriorityMask = 0xf0
)

// GICD_SGIR fields.
const (
	sgirTargetListShift = 16
	sgirFilterShift     = 24
)

// GICv2m frame.
const (
	V2M_MSI_TYPER     = 0x0008
	V2M_MSI_SETSPI_NS = 0x0040
)

// V2 drives a GICv2 with an optional GICv2m MSI frame.
type V2 struct {
	hw    Hardware
	buses []mmio.Bus
	dbase uint64
	cbase uint64
	nr    int
	timer uint32

	mu      sync.Mutex // ITARGETSR and SGIR sequences
	targets [8]uint8   // ITARGETSR mask of each core

	v2m      uint64
	msiBase  uint32
	msiCount int
}

// NewV2 binds the driver to the windows in the platform description.
// Nothing is written until InitOnPrimaryCPU.
func NewV2(hw Hardware) *V2 {
	desc := hw.Description()
	v := &V2{
		hw:    hw,
		buses: make([]mmio.Bus, desc.CPUs),
		dbase: desc.GIC.DistBase,
		cbase: desc.GIC.CPUIfBase,
		v2m:   desc.GIC.V2MBase,
		timer: uint32(desc.TimerPPI),
	}
	for c := range v.buses {
		v.buses[c] = hw.Bus(c)
	}
	return v
}

func (v *V2) bus(smp int) mmio.Bus { return v.buses[smp] }

func (v *V2) dist(smp int) dist { return dist{bus: v.buses[smp], base: v.dbase} }

// InitOnPrimaryCPU brings up the boot core's interface, then the
// distributor (which needs the boot core's target mask), then the MSI frame.
func (v *V2) InitOnPrimaryCPU() {
	v.initCPU(0)
	v.initDist()
	if v.v2m != 0 {
		typer := v.bus(0).Read32(v.v2m + V2M_MSI_TYPER)
		v.msiBase = typer >> 16 & 0x3ff
		v.msiCount = int(typer & 0x3ff)
		if int(v.msiBase)+v.msiCount > v.nr {
			debug.Fatal("gicv2m", "MSI frame outside the distributor's lines")
		}
		v.msiCount = min(v.msiCount, constants.MaxMSIVectors)
	}
}

// InitOnSecondaryCPU sets up a secondary core's banked state and enables
// its timer PPI.
func (v *V2) InitOnSecondaryCPU(smp int) {
	v.initCPU(smp)
	v.dist(smp).writeBit(GICD_ISENABLER, v.timer)
}

func (v *V2) initDist() {
	d := v.dist(0)
	bus := v.bus(0)
	bus.Write32(v.dbase+GICD_CTLR, 0)

	v.nr = d.nrIRQs()

	// Every SPI goes to the boot core, level-sensitive, default priority.
	mask := uint32(v.targets[0]) * 0x01010101
	for i := constants.SPIBase; i < v.nr; i += 4 {
		bus.Write32(v.dbase+GICD_ITARGETSR+uint64(i), mask)
	}
	for i := constants.SPIBase; i < v.nr; i += 16 {
		bus.Write32(v.dbase+GICD_ICFGR+uint64(i/4), 0)
	}
	d.writePriorities(constants.SPIBase, v.nr, defaultPriority)
	d.writeWords(GICD_ICACTIVER, constants.SPIBase, v.nr, 0xffffffff)
	d.writeWords(GICD_ICENABLER, constants.SPIBase, v.nr, 0xffffffff)

	bus.Write32(v.dbase+GICD_CTLR, GICD_CTLR_ENABLE)
}

func (v *V2) initCPU(smp int) {
	if smp >= len(v.targets) {
		debug.Fatal("gicv2", "core "+utils.Itoa(smp)+" beyond ITARGETSR range")
	}
	bus := v.bus(smp)
	d := v.dist(smp)

	// The banked ITARGETSR words of the private lines read back this
	// core's own mask.
	var mask uint32
	for i := 0; i < constants.SPIBase; i += 4 {
		mask |= bus.Read32(v.dbase + GICD_ITARGETSR + uint64(i))
	}
	mask |= mask >> 16
	mask |= mask >> 8
	if mask&0xff == 0 {
		debug.Fatal("gicv2", "core "+utils.Itoa(smp)+" has no ITARGETSR mask")
	}
	v.mu.Lock()
	v.targets[smp] = uint8(mask)
	v.mu.Unlock()

	bus.Write32(v.cbase+GICC_PMR, v2PriorityMask)

	// PPIs off, SGIs on.
	bus.Write32(v.dbase+GICD_ICENABLER, 0xffff0000)
	bus.Write32(v.dbase+GICD_ISENABLER, 0x0000ffff)
	d.writePriorities(0, constants.SPIBase, defaultPriority)

	bus.Write32(v.cbase+GICC_CTLR, bus.Read32(v.cbase+GICC_CTLR)|GICC_CTLR_ENABLE)
}

// MaskIRQ disables id. Banked lines are disabled on the boot core.
func (v *V2) MaskIRQ(id uint32) { v.dist(0).writeBit(GICD_ICENABLER, id) }

// UnmaskIRQ enables id. Banked lines are enabled on the boot core.
func (v *V2) UnmaskIRQ(id uint32) { v.dist(0).writeBit(GICD_ISENABLER, id) }

// SetIRQType is a no-op for SGIs.
func (v *V2) SetIRQType(id uint32, t IRQType) {
	if id < constants.PPIBase {
		return
	}
	v.dist(0).setType(id, t)
}

// SendSGI writes GICD_SGIR on behalf of core from.
func (v *V2) SendSGI(from int, filter SGIFilter, smp int, vector uint32) {
	if vector > constants.SGIMax {
		debug.Fatal("gicv2", "SGI vector "+utils.Utoa(uint64(vector))+" out of range")
	}
	sgir := vector
	switch filter {
	case SGIList:
		v.mu.Lock()
		sgir |= uint32(v.targets[smp]) << sgirTargetListShift
		v.mu.Unlock()
	case SGIAllButSelf:
		sgir |= 1 << sgirFilterShift
	case SGISelf:
		sgir |= 2 << sgirFilterShift
	}
	v.bus(from).Write32(v.dbase+GICD_SGIR, sgir)
}

// AckIRQ reads GICC_IAR. SGIs carry the source core in bits 12:10.
//
//go:nosplit
func (v *V2) AckIRQ(smp int) uint32 { return v.buses[smp].Read32(v.cbase + GICC_IAR) }

// EndIRQ writes the unmodified acknowledge value back to GICC_EOIR.
//
//go:nosplit
func (v *V2) EndIRQ(smp int, iar uint32) { v.buses[smp].Write32(v.cbase+GICC_EOIR, iar) }

// NrIRQs is the number of lines the distributor implements.
func (v *V2) NrIRQs() int { return v.nr }

// ───────────────────────────── GICv2m MSIs ─────────────────────────────

func (v *V2) MSIBase() uint32 { return v.msiBase }
func (v *V2) MSICount() int   { return v.msiCount }

// AllocateMSIDevMapping is trivially satisfied: the frame does not
// distinguish requesters.
func (v *V2) AllocateMSIDevMapping(uint32) bool { return v.msiCount > 0 }

// InitializeMSIVector makes the backing SPI edge-triggered and enables it.
func (v *V2) InitializeMSIVector(vector uint32) {
	if !v.inFrame(vector) {
		debug.Fatal("gicv2m", "vector "+utils.Utoa(uint64(vector))+" outside the MSI frame")
	}
	v.SetIRQType(vector, Edge)
	v.UnmaskIRQ(vector)
}

// MapMSIVector retargets the SPI at cpu.
func (v *V2) MapMSIVector(vector, _ uint32, cpu int) {
	if !v.inFrame(vector) {
		debug.Fatal("gicv2m", "vector "+utils.Utoa(uint64(vector))+" outside the MSI frame")
	}
	v.mu.Lock()
	mask := v.targets[cpu]
	v.mu.Unlock()
	v.dist(0).writeByte(GICD_ITARGETSR, vector, mask)
}

// UnmapMSIVector disables the SPI.
func (v *V2) UnmapMSIVector(vector, _ uint32) {
	if v.inFrame(vector) {
		v.MaskIRQ(vector)
	}
}

// MSIFormat is the frame's doorbell and the SPI number.
func (v *V2) MSIFormat(vector uint32) (uint64, uint32) {
	return v.v2m + V2M_MSI_SETSPI_NS, vector
}

func (v *V2) inFrame(vector uint32) bool {
	return vector >= v.msiBase && vector < v.msiBase+uint32(v.msiCount)
}
