// ════════════════════════════════════════════════════════════════════════════════════════════════
// GICv3
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Distributor with affinity routing, one redistributor per core for SGIs, PPIs and LPIs, and
// the CPU interface in ICC_* system registers. MSIs are LPIs translated by the ITS (its.go).
//
// Notes:
//   - Each core's redistributor is found by walking GICR_TYPER frames for its MPIDR affinity.
//   - EOImode is split: EOIR1 drops priority, DIR deactivates. EndIRQ issues both.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package gic

import (
	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/machine"
	"github.com/cloudius-systems/osv-sub002/mmio"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// Redistributor RD_base and SGI_base frames.
const (
	GICR_CTLR      = 0x0000
	GICR_TYPER     = 0x0008
	GICR_WAKER     = 0x0014
	GICR_PROPBASER = 0x0070
	GICR_PENDBASER = 0x0078
	GICR_SGI_BASE  = 0x10000
	GICR_STRIDE    = 0x20000

	GICR_CTLR_ENABLE_LPIS = 1 << 0
	GICR_CTLR_RWP         = 1 << 3

	GICR_WAKER_PROCESSOR_SLEEP = 1 << 1
	GICR_WAKER_CHILDREN_ASLEEP = 1 << 2

	GICR_TYPER_PLPIS = 1 << 0
	GICR_TYPER_LAST  = 1 << 4

	ICC_SRE_ENABLE = 0x7 // SRE | DFB | DIB

	// Priority mask that lets every implemented priority through.
	v3PriorityMask = 0xff

	wakerSpins = 1 << 20
)

// V3 drives a GICv3 and, when present, its ITS.
type V3 struct {
	hw    Hardware
	buses []mmio.Bus
	dbase uint64
	rbase uint64
	nr    int
	timer uint32

	affinity []uint64 // MPIDR_EL1 of each core
	rd       []uint64 // redistributor frame of each core

	its *its
}

// NewV3 binds the driver to the windows in the platform description.
func NewV3(hw Hardware) *V3 {
	desc := hw.Description()
	v := &V3{
		hw:       hw,
		buses:    make([]mmio.Bus, desc.CPUs),
		dbase:    desc.GIC.DistBase,
		rbase:    desc.GIC.RedistBase,
		timer:    uint32(desc.TimerPPI),
		affinity: make([]uint64, desc.CPUs),
		rd:       make([]uint64, desc.CPUs),
	}
	for c := range v.buses {
		v.buses[c] = hw.Bus(c)
		v.affinity[c] = hw.ReadSysReg(c, machine.MPIDR_EL1) & 0xffffff
	}
	if desc.GIC.ITSBase != 0 {
		v.its = newITS(v, desc.GIC.ITSBase)
	}
	return v
}

func (v *V3) dist() dist { return dist{bus: v.buses[0], base: v.dbase} }

func (v *V3) sgiFrame(smp int) dist {
	return dist{bus: v.buses[smp], base: v.rd[smp] + GICR_SGI_BASE}
}

// InitOnPrimaryCPU locates the redistributors, programs the distributor
// and the boot core's redistributor, and brings up the ITS.
func (v *V3) InitOnPrimaryCPU() {
	v.discover()
	v.initDist()
	v.initRedist(0)
	if v.its != nil {
		v.its.init()
		v.its.initCPU(0)
	}
}

// InitOnSecondaryCPU wakes core smp's redistributor, enables its timer PPI
// and maps its ITS collection.
func (v *V3) InitOnSecondaryCPU(smp int) {
	v.initRedist(smp)
	v.sgiFrame(smp).writeBit(GICD_ISENABLER, v.timer)
	if v.its != nil {
		v.its.initCPU(smp)
	}
}

// discover walks the redistributor frames until GICR_TYPER.Last.
func (v *V3) discover() {
	bus := v.buses[0]
	found := 0
	for frame := v.rbase; ; frame += GICR_STRIDE {
		typer := bus.Read64(frame + GICR_TYPER)
		aff := typer >> 32
		for c, a := range v.affinity {
			if a == aff {
				v.rd[c] = frame
				found++
			}
		}
		if typer&GICR_TYPER_LAST != 0 {
			break
		}
	}
	if found != len(v.affinity) {
		debug.Fatal("gicv3", "redistributors found for "+utils.Itoa(found)+" of "+utils.Itoa(len(v.affinity))+" cores")
	}
}

func (v *V3) initDist() {
	d := v.dist()
	bus := d.bus
	bus.Write32(v.dbase+GICD_CTLR, 0)
	if !d.waitRWP(GICD_CTLR, GICD_CTLR_RWP) {
		debug.Fatal("gicv3", "distributor RWP stuck")
	}

	v.nr = d.nrIRQs()

	d.writeWords(GICD_IGROUPR, constants.SPIBase, v.nr, 0xffffffff)

	route := v.affinity[0]
	for i := constants.SPIBase; i < v.nr; i++ {
		bus.Write64(v.dbase+GICD_IROUTER+uint64(i)*8, route)
	}
	for i := constants.SPIBase; i < v.nr; i += 16 {
		bus.Write32(v.dbase+GICD_ICFGR+uint64(i/4), 0)
	}
	d.writePriorities(constants.SPIBase, v.nr, defaultPriority)
	d.writeWords(GICD_ICACTIVER, constants.SPIBase, v.nr, 0xffffffff)
	d.writeWords(GICD_ICENABLER, constants.SPIBase, v.nr, 0xffffffff)
	d.waitRWP(GICD_CTLR, GICD_CTLR_RWP)

	bus.Write32(v.dbase+GICD_CTLR, GICD_CTLR_ARE_NS|GICD_CTLR_ENABLEG1|GICD_CTLR_ENABLE)
}

func (v *V3) initRedist(smp int) {
	bus := v.buses[smp]
	rd := v.rd[smp]

	waker := bus.Read32(rd + GICR_WAKER)
	bus.Write32(rd+GICR_WAKER, waker&^GICR_WAKER_PROCESSOR_SLEEP)
	awake := false
	for i := 0; i < wakerSpins; i++ {
		if bus.Read32(rd+GICR_WAKER)&GICR_WAKER_CHILDREN_ASLEEP == 0 {
			awake = true
			break
		}
	}
	if !awake {
		debug.Fatal("gicv3", "redistributor of core "+utils.Itoa(smp)+" stays asleep")
	}

	sgi := v.sgiFrame(smp)
	sgi.writePriorities(0, constants.SPIBase, defaultPriority)
	bus.Write32(sgi.base+GICD_ICACTIVER, 0xffffffff)
	bus.Write32(sgi.base+GICD_ICENABLER, 0xffff0000) // PPIs off
	bus.Write32(sgi.base+GICD_IGROUPR, 0xffffffff)
	bus.Write32(sgi.base+GICD_ISENABLER, 0x0000ffff) // SGIs on
	(dist{bus: bus, base: rd}).waitRWP(GICR_CTLR, GICR_CTLR_RWP)

	hw := v.hw
	hw.WriteSysReg(smp, machine.ICC_SRE_EL1, hw.ReadSysReg(smp, machine.ICC_SRE_EL1)|ICC_SRE_ENABLE)
	hw.WriteSysReg(smp, machine.ICC_BPR1_EL1, 0)
	hw.WriteSysReg(smp, machine.ICC_PMR_EL1, v3PriorityMask)
	hw.WriteSysReg(smp, machine.ICC_CTLR_EL1, machine.ICCCtlrEOImode)
	hw.WriteSysReg(smp, machine.ICC_IGRPEN1_EL1, 1)
}

// MaskIRQ disables id: LPIs in the property table, SPIs at the
// distributor, banked lines at the boot core's redistributor.
func (v *V3) MaskIRQ(id uint32) {
	switch {
	case id >= constants.LPIBase:
		if v.its != nil {
			v.its.setEnabled(id, false)
		}
	case id >= constants.SPIBase:
		v.dist().writeBit(GICD_ICENABLER, id)
	default:
		v.sgiFrame(0).writeBit(GICD_ICENABLER, id)
	}
}

// UnmaskIRQ is the inverse of MaskIRQ.
func (v *V3) UnmaskIRQ(id uint32) {
	switch {
	case id >= constants.LPIBase:
		if v.its != nil {
			v.its.setEnabled(id, true)
		}
	case id >= constants.SPIBase:
		v.dist().writeBit(GICD_ISENABLER, id)
	default:
		v.sgiFrame(0).writeBit(GICD_ISENABLER, id)
	}
}

// SetIRQType ignores SGIs and LPIs, which are always edge-triggered.
func (v *V3) SetIRQType(id uint32, t IRQType) {
	switch {
	case id < constants.PPIBase, id >= constants.LPIBase:
	case id < constants.SPIBase:
		v.sgiFrame(0).setType(id, t)
	default:
		v.dist().setType(id, t)
	}
}

// SendSGI writes ICC_SGI1R_EL1 on core from.
func (v *V3) SendSGI(from int, filter SGIFilter, smp int, vector uint32) {
	if vector > constants.SGIMax {
		debug.Fatal("gicv3", "SGI vector "+utils.Utoa(uint64(vector))+" out of range")
	}
	val := uint64(vector) << machine.SGI1RINTIDShift
	switch filter {
	case SGIAllButSelf:
		val |= machine.SGI1RIRM
	case SGISelf:
		smp = from
		fallthrough
	case SGIList:
		aff := v.affinity[smp]
		val |= (aff>>8&0xff)<<machine.SGI1RAff1Shift | 1<<(aff&0xf)
	}
	v.hw.WriteSysReg(from, machine.ICC_SGI1R_EL1, val)
}

// AckIRQ reads ICC_IAR1_EL1.
//
//go:nosplit
func (v *V3) AckIRQ(smp int) uint32 {
	return uint32(v.hw.ReadSysReg(smp, machine.ICC_IAR1_EL1))
}

// EndIRQ drops the running priority and deactivates.
//
//go:nosplit
func (v *V3) EndIRQ(smp int, iar uint32) {
	v.hw.WriteSysReg(smp, machine.ICC_EOIR1_EL1, uint64(iar))
	v.hw.WriteSysReg(smp, machine.ICC_DIR_EL1, uint64(iar))
}

// NrIRQs is the number of wired lines; LPIs are counted by MSICount.
func (v *V3) NrIRQs() int { return v.nr }

// ───────────────────────────── ITS MSIs ─────────────────────────────

func (v *V3) MSIBase() uint32 {
	if v.its == nil {
		return 0
	}
	return constants.LPIBase
}

func (v *V3) MSICount() int {
	if v.its == nil {
		return 0
	}
	return constants.MaxMSIVectors
}

func (v *V3) AllocateMSIDevMapping(dev uint32) bool {
	if v.its == nil {
		return false
	}
	return v.its.mapDevice(dev)
}

func (v *V3) InitializeMSIVector(vector uint32) {
	v.mustITS().initVector(vector)
}

func (v *V3) MapMSIVector(vector, dev uint32, cpu int) {
	v.mustITS().mapVector(vector, dev, cpu)
}

func (v *V3) UnmapMSIVector(vector, dev uint32) {
	v.mustITS().unmapVector(vector, dev)
}

// MSIFormat is GITS_TRANSLATER and the vector's EventID.
func (v *V3) MSIFormat(vector uint32) (uint64, uint32) {
	t := v.mustITS()
	return t.base + GITS_TRANSLATER, t.event(vector)
}

func (v *V3) mustITS() *its {
	if v.its == nil {
		debug.Fatal("gicv3", "MSI operation without an ITS")
	}
	return v.its
}
