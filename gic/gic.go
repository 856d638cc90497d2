// ════════════════════════════════════════════════════════════════════════════════════════════════
// Interrupt Controller Drivers
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: ARM Generic Interrupt Controller, generations 2 and 3
//
// Description:
//   One capability set, two register protocols. V2 drives a flat memory-mapped distributor and a
//   banked CPU interface, and takes MSIs through a GICv2m frame that turns doorbell writes into
//   SPIs. V3 adds a redistributor per core, moves the CPU interface into system registers and
//   translates MSIs through the ITS, which is programmed via an asynchronous command queue.
//
// Dispatch:
//   Probe selects the variant once at boot. The trap path never calls through the interface:
//   Resolve binds Ack/End to the concrete driver and the entry code keeps the FastPath.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package gic

import (
	"errors"
	"fmt"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/machine"
	"github.com/cloudius-systems/osv-sub002/mmio"
	"github.com/cloudius-systems/osv-sub002/platform"
)

// IRQType is the trigger mode of a line.
type IRQType uint8

const (
	Level IRQType = iota
	Edge
)

func (t IRQType) String() string {
	if t == Edge {
		return "edge"
	}
	return "level"
}

// SGIFilter selects the targets of a software-generated interrupt.
type SGIFilter uint8

const (
	SGIList       SGIFilter = iota // the single core given as smp
	SGIAllButSelf                  // every core except the sender
	SGISelf                        // the sender
)

// Controller is the capability set every GIC generation provides.
//
// SendSGI takes the sending core explicitly: the hardware infers it from
// the executing CPU, which Go code cannot.
type Controller interface {
	InitOnPrimaryCPU()
	InitOnSecondaryCPU(smp int)

	MaskIRQ(id uint32)
	UnmaskIRQ(id uint32)
	SetIRQType(id uint32, t IRQType)

	SendSGI(from int, filter SGIFilter, smp int, vector uint32)
	AckIRQ(smp int) uint32
	EndIRQ(smp int, iar uint32)

	NrIRQs() int

	MSIBase() uint32
	MSICount() int
	AllocateMSIDevMapping(dev uint32) bool
	InitializeMSIVector(vector uint32)
	MapMSIVector(vector, dev uint32, cpu int)
	UnmapMSIVector(vector, dev uint32)
	MSIFormat(vector uint32) (addr uint64, data uint32)
}

// Hardware is what the drivers need from the board: the register bus as
// seen by each core, the ICC system registers, and memory for tables.
type Hardware interface {
	Bus(cpu int) mmio.Bus
	ReadSysReg(cpu int, r machine.SysReg) uint64
	WriteSysReg(cpu int, r machine.SysReg, v uint64)
	Memory() *mmio.Memory
	Description() *platform.Description
}

var (
	ErrNoController = errors.New("gic: no interrupt controller")
	ErrVersion      = errors.New("gic: architecture revision mismatch")
)

// Probe picks the driver for the board's controller. The generation comes
// from the platform description and is cross-checked against GICD_PIDR2.
func Probe(hw Hardware) (Controller, error) {
	desc := hw.Description()
	if desc == nil || desc.GIC.DistBase == 0 {
		return nil, ErrNoController
	}
	bus := hw.Bus(0)
	switch desc.GIC.Version {
	case platform.GICv2:
		if rev := archRev(bus.Read32(desc.GIC.DistBase + gicdPIDR2V2)); rev != 2 {
			return nil, fmt.Errorf("%w: GICD_PIDR2 reports v%d, expected v2", ErrVersion, rev)
		}
		return NewV2(hw), nil
	case platform.GICv3:
		if rev := archRev(bus.Read32(desc.GIC.DistBase + gicdPIDR2)); rev != 3 && rev != 4 {
			return nil, fmt.Errorf("%w: GICD_PIDR2 reports v%d, expected v3", ErrVersion, rev)
		}
		return NewV3(hw), nil
	}
	return nil, fmt.Errorf("%w: version %d", ErrNoController, desc.GIC.Version)
}

func archRev(pidr2 uint32) uint32 { return (pidr2 >> 4) & 0xf }

// ─────────────────────────────────────────────────────────────────────────────
// Hot path
// ─────────────────────────────────────────────────────────────────────────────

// FastPath holds the acknowledge and end-of-interrupt operations bound to
// the concrete driver.
type FastPath struct {
	Ack func(smp int) uint32
	End func(smp int, iar uint32)
}

// Resolve binds the hot-path operations of c once.
func Resolve(c Controller) FastPath {
	switch d := c.(type) {
	case *V2:
		return FastPath{Ack: d.AckIRQ, End: d.EndIRQ}
	case *V3:
		return FastPath{Ack: d.AckIRQ, End: d.EndIRQ}
	}
	return FastPath{Ack: c.AckIRQ, End: c.EndIRQ}
}

// Special reports whether an acknowledged INTID is one of the reserved
// "no interrupt" values.
//
//go:nosplit
//go:inline
func Special(iar uint32) bool {
	id := iar & constants.IARIDMask
	return id >= constants.SpuriousBase && iar < constants.LPIBase
}
