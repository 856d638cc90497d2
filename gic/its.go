// its.go - GICv3 Interrupt Translation Service driver
//
// The command queue is a ring.Ring the driver allocates in guest memory
// and hands to the ITS through GITS_CBASER. Commands are pushed, CWRITER is
// published and the driver polls CREADR until the ITS has retired them. A
// full queue is never overwritten: the producer republishes CWRITER and
// spins until a slot frees up.
//
// Vector space: LPIs from LPIBase, one EventID per vector (event = vector -
// LPIBase), one ITT per device sized for every vector, one collection per
// core with ICID = core number.

package gic

import (
	"encoding/binary"
	"math/bits"
	"sync"
	"time"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/machine"
	"github.com/cloudius-systems/osv-sub002/mmio"
	"github.com/cloudius-systems/osv-sub002/ring"
	"github.com/cloudius-systems/osv-sub002/utils"
)

const (
	GITS_CTLR       = 0x0000
	GITS_TYPER      = 0x0008
	GITS_CBASER     = 0x0080
	GITS_CWRITER    = 0x0088
	GITS_CREADR     = 0x0090
	GITS_BASER      = 0x0100
	GITS_TRANSLATER = 0x10040

	GITS_CTLR_ENABLED   = 1 << 0
	GITS_CTLR_QUIESCENT = 1 << 31

	GITS_CBASER_VALID = 1 << 63
	GITS_BASER_VALID  = 1 << 63

	LPI_PROP_ENABLED = 1 << 0

	itsPage      = 0x1000
	pendingAlign = 0x10000

	// Device table: one page of 8-byte entries.
	itsMaxDevices = itsPage / 8
)

type itsDevice struct {
	itt    uint64
	events map[uint32]int // EventID → collection (core)
}

type its struct {
	v    *V3
	base uint64
	bus  mmio.Bus
	mem  *mmio.Memory

	mu      sync.Mutex // command queue and tables
	q       *ring.Ring
	qpa     uint64
	qbytes  uint64
	proppa  uint64
	prop    []byte
	devices map[uint32]*itsDevice
	owner   map[uint32]uint32 // LPI → DeviceID
	ittBits uint64
	ittSize uint64
}

func newITS(v *V3, base uint64) *its {
	return &its{
		v:       v,
		base:    base,
		bus:     v.buses[0],
		mem:     v.hw.Memory(),
		devices: make(map[uint32]*itsDevice),
		owner:   make(map[uint32]uint32),
	}
}

// init allocates the LPI tables and the command queue and enables the ITS.
func (t *its) init() {
	typer := t.bus.Read64(t.base + GITS_TYPER)
	if typer&1 == 0 {
		debug.Fatal("gits", "ITS does not support physical LPIs")
	}
	entry := (typer>>4)&0xf + 1

	// One ITT slot per vector.
	t.ittBits = uint64(bits.Len(constants.MaxMSIVectors - 1))
	t.ittSize = max(entry<<t.ittBits, 256)

	// Property table, shared by every redistributor.
	t.proppa = t.mem.Alloc(itsPage, itsPage)
	t.prop = t.mem.Bytes(t.proppa)
	for i := range t.prop {
		t.prop[i] = lpiPriority
	}
	idBits := uint64(13) // covers LPIBase + MaxMSIVectors
	for i, rd := range t.v.rd {
		bus := t.v.buses[i]
		bus.Write64(rd+GICR_PROPBASER, t.proppa|idBits)
		pend := t.mem.Alloc(pendingAlign, pendingAlign)
		bus.Write64(rd+GICR_PENDBASER, pend)
	}

	// Device table.
	dt := t.mem.Alloc(itsPage, itsPage)
	t.bus.Write64(t.base+GITS_BASER, GITS_BASER_VALID|1<<56|(entry-1)<<48|dt)

	// Command queue, one page.
	t.q = ring.New(constants.ITSCommandSlots)
	t.qbytes = uint64(t.q.Cap()) * ring.CommandSize
	t.qpa = t.mem.Alloc(t.qbytes, itsPage)
	t.mem.Attach(t.qpa, t.q)
	t.bus.Write64(t.base+GITS_CBASER, GITS_CBASER_VALID|t.qpa|(t.qbytes/itsPage-1))
	t.bus.Write64(t.base+GITS_CWRITER, 0)

	t.bus.Write32(t.base+GITS_CTLR, GITS_CTLR_ENABLED)
}

// initCPU enables LPIs on core smp's redistributor and maps its collection.
func (t *its) initCPU(smp int) {
	bus := t.v.buses[smp]
	rd := t.v.rd[smp]
	bus.Write32(rd+GICR_CTLR, bus.Read32(rd+GICR_CTLR)|GICR_CTLR_ENABLE_LPIS)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.issue(cmdMAPC(uint16(smp), smp), cmdSYNC(smp))
}

// event is the EventID of vector.
//
//go:nosplit
func (t *its) event(vector uint32) uint32 { return vector - constants.LPIBase }

func (t *its) checkVector(vector uint32) {
	if vector < constants.LPIBase || vector >= constants.LPIBase+constants.MaxMSIVectors {
		debug.Fatal("gits", "vector "+utils.Utoa(uint64(vector))+" outside the LPI range")
	}
}

// mapDevice issues MAPD for dev unless it already has an ITT.
func (t *its) mapDevice(dev uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[dev]; ok {
		return true
	}
	if len(t.devices) >= itsMaxDevices {
		debug.DropMessage("gits", "device table full, device "+utils.Utoa(uint64(dev))+" not mapped")
		return false
	}
	itt := t.mem.Alloc(t.ittSize, 256)
	t.issue(cmdMAPD(dev, itt, t.ittBits, true))
	t.devices[dev] = &itsDevice{itt: itt, events: make(map[uint32]int)}
	return true
}

// initVector configures the LPI enabled at the default priority. The ITS
// picks the configuration up on the INV issued by mapVector.
func (t *its) initVector(vector uint32) {
	t.checkVector(vector)
	t.mu.Lock()
	t.prop[vector-constants.LPIBase] = lpiPriority | LPI_PROP_ENABLED
	t.mu.Unlock()
}

// mapVector routes vector of dev to cpu. An event already on cpu is left
// alone; one on another core is moved and the old redistributor synced.
func (t *its) mapVector(vector, dev uint32, cpu int) {
	t.checkVector(vector)
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.devices[dev]
	if d == nil {
		debug.Fatal("gits", "vector mapped for unmapped device "+utils.Utoa(uint64(dev)))
	}
	ev := t.event(vector)
	if old, ok := d.events[ev]; ok {
		if old == cpu {
			return
		}
		t.issue(cmdMOVI(dev, ev, uint16(cpu)), cmdINV(dev, ev), cmdSYNC(old))
	} else {
		t.issue(cmdMAPTI(dev, ev, vector, uint16(cpu)), cmdINV(dev, ev), cmdSYNC(cpu))
	}
	d.events[ev] = cpu
	t.owner[vector] = dev
}

func (t *its) unmapVector(vector, dev uint32) {
	t.checkVector(vector)
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.devices[dev]
	if d == nil {
		return
	}
	ev := t.event(vector)
	cpu, ok := d.events[ev]
	if !ok {
		return
	}
	t.prop[vector-constants.LPIBase] &^= LPI_PROP_ENABLED
	t.issue(cmdDISCARD(dev, ev), cmdSYNC(cpu))
	delete(d.events, ev)
	delete(t.owner, vector)
}

// setEnabled flips the LPI's enable bit and makes the ITS reload it.
func (t *its) setEnabled(vector uint32, on bool) {
	t.checkVector(vector)
	t.mu.Lock()
	defer t.mu.Unlock()
	i := vector - constants.LPIBase
	if on {
		t.prop[i] |= LPI_PROP_ENABLED
	} else {
		t.prop[i] &^= LPI_PROP_ENABLED
	}
	dev, ok := t.owner[vector]
	if !ok {
		return
	}
	ev := t.event(vector)
	t.issue(cmdINV(dev, ev), cmdSYNC(t.devices[dev].events[ev]))
}

// ─────────────────────────────────────────────────────────────────────────────
// Command queue
// ─────────────────────────────────────────────────────────────────────────────

// issue queues cmds and waits until the ITS has retired all of them.
// Caller holds t.mu.
func (t *its) issue(cmds ...[ring.CommandSize]byte) {
	for i := range cmds {
		for !t.q.Push(&cmds[i]) {
			t.publish()
			ring.Relax()
		}
	}
	want := t.publish()
	written := t.q.Written()

	// CREADR alone cannot tell a full queue from an empty one.
	deadline := time.Now().Add(constants.ITSCommandTimeout)
	for spins := 0; !t.q.Drained(written) || t.bus.Read64(t.base+GITS_CREADR) != want; spins++ {
		if spins&1023 == 1023 && time.Now().After(deadline) {
			debug.Fatal("gits", "command queue stalled at CREADR "+
				utils.Hex64(t.bus.Read64(t.base+GITS_CREADR))+", CWRITER "+utils.Hex64(want))
		}
		ring.Relax()
	}
}

// publish writes CWRITER for everything pushed so far and returns it.
func (t *its) publish() uint64 {
	off := (t.q.Written() * ring.CommandSize) % t.qbytes
	t.bus.Write64(t.base+GITS_CWRITER, off)
	return off
}

func command(code uint8, dev uint32, dw1, dw2 uint64) (c [ring.CommandSize]byte) {
	binary.LittleEndian.PutUint64(c[0:], uint64(code)|uint64(dev)<<32)
	binary.LittleEndian.PutUint64(c[8:], dw1)
	binary.LittleEndian.PutUint64(c[16:], dw2)
	return c
}

const cmdValid = 1 << 63

func cmdMAPD(dev uint32, itt, bits uint64, valid bool) [ring.CommandSize]byte {
	dw2 := itt & 0x000fffffffffff00
	if valid {
		dw2 |= cmdValid
	}
	return command(machine.CmdMAPD, dev, bits-1, dw2)
}

func cmdMAPC(icid uint16, rd int) [ring.CommandSize]byte {
	return command(machine.CmdMAPC, 0, 0, cmdValid|uint64(rd)<<16|uint64(icid))
}

func cmdMAPTI(dev, event, lpi uint32, icid uint16) [ring.CommandSize]byte {
	return command(machine.CmdMAPTI, dev, uint64(lpi)<<32|uint64(event), uint64(icid))
}

func cmdMOVI(dev, event uint32, icid uint16) [ring.CommandSize]byte {
	return command(machine.CmdMOVI, dev, uint64(event), uint64(icid))
}

func cmdINV(dev, event uint32) [ring.CommandSize]byte {
	return command(machine.CmdINV, dev, uint64(event), 0)
}

func cmdDISCARD(dev, event uint32) [ring.CommandSize]byte {
	return command(machine.CmdDISCARD, dev, uint64(event), 0)
}

func cmdSYNC(rd int) [ring.CommandSize]byte {
	return command(machine.CmdSYNC, 0, 0, uint64(rd)<<16)
}
