// ════════════════════════════════════════════════════════════════════════════════════════════════
// Interrupt Translation Service
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: GICv3 ITS model
//
// Description:
//   Turns (DeviceID, EventID) doorbell writes on GITS_TRANSLATER into LPIs on the redistributor
//   of the mapped collection. The driver programs the translation tables through a 32-byte
//   command queue whose memory is a ring.Ring attached at the GITS_CBASER address; the engine
//   that retires commands is a ring.PinnedConsumer, so CREADR advances asynchronously the way it
//   does on silicon and the driver has to poll for completion.
//
// Command encoding (little-endian doublewords):
//   DW0[7:0]  command   DW0[63:32] DeviceID
//   DW1[31:0] EventID   DW1[63:32] pINTID (MAPTI)   DW1[4:0] ITT size - 1 (MAPD)
//   DW2[15:0] ICID      DW2[50:16] RDbase (MAPC)    DW2[63] Valid (MAPD, MAPC)
// ════════════════════════════════════════════════════════════════════════════════════════════════

package machine

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/ring"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// ITS register offsets.
const (
	gitsCTLR       = 0x0000
	gitsIIDR       = 0x0004
	gitsTYPER      = 0x0008
	gitsCBASER     = 0x0080
	gitsCWRITER    = 0x0088
	gitsCREADR     = 0x0090
	gitsBASER      = 0x0100
	gitsBASEREnd   = 0x0140
	gitsTRANSLATER = 0x10040

	gitsCTLREnabled   = 1 << 0
	gitsCTLRQuiescent = 1 << 31
	cbaserValid       = 1 << 63
)

// ITS command codes.
const (
	CmdMOVI    = 0x01
	CmdSYNC    = 0x05
	CmdMAPD    = 0x08
	CmdMAPC    = 0x09
	CmdMAPTI   = 0x0a
	CmdINV     = 0x0c
	CmdINVALL  = 0x0d
	CmdDISCARD = 0x0f
)

type itte struct {
	lpi  uint32
	icid uint16
}

type itsDevice struct {
	size   uint32 // events the ITT can hold
	events map[uint32]itte
}

type its struct {
	m *Machine

	mu          sync.Mutex
	enabled     bool
	cbaser      uint64
	cwriter     uint64
	q           *ring.Ring
	qbytes      uint64
	baser       [8]uint64
	devices     map[uint32]*itsDevice
	collections map[uint16]int // ICID → target core

	hot     uint32 // 1 from a CWRITER write until the queue drains
	kick    chan struct{}
	done    chan struct{}
	running bool
	faults  atomic.Uint64
	retired atomic.Uint64 // commands whose effects are visible (CREADR)
}

func newITS(m *Machine) *its {
	return &its{
		m:           m,
		devices:     make(map[uint32]*itsDevice),
		collections: make(map[uint16]int),
		kick:        make(chan struct{}, 1),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Registers
// ─────────────────────────────────────────────────────────────────────────────

func (t *its) Read32(cpu int, off uint64) uint32 {
	switch off {
	case gitsCTLR:
		t.mu.Lock()
		defer t.mu.Unlock()
		var v uint32
		if t.enabled {
			v |= gitsCTLREnabled
		}
		if t.q == nil || t.retired.Load() == t.q.Written() {
			v |= gitsCTLRQuiescent
		}
		return v
	case gitsIIDR:
		return 0x0300043b
	}
	w := t.Read64(cpu, off&^7)
	return uint32(w >> (8 * (off & 4)))
}

func (t *its) Write32(cpu int, off uint64, v uint32) {
	switch off {
	case gitsCTLR:
		t.setEnabled(v&gitsCTLREnabled != 0)
	case gitsTRANSLATER:
		t.translate(0, v)
	default:
		if off&4 == 0 {
			t.Write64(cpu, off, uint64(v))
		}
	}
}

func (t *its) Read64(cpu int, off uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case off == gitsTYPER:
		// Physical LPIs, 8-byte ITT entries, 16 DeviceID and 16 EventID bits,
		// RDbase as processor number.
		return 1 | 7<<4 | 15<<8 | 15<<13
	case off == gitsCBASER:
		return t.cbaser
	case off == gitsCWRITER:
		return t.cwriter
	case off == gitsCREADR:
		if t.q == nil || t.qbytes == 0 {
			return 0
		}
		return (t.retired.Load() * ring.CommandSize) % t.qbytes
	case off >= gitsBASER && off < gitsBASEREnd:
		return t.baser[(off-gitsBASER)/8]
	case off == gitsCTLR:
		var v uint64
		if t.enabled {
			v = gitsCTLREnabled
		}
		return v
	}
	return 0
}

func (t *its) Write64(cpu int, off uint64, v uint64) {
	switch {
	case off == gitsCBASER:
		t.setCBASER(v)
	case off == gitsCWRITER:
		t.mu.Lock()
		t.cwriter = v
		live := t.enabled && t.q != nil
		t.mu.Unlock()
		if live {
			atomic.StoreUint32(&t.hot, 1)
			select {
			case t.kick <- struct{}{}:
			default:
			}
		}
	case off >= gitsBASER && off < gitsBASEREnd:
		t.mu.Lock()
		t.baser[(off-gitsBASER)/8] = v
		t.mu.Unlock()
	case off == gitsCTLR:
		t.setEnabled(v&gitsCTLREnabled != 0)
	}
}

// setCBASER binds the command queue: bits 51:12 address, 7:0 pages - 1.
func (t *its) setCBASER(v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		debug.DropMessage("gits", "CBASER written while enabled")
		return
	}
	t.cbaser = v
	t.q, t.qbytes = nil, 0
	if v&cbaserValid == 0 {
		return
	}
	pa := v & propAddrMask
	q, ok := t.m.mem.Attached(pa).(*ring.Ring)
	if !ok {
		debug.DropMessage("gits", "no command queue at "+utils.Hex64(pa))
		return
	}
	qbytes := ((v & 0xff) + 1) << 12
	if uint64(q.Cap())*ring.CommandSize != qbytes {
		debug.DropMessage("gits", "command queue size mismatch")
		return
	}
	t.q, t.qbytes = q, qbytes
}

func (t *its) setEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
	if !on || t.running || t.q == nil {
		return
	}
	t.running = true
	t.done = make(chan struct{})
	core := -1
	if t.m.desc.PinHostThreads {
		core = t.m.desc.ITSHostCore
	}
	stop, _ := t.m.flags.Pointers()
	ring.PinnedConsumer(core, t.q, stop, &t.hot, t.kick, t.execute, t.done)
}

func (t *its) stop() {
	t.mu.Lock()
	running, done := t.running, t.done
	t.mu.Unlock()
	if running {
		select {
		case t.kick <- struct{}{}:
		default:
		}
		<-done
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Command engine
// ─────────────────────────────────────────────────────────────────────────────

func (t *its) fail(what string, dev uint32) {
	t.faults.Add(1)
	debug.DropMessage("gits", what+" (device "+utils.Utoa(uint64(dev))+")")
}

// execute retires one command. Runs on the engine goroutine only.
func (t *its) execute(cmd *[ring.CommandSize]byte) {
	defer t.retired.Add(1)
	if t.q.Consumed() == t.q.Written() {
		atomic.StoreUint32(&t.hot, 0)
	}
	dw0 := binary.LittleEndian.Uint64(cmd[0:])
	dw1 := binary.LittleEndian.Uint64(cmd[8:])
	dw2 := binary.LittleEndian.Uint64(cmd[16:])
	code := uint8(dw0)
	devID := uint32(dw0 >> 32)
	event := uint32(dw1)

	switch code {
	case CmdMAPD:
		t.mu.Lock()
		if dw2&(1<<63) == 0 {
			delete(t.devices, devID)
		} else {
			size := uint32(1) << ((dw1 & 0x1f) + 1)
			t.devices[devID] = &itsDevice{size: size, events: make(map[uint32]itte)}
		}
		t.mu.Unlock()
	case CmdMAPC:
		icid := uint16(dw2)
		t.mu.Lock()
		if dw2&(1<<63) == 0 {
			delete(t.collections, icid)
		} else {
			t.collections[icid] = int((dw2 >> 16) & 0x7ffffffff)
		}
		t.mu.Unlock()
	case CmdMAPTI:
		lpi := uint32(dw1 >> 32)
		icid := uint16(dw2)
		t.mu.Lock()
		d := t.devices[devID]
		switch {
		case d == nil:
			t.fail("MAPTI on unmapped device", devID)
		case event >= d.size:
			t.fail("MAPTI event outside ITT", devID)
		case lpi < constants.LPIBase:
			t.fail("MAPTI pINTID below the LPI range", devID)
		default:
			d.events[event] = itte{lpi: lpi, icid: icid}
		}
		t.mu.Unlock()
	case CmdMOVI:
		icid := uint16(dw2)
		t.mu.Lock()
		d := t.devices[devID]
		var e itte
		var ok bool
		if d != nil {
			e, ok = d.events[event]
		}
		if !ok {
			t.mu.Unlock()
			t.fail("MOVI on unmapped event", devID)
			return
		}
		from, fok := t.collections[e.icid]
		to, tok := t.collections[icid]
		e.icid = icid
		d.events[event] = e
		t.mu.Unlock()
		if fok && tok && from != to {
			t.m.gic.moveLPI(from, to, e.lpi)
		}
	case CmdDISCARD:
		t.mu.Lock()
		var e itte
		var ok bool
		if d := t.devices[devID]; d != nil {
			e, ok = d.events[event]
			delete(d.events, event)
		}
		t.mu.Unlock()
		if ok {
			t.m.gic.discardLPI(e.lpi)
		}
	case CmdINV:
		t.mu.Lock()
		var e itte
		var ok bool
		if d := t.devices[devID]; d != nil {
			e, ok = d.events[event]
		}
		target := t.collections[e.icid]
		t.mu.Unlock()
		if !ok {
			t.fail("INV on unmapped event", devID)
			return
		}
		if prop, ok := t.m.redist.property(target, e.lpi); ok {
			t.m.gic.configureLPI(e.lpi, prop)
		}
	case CmdINVALL:
		t.mu.Lock()
		target, ok := t.collections[uint16(dw2)]
		t.mu.Unlock()
		if ok {
			t.m.redist.loadProperties(target)
		}
	case CmdSYNC:
		// Effects of earlier commands are already visible.
	default:
		t.fail("unknown command "+utils.Hex32(uint32(code)), devID)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Translation
// ─────────────────────────────────────────────────────────────────────────────

// WriteMSI is the GITS_TRANSLATER doorbell; requester is the DeviceID.
func (t *its) WriteMSI(requester uint32, off uint64, data uint32) {
	if off != gitsTRANSLATER {
		debug.DropMessage("gits", "MSI write outside TRANSLATER")
		return
	}
	t.translate(requester, data)
}

func (t *its) translate(devID, event uint32) {
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return
	}
	var e itte
	var ok bool
	if d := t.devices[devID]; d != nil {
		e, ok = d.events[event]
	}
	target, cok := t.collections[e.icid]
	t.mu.Unlock()
	if !ok || !cok {
		debug.DropMessage("gits", "untranslated event "+utils.Utoa(uint64(event))+" from device "+utils.Utoa(uint64(devID)))
		return
	}
	t.m.gic.raiseLPI(target, e.lpi)
}

// ITSFaults counts commands the ITS rejected.
func (m *Machine) ITSFaults() uint64 {
	if m.its == nil {
		return 0
	}
	return m.its.faults.Load()
}
