// pci.go - MSI-X capable PCI functions
//
// A function owns an MSI-X table of (address, data, mask) entries and a
// pending-bit array. Firing an entry performs the programmed write on the
// address space with the function's requester id, which is what the ITS
// uses as DeviceID. Masked or disabled entries latch their pending bit and
// deliver on unmask.

package machine

import (
	"sync"

	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/utils"
)

type msixEntry struct {
	addr    uint64
	data    uint32
	masked  bool
	pending bool
}

// PCIFunction is one simulated device function.
type PCIFunction struct {
	m    *Machine
	name string
	rid  uint32

	mu      sync.Mutex
	enabled bool
	masked  bool // function-wide mask
	entries []msixEntry
	fired   uint64
}

// NewPCIFunction plugs a function with n MSI-X entries, all masked.
func (m *Machine) NewPCIFunction(name string, n int) *PCIFunction {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &PCIFunction{m: m, name: name, rid: m.nextRID, entries: make([]msixEntry, n)}
	for i := range f.entries {
		f.entries[i].masked = true
	}
	m.nextRID += 8 // one device per slot, function 0
	m.funcs = append(m.funcs, f)
	return f
}

// Functions returns every plugged function.
func (m *Machine) Functions() []*PCIFunction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*PCIFunction(nil), m.funcs...)
}

// Name is the function's label.
func (f *PCIFunction) Name() string { return f.name }

// RequesterID is the bus/device/function number the function writes with.
func (f *PCIFunction) RequesterID() uint32 { return f.rid }

// Entries is the MSI-X table size.
func (f *PCIFunction) Entries() int { return len(f.entries) }

// Fired counts messages actually delivered.
func (f *PCIFunction) Fired() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

// EnableMSIX sets the MSI-X Enable bit of the capability.
func (f *PCIFunction) EnableMSIX(on bool) {
	f.mu.Lock()
	f.enabled = on
	f.mu.Unlock()
	if on {
		f.flush()
	}
}

// SetFunctionMask sets the capability's Function Mask bit.
func (f *PCIFunction) SetFunctionMask(on bool) {
	f.mu.Lock()
	f.masked = on
	f.mu.Unlock()
	if !on {
		f.flush()
	}
}

// WriteEntry programs entry i's message address and data.
func (f *PCIFunction) WriteEntry(i int, addr uint64, data uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.entries) {
		return false
	}
	f.entries[i].addr, f.entries[i].data = addr, data
	return true
}

// Entry returns entry i's programmed message.
func (f *PCIFunction) Entry(i int) (addr uint64, data uint32, masked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[i]
	return e.addr, e.data, e.masked
}

// MaskEntry sets or clears entry i's vector-control mask bit. Unmasking a
// pending entry delivers it.
func (f *PCIFunction) MaskEntry(i int, masked bool) {
	f.mu.Lock()
	if i < 0 || i >= len(f.entries) {
		f.mu.Unlock()
		return
	}
	f.entries[i].masked = masked
	f.mu.Unlock()
	if !masked {
		f.flush()
	}
}

// Pending reports entry i's pending bit.
func (f *PCIFunction) Pending(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[i].pending
}

// Fire signals entry i.
func (f *PCIFunction) Fire(i int) {
	f.mu.Lock()
	if i < 0 || i >= len(f.entries) {
		f.mu.Unlock()
		debug.DropMessage("pci "+f.name, "fire on missing entry "+utils.Itoa(i))
		return
	}
	e := &f.entries[i]
	if !f.enabled || f.masked || e.masked {
		e.pending = true
		f.mu.Unlock()
		return
	}
	addr, data := e.addr, e.data
	f.fired++
	f.mu.Unlock()
	f.m.space.WriteMSI(f.rid, addr, data)
}

// flush delivers every pending entry that is now unmasked.
func (f *PCIFunction) flush() {
	type msg struct {
		addr uint64
		data uint32
	}
	var out []msg
	f.mu.Lock()
	if f.enabled && !f.masked {
		for i := range f.entries {
			e := &f.entries[i]
			if e.pending && !e.masked {
				e.pending = false
				f.fired++
				out = append(out, msg{e.addr, e.data})
			}
		}
	}
	f.mu.Unlock()
	for _, w := range out {
		f.m.space.WriteMSI(f.rid, w.addr, w.data)
	}
}
