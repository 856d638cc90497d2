// Package mmio is the register bus between the interrupt-controller
// drivers and the devices behind them. A Space maps physical windows to
// Devices; a View binds the space to the CPU issuing the accesses so banked
// registers resolve per core, the way a real distributor banks SGI/PPI
// state and a GICv2 CPU interface shows every core its own registers.
package mmio

import (
	"errors"
	"sort"
	"sync"

	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// Bus is what a driver programs registers through.
type Bus interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, v uint32)
	Read64(addr uint64) uint64
	Write64(addr uint64, v uint64)
}

// Device is a register window. off is relative to the window base; cpu is
// the accessing core.
type Device interface {
	Read32(cpu int, off uint64) uint32
	Write32(cpu int, off uint64, v uint32)
}

// Device64 is implemented by devices with native doubleword registers.
// Others see 64-bit accesses split into two words, low first.
type Device64 interface {
	Read64(cpu int, off uint64) uint64
	Write64(cpu int, off uint64, v uint64)
}

// MSITarget is implemented by doorbell windows that need the requester id
// of an inbound message write.
type MSITarget interface {
	WriteMSI(requester uint32, off uint64, data uint32)
}

type region struct {
	base, size uint64
	name       string
	dev        Device
}

// Space is a sparse physical address map.
type Space struct {
	mu      sync.RWMutex
	regions []region // sorted by base
}

var ErrOverlap = errors.New("mmio: region overlaps an existing mapping")

// NewSpace returns an empty address map.
func NewSpace() *Space { return &Space{} }

// Map installs dev at [base, base+size).
func (s *Space) Map(name string, base, size uint64, dev Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions {
		if base < r.base+r.size && r.base < base+size {
			return ErrOverlap
		}
	}
	s.regions = append(s.regions, region{base: base, size: size, name: name, dev: dev})
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].base < s.regions[j].base })
	return nil
}

func (s *Space) find(addr uint64) (*region, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].base+s.regions[i].size > addr
	})
	if i < len(s.regions) && s.regions[i].base <= addr {
		r := &s.regions[i]
		return r, addr - r.base
	}
	return nil, 0
}

func (s *Space) miss(op string, addr uint64) {
	debug.Fatal("mmio", op+" to unmapped address "+utils.Hex64(addr))
}

// WriteMSI delivers a message-signaled write from a device function.
func (s *Space) WriteMSI(requester uint32, addr uint64, data uint32) {
	r, off := s.find(addr)
	if r == nil {
		s.miss("msi write", addr)
		return
	}
	if t, ok := r.dev.(MSITarget); ok {
		t.WriteMSI(requester, off, data)
		return
	}
	r.dev.Write32(-1, off, data)
}

// View binds the space to one CPU.
func (s *Space) View(cpu int) Bus { return &view{s: s, cpu: cpu} }

type view struct {
	s   *Space
	cpu int
}

func (v *view) Read32(addr uint64) uint32 {
	r, off := v.s.find(addr)
	if r == nil {
		v.s.miss("read32", addr)
		return 0
	}
	return r.dev.Read32(v.cpu, off)
}

func (v *view) Write32(addr uint64, val uint32) {
	r, off := v.s.find(addr)
	if r == nil {
		v.s.miss("write32", addr)
		return
	}
	r.dev.Write32(v.cpu, off, val)
}

func (v *view) Read64(addr uint64) uint64 {
	r, off := v.s.find(addr)
	if r == nil {
		v.s.miss("read64", addr)
		return 0
	}
	if d, ok := r.dev.(Device64); ok {
		return d.Read64(v.cpu, off)
	}
	return uint64(r.dev.Read32(v.cpu, off)) | uint64(r.dev.Read32(v.cpu, off+4))<<32
}

func (v *view) Write64(addr uint64, val uint64) {
	r, off := v.s.find(addr)
	if r == nil {
		v.s.miss("write64", addr)
		return
	}
	if d, ok := r.dev.(Device64); ok {
		d.Write64(v.cpu, off, val)
		return
	}
	r.dev.Write32(v.cpu, off, uint32(val))
	r.dev.Write32(v.cpu, off+4, uint32(val>>32))
}

// ─────────────────────────────────────────────────────────────────────────────
// Guest memory
// ─────────────────────────────────────────────────────────────────────────────

// Memory is a bump allocator of physically contiguous buffers, used for the
// tables a driver hands to hardware by address (ITS tables, LPI property
// and pending tables).
type Memory struct {
	mu   sync.Mutex
	next uint64
	bufs map[uint64][]byte
	objs map[uint64]any
}

// NewMemory returns an allocator whose first block starts at base.
func NewMemory(base uint64) *Memory {
	return &Memory{next: base, bufs: make(map[uint64][]byte), objs: make(map[uint64]any)}
}

// Attach associates a structured object with the block at pa. Queues whose
// slots are not plain bytes (the ITS command ring) live here so hardware
// that is handed pa can find them.
func (m *Memory) Attach(pa uint64, v any) {
	m.mu.Lock()
	m.objs[pa] = v
	m.mu.Unlock()
}

// Attached returns the object attached at pa, or nil.
func (m *Memory) Attached(pa uint64) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objs[pa]
}

// Alloc returns the physical address of a zeroed block of size bytes,
// aligned to align (a power of two).
func (m *Memory) Alloc(size, align uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if align == 0 {
		align = 8
	}
	pa := (m.next + align - 1) &^ (align - 1)
	m.bufs[pa] = make([]byte, size)
	m.next = pa + size
	return pa
}

// Bytes returns the block allocated at pa, or nil.
func (m *Memory) Bytes(pa uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bufs[pa]
}

// Free releases a block.
func (m *Memory) Free(pa uint64) {
	m.mu.Lock()
	delete(m.bufs, pa)
	delete(m.objs, pa)
	m.mu.Unlock()
}
