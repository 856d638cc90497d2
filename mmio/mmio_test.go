package mmio

import (
	"testing"

	"github.com/cloudius-systems/osv-sub002/debug"
)

// bank is a per-CPU banked scratch device.
type bank struct {
	regs map[[2]uint64]uint32
	msi  []uint32
}

func newBank() *bank { return &bank{regs: make(map[[2]uint64]uint32)} }

func (b *bank) Read32(cpu int, off uint64) uint32 { return b.regs[[2]uint64{uint64(cpu), off}] }
func (b *bank) Write32(cpu int, off uint64, v uint32) {
	b.regs[[2]uint64{uint64(cpu), off}] = v
}
func (b *bank) WriteMSI(req uint32, off uint64, data uint32) { b.msi = append(b.msi, req, data) }

func TestViewsAreBanked(t *testing.T) {
	s := NewSpace()
	b := newBank()
	if err := s.Map("gicc", 0x1000, 0x100, b); err != nil {
		t.Fatal(err)
	}
	s.View(0).Write32(0x1004, 0xf0)
	s.View(1).Write32(0x1004, 0x80)
	if s.View(0).Read32(0x1004) != 0xf0 || s.View(1).Read32(0x1004) != 0x80 {
		t.Fatal("banked registers leaked across CPUs")
	}
}

func TestSplit64(t *testing.T) {
	s := NewSpace()
	b := newBank()
	s.Map("dev", 0x2000, 0x100, b)
	v := s.View(0)
	v.Write64(0x2010, 0x1122334455667788)
	if v.Read32(0x2010) != 0x55667788 || v.Read32(0x2014) != 0x11223344 {
		t.Fatal("64-bit write not split low word first")
	}
	if v.Read64(0x2010) != 0x1122334455667788 {
		t.Fatal("64-bit read mismatch")
	}
}

func TestOverlapRejected(t *testing.T) {
	s := NewSpace()
	s.Map("a", 0x1000, 0x1000, newBank())
	if err := s.Map("b", 0x1800, 0x100, newBank()); err != ErrOverlap {
		t.Fatalf("want ErrOverlap, got %v", err)
	}
	if err := s.Map("c", 0x2000, 0x100, newBank()); err != nil {
		t.Fatal(err)
	}
}

func TestUnmappedAccessIsFatal(t *testing.T) {
	s := NewSpace()
	defer func() {
		if _, ok := debug.IsAbort(recover()); !ok {
			t.Fatal("unmapped access did not abort")
		}
	}()
	s.View(0).Read32(0xdead0000)
}

func TestMSIWriteCarriesRequester(t *testing.T) {
	s := NewSpace()
	b := newBank()
	s.Map("its", 0x8000, 0x100, b)
	s.WriteMSI(0x42, 0x8040, 7)
	if len(b.msi) != 2 || b.msi[0] != 0x42 || b.msi[1] != 7 {
		t.Fatalf("msi = %v", b.msi)
	}
}

func TestMemoryAlignment(t *testing.T) {
	m := NewMemory(0x40000001)
	pa := m.Alloc(100, 0x1000)
	if pa&0xfff != 0 {
		t.Fatalf("unaligned %#x", pa)
	}
	if len(m.Bytes(pa)) != 100 {
		t.Fatal("wrong block size")
	}
	pb := m.Alloc(8, 0)
	if pb < pa+100 {
		t.Fatal("blocks overlap")
	}
	m.Free(pa)
	if m.Bytes(pa) != nil {
		t.Fatal("freed block still visible")
	}
}
