package arch

import (
	"io"
	"testing"

	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/gic"
	"github.com/cloudius-systems/osv-sub002/irq"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// script is a controller whose acknowledge register replays a fixed list,
// then reports spurious (or repeats forever when loop is set).
type script struct {
	acks []uint32
	loop bool
	ends []uint32
}

func (s *script) InitOnPrimaryCPU() {}

func (s *script) InitOnSecondaryCPU(int) {}

func (s *script) MaskIRQ(uint32) {}

func (s *script) UnmaskIRQ(uint32) {}

func (s *script) SetIRQType(uint32, gic.IRQType) {}

func (s *script) SendSGI(int, gic.SGIFilter, int, uint32) {}

func (s *script) AckIRQ(int) uint32 {
	if len(s.acks) == 0 {
		return constants.Spurious
	}
	v := s.acks[0]
	if !s.loop {
		s.acks = s.acks[1:]
	}
	return v
}

func (s *script) EndIRQ(_ int, iar uint32) { s.ends = append(s.ends, iar) }

func (s *script) NrIRQs() int { return 288 }

func (s *script) MSIBase() uint32 { return constants.LPIBase }

func (s *script) MSICount() int { return 4 }

func (s *script) AllocateMSIDevMapping(uint32) bool { return true }

func (s *script) InitializeMSIVector(uint32) {}

func (s *script) MapMSIVector(uint32, uint32, int) {}

func (s *script) UnmapMSIVector(uint32, uint32) {}

func (s *script) MSIFormat(uint32) (uint64, uint32) { return 0, 0 }

func quiet(t *testing.T) {
	prev := utils.SetOutput(io.Discard)
	t.Cleanup(func() { utils.SetOutput(prev) })
}

func mustAbort(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := debug.IsAbort(recover()); !ok {
			t.Fatal("expected abort")
		}
	}()
	fn()
}

// ─────────────────────────────────────────────────────────────────────────────

func TestInterruptEndsEveryAcknowledgedID(t *testing.T) {
	quiet(t)
	s := &script{acks: []uint32{42, 50, 1000, constants.LPIBase}}
	tab := irq.New(s)
	tr := New(s, tab, 2)

	var ran []int
	tab.RegisterInterrupt(42, gic.Edge, nil, func(cpu int) { ran = append(ran, cpu) })
	vec := tab.RegisterHandler(func(cpu int) { ran = append(ran, 100+cpu) })
	if vec != constants.LPIBase {
		t.Fatalf("vector = %d", vec)
	}
	var preempted []int
	tr.SetPreempt(func(cpu int) { preempted = append(preempted, cpu) })

	tr.Interrupt(1, &Frame{})

	if len(s.ends) != 4 {
		t.Fatalf("ended %v", s.ends)
	}
	if len(ran) != 2 || ran[0] != 1 || ran[1] != 101 {
		t.Fatalf("handlers ran %v", ran)
	}
	if tab.Unhandled() != 1 {
		t.Fatalf("unhandled = %d", tab.Unhandled())
	}
	if d, sp := tr.Taken(1); d != 3 || sp != 1 {
		t.Fatalf("taken dispatched=%d spurious=%d", d, sp)
	}
	if len(preempted) != 1 || preempted[0] != 1 {
		t.Fatalf("preempt callback %v", preempted)
	}
}

func TestSpuriousEndsLoopWithoutEOI(t *testing.T) {
	s := &script{acks: []uint32{1020, 42}}
	tr := New(s, irq.New(s), 1)
	tr.Interrupt(0, &Frame{})
	if len(s.ends) != 0 {
		t.Fatalf("reserved INTID was ended: %v", s.ends)
	}
}

func TestAckLoopIsBounded(t *testing.T) {
	quiet(t)
	s := &script{acks: []uint32{77}, loop: true}
	tr := New(s, irq.New(s), 1)
	tr.Interrupt(0, &Frame{})
	if len(s.ends) != maxAcks {
		t.Fatalf("ended %d times", len(s.ends))
	}
}

func TestFramesTrackNesting(t *testing.T) {
	s := &script{}
	tab := irq.New(s)
	tr := New(s, tab, 1)
	outer, inner := &Frame{ELR: 1}, &Frame{ELR: 2}

	preempts := 0
	tr.SetPreempt(func(int) { preempts++ })
	tr.Fault(0, outer, func(f *Frame) {
		if tr.CurrentFrame(0) != outer || tr.Depth(0) != 1 {
			t.Fatal("outer frame not current")
		}
		s.acks = []uint32{42}
		tab.RegisterInterrupt(42, gic.Edge, nil, func(int) {
			if tr.CurrentFrame(0) != inner || tr.Depth(0) != 2 {
				t.Fatal("nested frame not current")
			}
		})
		tr.Interrupt(0, inner)
		if tr.CurrentFrame(0) != outer {
			t.Fatal("outer frame lost after nested exit")
		}
	})
	if tr.Depth(0) != 0 || tr.CurrentFrame(0) != nil {
		t.Fatal("frames left after unwinding")
	}
	if preempts != 0 {
		t.Fatal("preempt ran inside a nested exception")
	}
}

func TestNestingOverflowAborts(t *testing.T) {
	quiet(t)
	s := &script{}
	tr := New(s, irq.New(s), 1)
	var recurse func(*Frame)
	recurse = func(*Frame) { tr.Fault(0, &Frame{ELR: 0xdead}, recurse) }
	mustAbort(t, func() { tr.Fault(0, &Frame{}, recurse) })
}

func TestFixupRedirectsFault(t *testing.T) {
	s := &script{}
	tr := New(s, irq.New(s), 1)
	tr.RegisterFixup(0x3000, 0x3100)
	tr.RegisterFixup(0x1000, 0x1100)
	tr.RegisterFixup(0x2000, 0x2100)
	tr.RegisterFixup(0x2000, 0x2200)

	for pc, want := range map[uint64]uint64{0x1000: 0x1100, 0x2000: 0x2200, 0x3000: 0x3100} {
		f := &Frame{ELR: pc}
		if !tr.Fault(0, f, func(*Frame) { t.Fatal("handler ran for a fixed-up PC") }) {
			t.Fatalf("no fixup for %#x", pc)
		}
		if f.ELR != want {
			t.Fatalf("pc %#x resumed at %#x, want %#x", pc, f.ELR, want)
		}
	}

	handled := false
	f := &Frame{ELR: 0x2004}
	if tr.Fault(0, f, func(*Frame) { handled = true }) || !handled || f.ELR != 0x2004 {
		t.Fatal("fault without fixup not handed to the handler")
	}
}

func TestUnhandledFaultAborts(t *testing.T) {
	quiet(t)
	s := &script{}
	tr := New(s, irq.New(s), 1)
	mustAbort(t, func() { tr.Fault(0, &Frame{ELR: 0x40}, nil) })
}
