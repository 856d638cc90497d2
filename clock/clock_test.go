package clock

import (
	"testing"
	"time"

	"github.com/cloudius-systems/osv-sub002/control"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/gic"
	"github.com/cloudius-systems/osv-sub002/irq"
	"github.com/cloudius-systems/osv-sub002/machine"
	"github.com/cloudius-systems/osv-sub002/platform"
)

type rig struct {
	m   *machine.Machine
	ctl gic.Controller
	tab *irq.Table
	clk *Generic
}

func newRig(t *testing.T, d *platform.Description) *rig {
	t.Helper()
	m, err := machine.New(d, control.New(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	ctl, err := gic.Probe(m)
	if err != nil {
		t.Fatal(err)
	}
	ctl.InitOnPrimaryCPU()
	for smp := 1; smp < m.CPUs(); smp++ {
		ctl.InitOnSecondaryCPU(smp)
	}
	tab := irq.New(ctl)
	clk := NewGeneric(m, uint32(d.TimerPPI), tab, m.CPUs())
	for c := 0; c < m.CPUs(); c++ {
		clk.SetupOnCPU(c)
	}
	return &rig{m: m, ctl: ctl, tab: tab, clk: clk}
}

// take services everything pending on cpu the way trap entry would.
func (r *rig) take(cpu int) {
	for {
		iar := r.ctl.AckIRQ(cpu)
		if gic.Special(iar) {
			return
		}
		r.tab.InvokeInterrupt(cpu, iar)
		r.ctl.EndIRQ(cpu, iar)
	}
}

func (r *rig) waitPending(t *testing.T, cpu int, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !r.m.IRQPending(cpu) {
		if time.Now().After(deadline) {
			t.Fatalf("no interrupt on core %d within %v", cpu, within)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func TestExpiryReachesCallbackOnArmingCore(t *testing.T) {
	for name, d := range map[string]*platform.Description{"v2": platform.DefaultV2(), "v3": platform.Default()} {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, d)
			var got []int
			r.clk.SetCallback(func(cpu int) { got = append(got, cpu) })

			r.clk.Set(2, time.Millisecond)
			r.waitPending(t, 2, time.Second)
			r.take(2)
			if len(got) != 1 || got[0] != 2 {
				t.Fatalf("callback cores = %v", got)
			}
			if r.clk.Fired(2) != 1 || r.clk.Fired(0) != 0 {
				t.Fatal("expiry counted on the wrong core")
			}
		})
	}
}

func TestZeroDelayFiresAtOnce(t *testing.T) {
	r := newRig(t, platform.Default())
	n := 0
	r.clk.SetCallback(func(int) { n++ })
	r.clk.Set(0, 0)
	if !r.m.IRQPending(0) {
		t.Fatal("zero delay left nothing pending")
	}
	r.take(0)
	if n != 1 {
		t.Fatalf("callback ran %d times", n)
	}
}

func TestCancelSuppressesExpiry(t *testing.T) {
	r := newRig(t, platform.Default())
	r.clk.Set(1, 5*time.Millisecond)
	r.clk.Cancel(1)
	time.Sleep(30 * time.Millisecond)
	if r.m.IRQPending(1) {
		t.Fatal("cancelled deadline fired")
	}
}

func TestRearmReplacesDeadline(t *testing.T) {
	r := newRig(t, platform.Default())
	n := 0
	r.clk.SetCallback(func(int) { n++ })
	r.clk.Set(3, time.Hour)
	r.clk.Set(3, time.Millisecond)
	r.waitPending(t, 3, time.Second)
	r.take(3)
	if n != 1 {
		t.Fatalf("callback ran %d times", n)
	}
}

func TestSetBeforeSetupAborts(t *testing.T) {
	m, err := machine.New(platform.Default(), control.New(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()
	ctl, _ := gic.Probe(m)
	ctl.InitOnPrimaryCPU()
	clk := NewGeneric(m, uint32(m.Description().TimerPPI), irq.New(ctl), m.CPUs())
	defer func() {
		if _, ok := debug.IsAbort(recover()); !ok {
			t.Fatal("expected abort")
		}
	}()
	clk.Set(0, time.Millisecond)
}
