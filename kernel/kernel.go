// ════════════════════════════════════════════════════════════════════════════════════════════════
// Kernel Context
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: boot sequence and hardware glue
//
// Description:
//   Boot builds one machine and everything that runs on it, in dependency order: board,
//   interrupt controller, dispatch table, trap entry, clock, scheduler, MSI manager. The Kernel
//   is the scheduler's Hardware: it turns wakeup requests into SGIs, comparator requests into
//   clock programming, and pending interrupts into trap entries.
//
// Lifetime:
//   A Kernel is built once and lives until Shutdown. Several may coexist in one process; they
//   share nothing but the RCU domain.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/cloudius-systems/osv-sub002/arch"
	"github.com/cloudius-systems/osv-sub002/clock"
	"github.com/cloudius-systems/osv-sub002/constants"
	"github.com/cloudius-systems/osv-sub002/control"
	"github.com/cloudius-systems/osv-sub002/debug"
	"github.com/cloudius-systems/osv-sub002/gic"
	"github.com/cloudius-systems/osv-sub002/irq"
	"github.com/cloudius-systems/osv-sub002/machine"
	"github.com/cloudius-systems/osv-sub002/msi"
	"github.com/cloudius-systems/osv-sub002/platform"
	"github.com/cloudius-systems/osv-sub002/sched"
	"github.com/cloudius-systems/osv-sub002/utils"
)

// Kernel is one booted system.
type Kernel struct {
	desc  *platform.Description
	flags *control.Flags
	m     *machine.Machine
	ctl   gic.Controller
	table *irq.Table
	trap  *arch.Trap
	clk   *clock.Generic
	s     *sched.Sched
	msi   *msi.Manager

	wakeTok irq.Token
	frames  []arch.Frame
	down    sync.Once
}

var _ sched.Hardware = (*Kernel)(nil)

// Boot brings up desc. flags is the block shared by the machine and the
// idle loops; nil gives the kernel a private one.
func Boot(desc *platform.Description, flags *control.Flags) (*Kernel, error) {
	if desc == nil {
		desc = platform.Default()
	}
	if flags == nil {
		flags = control.New(time.Millisecond)
	}
	m, err := machine.New(desc, flags)
	if err != nil {
		return nil, err
	}
	ctl, err := gic.Probe(m)
	if err != nil {
		m.Shutdown()
		return nil, fmt.Errorf("kernel: %w", err)
	}

	k := &Kernel{desc: desc, flags: flags, m: m, ctl: ctl, frames: make([]arch.Frame, desc.CPUs)}

	ctl.InitOnPrimaryCPU()
	k.table = irq.New(ctl)
	k.trap = arch.New(ctl, k.table, desc.CPUs)
	k.clk = clock.NewGeneric(m, uint32(desc.TimerPPI), k.table, desc.CPUs)

	k.s = sched.New(k, sched.Config{
		CPUs:            desc.CPUs,
		LoadBalance:     desc.LoadBalance,
		BalanceInterval: desc.BalanceInterval(),
		Flags:           flags,
	})
	k.trap.SetPreempt(k.s.Preempt)
	k.clk.SetCallback(k.s.TimerExpired)
	k.wakeTok = k.table.RegisterInterrupt(constants.WakeupSGI, gic.Edge, nil, k.s.WakeupIPI)
	k.msi = msi.NewManager(ctl, k.table)

	k.clk.SetupOnCPU(0)
	for smp := 1; smp < desc.CPUs; smp++ {
		ctl.InitOnSecondaryCPU(smp)
		k.clk.SetupOnCPU(smp)
	}
	k.s.Start()

	debug.DropMessage("kernel", desc.Name+": "+utils.Itoa(desc.CPUs)+" cpus, gicv"+utils.Itoa(desc.GIC.Version)+
		", "+utils.Itoa(k.table.NrIRQs())+" lines, "+utils.Itoa(ctl.MSICount())+" msi vectors")
	return k, nil
}

// Shutdown stops the idle loops, the timers and the ITS. Threads still
// running are abandoned.
func (k *Kernel) Shutdown() {
	k.down.Do(func() {
		k.s.Stop()
		k.table.UnregisterInterrupt(constants.WakeupSGI, k.wakeTok)
		k.m.Shutdown()
	})
}

func (k *Kernel) Description() *platform.Description { return k.desc }
func (k *Kernel) Flags() *control.Flags              { return k.flags }
func (k *Kernel) Machine() *machine.Machine          { return k.m }
func (k *Kernel) Controller() gic.Controller         { return k.ctl }
func (k *Kernel) IRQ() *irq.Table                    { return k.table }
func (k *Kernel) Trap() *arch.Trap                   { return k.trap }
func (k *Kernel) Clock() *clock.Generic              { return k.clk }
func (k *Kernel) Sched() *sched.Sched                { return k.s }
func (k *Kernel) MSI() *msi.Manager                  { return k.msi }

// NewDevice plugs a PCI function with n MSI-X entries.
func (k *Kernel) NewDevice(name string, n int) *machine.PCIFunction {
	return k.m.NewPCIFunction(name, n)
}

// ─────────────────────────────────────────────────────────────────────────────
// sched.Hardware
// ─────────────────────────────────────────────────────────────────────────────

func (k *Kernel) Now() time.Duration { return k.m.Now() }

func (k *Kernel) IRQPending(cpu int) bool { return k.m.IRQPending(cpu) }

func (k *Kernel) IRQLine(cpu int) <-chan struct{} { return k.m.Line(cpu) }

// HandleIRQ takes cpu through the IRQ vector. Only thread context calls
// it, so one frame per core suffices.
func (k *Kernel) HandleIRQ(cpu int) {
	f := &k.frames[cpu]
	f.ELR = irqReturnPC
	k.trap.Interrupt(cpu, f)
}

// irqReturnPC stands in for the interrupted instruction.
const irqReturnPC = 0xffff_0000_0000_1000

//go:nosplit
func (k *Kernel) InterruptDepth(cpu int) int { return k.trap.Depth(cpu) }

// SendWakeup raises the wakeup SGI on to. A wake from outside any CPU is
// sent as if by the target itself.
func (k *Kernel) SendWakeup(from, to int) {
	if from < 0 || from >= k.desc.CPUs {
		from = to
	}
	k.ctl.SendSGI(from, gic.SGIList, to, constants.WakeupSGI)
}

func (k *Kernel) SetTimer(cpu int, d time.Duration) { k.clk.Set(cpu, d) }
