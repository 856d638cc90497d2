// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go - Scheduler, interrupt and platform tunables
//
// Purpose:
//   - Time constants of the fair-share runtime metric.
//   - Fixed capacities of the per-CPU and interrupt tables.
//   - Architectural interrupt numbers shared by the GIC drivers and the
//     simulated machine.
//
// ⚠️ No runtime logic here: all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

import "time"

// ───────────────────────────── Runtime Metric ─────────────────────────────

const (
	// Tau is the decay constant of the exponential runtime accumulation.
	Tau = 200 * time.Millisecond

	// Thyst is the hysteresis credit granted to a thread that was just
	// switched in, so two equal threads do not ping-pong.
	Thyst = 5 * time.Millisecond

	// ContextSwitchPenalty is charged to the thread switched out.
	ContextSwitchPenalty = 10 * time.Microsecond

	// MaxSlice bounds the preemption timer regardless of runtime distance.
	MaxSlice = 10 * time.Millisecond

	// CMax is the renormalization threshold for a CPU's scale factor.
	CMax = 0x1p63

	PriorityDefault  = 1.0
	PriorityInfinity = 1e-5
	PriorityBalancer = 100.0
)

// ───────────────────────────── CPUs & Threads ─────────────────────────────

const (
	// MaxCPUs caps the simulated core count. The incoming-wakeup bitmask
	// reserves one extra bit for wakes issued from outside any CPU.
	MaxCPUs = 32

	// ExternalWaker is the incoming-wakeup slot used by non-CPU wakers.
	ExternalWaker = MaxCPUs

	DefaultStackSize = 64 << 10
	MaxStackSize     = 8 << 20

	// MaxThreadName matches the kernel's 16-byte name buffer.
	MaxThreadName = 15

	// IdlePollSpins is how long the idle thread polls before WFI.
	IdlePollSpins = 256

	LoadBalanceInterval = 100 * time.Millisecond
)

// ─────────────────────────── Interrupt Numbers ────────────────────────────

const (
	// SGIs occupy 0..15, PPIs 16..31, SPIs from 32.
	SGIMax  = 15
	PPIBase = 16
	SPIBase = 32

	// WakeupSGI is the inter-processor wakeup vector.
	WakeupSGI = 1

	// TimerPPI is the virtual generic-timer interrupt.
	TimerPPI = 27

	// SpuriousBase marks INTIDs 1020..1023 reserved for special use.
	SpuriousBase = 1020
	Spurious     = 1023

	// MaxSPILines caps GICD_TYPER reported lines.
	MaxSPILines = 1020

	// LPIBase is the first locality-specific peripheral interrupt.
	LPIBase = 8192

	// IARIDMask strips the CPU-source field from a GICv2 IAR value.
	IARIDMask = 0x3ff
)

// ─────────────────────────── Fixed Capacities ─────────────────────────────

const (
	// MaxMSIVectors bounds the dense MSI handler array.
	MaxMSIVectors = 256

	// ITTEntriesPerDevice bounds events per ITS device mapping.
	ITTEntriesPerDevice = 32

	// ITSCommandSlots is the command queue depth (power of two).
	ITSCommandSlots = 128

	// ITSCommandTimeout aborts a stuck command queue.
	ITSCommandTimeout = 2 * time.Second

	// MaxExceptionNesting is the depth of the per-CPU exception stack.
	MaxExceptionNesting = 4

	// TimerTick is the bucket resolution of per-CPU timer lists.
	TimerTick = 50 * time.Microsecond
)

// ─────────────────────────── Default Platform ─────────────────────────────

const (
	DefaultCPUs       = 4
	DefaultGICDBase   = 0x08000000
	DefaultGICCBase   = 0x08010000
	DefaultV2MBase    = 0x08020000
	DefaultITSBase    = 0x08080000
	DefaultGICRBase   = 0x080a0000
	DefaultNrLines    = 288
	DefaultV2MSPIBase = 80
	DefaultV2MSPIs    = 64
)
