// ════════════════════════════════════════════════════════════════════════════════════════════════
// Thread Runtime Metric
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: exponentially decayed, priority-weighted CPU consumption
//
// Description:
//   The runqueue is ordered by a thread's runtime: an exponential moving average of the CPU it
//   consumed with time constant Tau, multiplied by its priority. Instead of decaying every
//   thread on every tick, the CPU keeps a growing scale c = exp(t/Tau) and stores runtimes
//   pre-multiplied by it (rtt). Accounting d of run time then adds p*c*(exp(d/Tau)-1) to the
//   running thread only and multiplies c by exp(d/Tau).
//
//   When c exceeds CMax every local runtime and c are divided by CMax. Sleeping threads miss
//   that step and catch up in updateAfterSleep using the renormalization count they carry.
//
// Scale:
//   A runtime is local to one CPU. Migration exports it (divides by c) and the destination
//   imports it (multiplies by its own c).
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/cloudius-systems/osv-sub002/constants"
)

// Priority values. A larger value accumulates runtime faster, so CPU share
// is proportional to 1/priority.
const (
	PriorityDefault  = constants.PriorityDefault
	PriorityInfinity = constants.PriorityInfinity
)

// PriorityIdle never accumulates runtime and never wins a comparison.
var PriorityIdle = math.Inf(1)

// cInitial is the scale a CPU starts with and returns to after each
// renormalization.
const cInitial = 1 / constants.CMax

var (
	hysteresisFactor = math.Expm1(float64(constants.Thyst) / float64(constants.Tau))
	penaltyFactor    = math.Expm1(float64(constants.ContextSwitchPenalty) / float64(constants.Tau))
)

type threadRuntime struct {
	prio  atomic.Uint64 // float64 bits, settable from any goroutine
	rtt   float64       // R'' in the local scale of the owning CPU
	count int           // renormalization epoch of rtt, -1 once exported
}

func (r *threadRuntime) init(p float64) {
	r.prio.Store(math.Float64bits(p))
	r.rtt = 0
	r.count = -1
	if math.IsInf(p, 1) {
		r.rtt = p
	}
}

//go:nosplit
//go:inline
func (r *threadRuntime) priority() float64 { return math.Float64frombits(r.prio.Load()) }

func (r *threadRuntime) setPriority(p float64) { r.prio.Store(math.Float64bits(p)) }

// ranFor charges d of run time on c.
func (r *threadRuntime) ranFor(c *CPU, d time.Duration) {
	p := r.priority()
	if math.IsInf(p, 1) {
		return
	}
	if r.rtt == 0 {
		r.count = c.renormalizeCount
	}
	f := math.Exp(float64(d) / float64(constants.Tau))
	r.rtt += p * c.c * (f - 1)
	c.c *= f
	if c.c > constants.CMax {
		c.renormalize(r)
	}
}

// exportRuntime converts rtt to the CPU-independent scale.
func (r *threadRuntime) exportRuntime(c *CPU) {
	if math.IsInf(r.rtt, 1) {
		return
	}
	r.rtt /= c.c
	r.count = -1
}

// updateAfterSleep brings rtt into c's current scale.
func (r *threadRuntime) updateAfterSleep(c *CPU) {
	switch {
	case math.IsInf(r.rtt, 1):
	case r.count == c.renormalizeCount:
	case r.count == -1:
		r.rtt *= c.c
	case r.count == c.renormalizeCount-1:
		r.rtt /= constants.CMax
	default:
		r.rtt = 0
	}
	r.count = c.renormalizeCount
}

func (r *threadRuntime) hysteresisRunStart(c *CPU) { r.shift(c, -hysteresisFactor) }

func (r *threadRuntime) hysteresisRunStop(c *CPU) { r.shift(c, hysteresisFactor) }

func (r *threadRuntime) addContextSwitchPenalty(c *CPU) { r.shift(c, penaltyFactor) }

func (r *threadRuntime) shift(c *CPU, factor float64) {
	p := r.priority()
	if math.IsInf(p, 1) {
		return
	}
	r.rtt += p * c.c * factor
}

// timeUntil is how long this thread may run on c before its runtime
// reaches target, clamped to MaxSlice. -1 means never.
func (r *threadRuntime) timeUntil(c *CPU, target float64) time.Duration {
	p := r.priority()
	if math.IsInf(p, 1) || math.IsInf(target, 1) {
		return -1
	}
	ns := float64(constants.Tau) * math.Log1p((target-r.rtt)/p/c.c)
	switch {
	case math.IsNaN(ns), ns <= 0:
		return 0
	case ns >= float64(constants.MaxSlice):
		return constants.MaxSlice
	}
	return time.Duration(ns)
}
