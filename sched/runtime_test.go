package sched

import (
	"math"
	"testing"
	"time"

	"github.com/cloudius-systems/osv-sub002/constants"
)

func bareCPU(id int) *CPU { return newCPU(&Sched{}, id) }

func bareThread(id uint64, p float64) *Thread {
	t := &Thread{id: id}
	t.rt.init(p)
	t.ds = &detachedState{t: t}
	return t
}

func near(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

func TestRanForScalesWithPriority(t *testing.T) {
	c1, c2 := bareCPU(0), bareCPU(1)
	a, b := bareThread(1, 1), bareThread(2, 2)
	a.rt.ranFor(c1, 3*time.Millisecond)
	b.rt.ranFor(c2, 3*time.Millisecond)
	if !near(b.rt.rtt, 2*a.rt.rtt) {
		t.Fatalf("priority 2 accumulated %g, priority 1 %g", b.rt.rtt, a.rt.rtt)
	}
	want := cInitial * math.Exp(float64(3*time.Millisecond)/float64(constants.Tau))
	if !near(c1.c, want) {
		t.Fatalf("scale %g, want %g", c1.c, want)
	}
}

func TestIdleNeverAccumulates(t *testing.T) {
	c := bareCPU(0)
	idle := bareThread(1, PriorityIdle)
	before := c.c
	idle.rt.ranFor(c, time.Second)
	if !math.IsInf(idle.rt.rtt, 1) || c.c != before {
		t.Fatal("idle runtime moved the metric")
	}
	if idle.rt.timeUntil(c, 1) != -1 {
		t.Fatal("idle has a finite slice")
	}
}

func TestTimeUntilInvertsRanFor(t *testing.T) {
	c := bareCPU(0)
	a := bareThread(1, 1)
	a.rt.ranFor(c, time.Millisecond)
	target := a.rt.rtt + a.rt.priority()*c.c*math.Expm1(float64(2*time.Millisecond)/float64(constants.Tau))
	d := a.rt.timeUntil(c, target)
	if d < 2*time.Millisecond-time.Microsecond || d > 2*time.Millisecond+time.Microsecond {
		t.Fatalf("timeUntil = %v", d)
	}
	a.rt.ranFor(c, d)
	if !near(a.rt.rtt, target) && math.Abs(a.rt.rtt-target) > target*1e-6 {
		t.Fatalf("after running the slice rtt=%g target=%g", a.rt.rtt, target)
	}

	if got := a.rt.timeUntil(c, a.rt.rtt/2); got != 0 {
		t.Fatalf("target behind: %v", got)
	}
	if got := a.rt.timeUntil(c, a.rt.rtt*1e9); got != constants.MaxSlice {
		t.Fatalf("far target not clamped: %v", got)
	}
	if got := a.rt.timeUntil(c, math.Inf(1)); got != -1 {
		t.Fatalf("infinite target: %v", got)
	}
}

func TestExportImportAcrossCPUs(t *testing.T) {
	src, dst := bareCPU(0), bareCPU(1)
	warm := bareThread(9, 1)
	warm.rt.ranFor(dst, 50*time.Millisecond)

	a := bareThread(1, 1)
	a.rt.ranFor(src, 10*time.Millisecond)
	global := a.rt.rtt / src.c
	a.rt.exportRuntime(src)
	if a.rt.count != -1 || !near(a.rt.rtt, global) {
		t.Fatal("export did not produce the global runtime")
	}
	a.rt.updateAfterSleep(dst)
	if !near(a.rt.rtt, global*dst.c) || a.rt.count != dst.renormalizeCount {
		t.Fatalf("import rtt=%g want %g", a.rt.rtt, global*dst.c)
	}
}

func TestRenormalizationKeepsOrder(t *testing.T) {
	c := bareCPU(0)
	c.c = constants.CMax / 1.001
	c.renormalizeCount = 5
	var queued []*Thread
	for i := 1; i <= 5; i++ {
		q := bareThread(uint64(i), 1)
		q.rt.rtt = float64(i) * c.c * 1e-3
		q.rt.count = c.renormalizeCount
		q.ds.store(Queued)
		q.ds.cpu.Store(c)
		c.enqueue(q)
		queued = append(queued, q)
	}
	sleeper := bareThread(20, 1)
	sleeper.rt.rtt = c.c * 4e-3
	sleeper.rt.count = c.renormalizeCount
	stale := bareThread(21, 1)
	stale.rt.rtt = 1
	stale.rt.count = c.renormalizeCount - 2

	cur := bareThread(10, 1)
	cur.rt.count = c.renormalizeCount
	cur.rt.ranFor(c, time.Second)

	if c.renormalizeCount != 6 || c.c >= constants.CMax {
		t.Fatalf("no renormalization: count=%d c=%g", c.renormalizeCount, c.c)
	}
	if err := c.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
	for _, q := range queued {
		if q.rt.count != 6 {
			t.Fatalf("queued thread %d kept count %d", q.id, q.rt.count)
		}
	}
	if cur.rt.count != 6 {
		t.Fatal("running thread count not bumped")
	}

	want := sleeper.rt.rtt / constants.CMax
	sleeper.rt.updateAfterSleep(c)
	if !near(sleeper.rt.rtt, want) {
		t.Fatalf("one missed step: rtt=%g want %g", sleeper.rt.rtt, want)
	}
	stale.rt.updateAfterSleep(c)
	if stale.rt.rtt != 0 {
		t.Fatal("two missed steps did not reset the runtime")
	}
}

func TestHysteresisIsSymmetric(t *testing.T) {
	c := bareCPU(0)
	a := bareThread(1, 2)
	a.rt.ranFor(c, time.Millisecond)
	before := a.rt.rtt
	a.rt.hysteresisRunStart(c)
	if a.rt.rtt >= before {
		t.Fatal("run start did not grant credit")
	}
	a.rt.hysteresisRunStop(c)
	if !near(a.rt.rtt, before) {
		t.Fatalf("stop did not return the credit: %g vs %g", a.rt.rtt, before)
	}
	a.rt.addContextSwitchPenalty(c)
	if a.rt.rtt <= before {
		t.Fatal("penalty not charged")
	}
}
