// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🧪 TEST SUITE: MACHINE CONTROL FLAGS
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Control System Test Suite
//
// Description:
//   Validates the stop/hot flag block shared between idle loops and the ITS engine: cooldown
//   behaviour, idempotent shutdown and concurrent access.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package control

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// ACTIVITY & COOLDOWN
// ============================================================================

func TestSignalActivitySetsHot(t *testing.T) {
	f := New(time.Hour)
	if f.Hot() {
		t.Fatal("new block must start cold")
	}
	f.SignalActivity()
	if !f.Hot() {
		t.Fatal("SignalActivity did not set hot")
	}
	f.PollCooldown()
	if !f.Hot() {
		t.Fatal("cooldown cleared hot inside the window")
	}
}

func TestPollCooldownClearsAfterWindow(t *testing.T) {
	f := New(time.Millisecond)
	f.SignalActivity()
	time.Sleep(5 * time.Millisecond)
	f.PollCooldown()
	if f.Hot() {
		t.Fatal("hot survived the cooldown")
	}
}

// ============================================================================
// SHUTDOWN
// ============================================================================

func TestShutdownIdempotent(t *testing.T) {
	f := New(time.Second)
	f.Shutdown()
	f.Shutdown()
	if !f.Stopping() {
		t.Fatal("stop flag not set")
	}
	select {
	case <-f.Stopped():
	default:
		t.Fatal("Stopped channel not closed")
	}
	stop, _ := f.Pointers()
	if atomic.LoadUint32(stop) != 1 {
		t.Fatal("raw stop word not set")
	}
}

func TestBlocksAreIndependent(t *testing.T) {
	a, b := New(time.Second), New(time.Second)
	a.Shutdown()
	if b.Stopping() {
		t.Fatal("shutdown leaked across blocks")
	}
}

func TestConcurrentShutdown(t *testing.T) {
	f := New(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.SignalActivity()
			f.Shutdown()
		}()
	}
	wg.Wait()
	<-f.Stopped()
}

func TestDefaultBlock(t *testing.T) {
	stop, hot := Pointers()
	if stop == nil || hot == nil {
		t.Fatal("nil pointers")
	}
	if Default() != std {
		t.Fatal("Default must return the process block")
	}
}

func BenchmarkPollCooldown(b *testing.B) {
	f := New(time.Second)
	f.SignalActivity()
	for i := 0; i < b.N; i++ {
		f.PollCooldown()
	}
}
