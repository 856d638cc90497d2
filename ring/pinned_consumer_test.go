// -----------------------------------------------------------------------------
// pinned_consumer_test.go - Unit-tests for the dedicated PinnedConsumer loop
// -----------------------------------------------------------------------------
//
//  Verifies: callback delivery, graceful shutdown, hot-window spin behaviour,
//  and the deep-wait → doorbell wake-up sequence.
// -----------------------------------------------------------------------------

package ring

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

// launch hides the boilerplate for spinning up a PinnedConsumer.
func launch(r *Ring, fn func(*[32]byte)) (stop, hot *uint32, kick chan struct{}, done chan struct{}) {
	stop = new(uint32)
	hot = new(uint32)
	kick = make(chan struct{}, 1)
	done = make(chan struct{})
	PinnedConsumer(0, r, stop, hot, kick, fn, done)
	return
}

func doorbell(kick chan struct{}) {
	select {
	case kick <- struct{}{}:
	default:
	}
}

// TestPinnedConsumerDeliversItem confirms that a pushed command reaches the
// handler and that the goroutine terminates cleanly when *stop is set.
func TestPinnedConsumerDeliversItem(t *testing.T) {
	runtime.GOMAXPROCS(2)
	r := New(8)
	want := [32]byte{1, 2, 3, 4}
	var got atomic.Value

	stop, hot, kick, done := launch(r, func(p *[32]byte) { got.Store(*p) })

	atomic.StoreUint32(hot, 1)
	if !r.Push(&want) {
		t.Fatal("push failed")
	}
	doorbell(kick)
	atomic.StoreUint32(hot, 0)

	deadline := time.Now().Add(time.Second)
	for got.Load() == nil {
		if time.Now().After(deadline) {
			t.Fatal("callback never ran")
		}
		runtime.Gosched()
	}

	atomic.StoreUint32(stop, 1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for consumer exit")
	}
	if got.Load().([32]byte) != want {
		t.Fatalf("callback saw %v, want %v", got.Load(), want)
	}
}

// TestPinnedConsumerStopsNoWork ensures the goroutine notices *stop without
// any traffic and exits promptly even from the deep wait.
func TestPinnedConsumerStopsNoWork(t *testing.T) {
	r := New(4)
	stop, _, _, done := launch(r, func(_ *[32]byte) {})
	time.Sleep(20 * time.Millisecond) // let it reach the deep wait
	atomic.StoreUint32(stop, 1)
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("consumer did not exit after stop")
	}
}

// TestPinnedConsumerBackoffThenWake waits past the hot window so the
// consumer backs off, then checks the doorbell brings it back.
func TestPinnedConsumerBackoffThenWake(t *testing.T) {
	r := New(4)
	var hits atomic.Uint32
	stop, hot, kick, done := launch(r, func(_ *[32]byte) { hits.Add(1) })

	atomic.StoreUint32(hot, 1)
	r.Push(&[32]byte{7})
	atomic.StoreUint32(hot, 0)

	time.Sleep(hotWindow + 50*time.Millisecond)

	r.Push(&[32]byte{8})
	doorbell(kick)
	deadline := time.Now().Add(time.Second)
	for hits.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 callbacks, got %d", hits.Load())
		}
		time.Sleep(time.Millisecond)
	}
	atomic.StoreUint32(stop, 1)
	<-done
}

// TestPinnedConsumerProcessesBurstInOrder pushes more commands than slots.
func TestPinnedConsumerProcessesBurstInOrder(t *testing.T) {
	r := New(4)
	const n = 1000
	var next atomic.Int32
	var bad atomic.Bool
	stop, hot, kick, done := launch(r, func(p *[32]byte) {
		if int32(p[0])|int32(p[1])<<8 != next.Load() {
			bad.Store(true)
		}
		next.Add(1)
	})
	atomic.StoreUint32(hot, 1)
	for i := 0; i < n; i++ {
		cmd := [32]byte{byte(i), byte(i >> 8)}
		for !r.Push(&cmd) {
			runtime.Gosched()
		}
		doorbell(kick)
	}
	atomic.StoreUint32(hot, 0)
	for !r.Drained(n) {
		runtime.Gosched()
	}
	atomic.StoreUint32(stop, 1)
	<-done
	if bad.Load() || next.Load() != n {
		t.Fatalf("burst delivered %d commands, order ok=%v", next.Load(), !bad.Load())
	}
}
