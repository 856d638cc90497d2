package rcu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type block struct {
	value    int
	poisoned atomic.Bool
}

func poison(b *block) { b.poisoned.Store(true) }

func TestAssignReturnsPrevious(t *testing.T) {
	var p Ptr[block]
	a, b := &block{value: 1}, &block{value: 2}
	if old := p.Assign(a); old != nil {
		t.Fatal("first assign must return nil")
	}
	if old := p.Assign(b); old != a {
		t.Fatal("assign did not return the previous block")
	}
	g := ReadLock()
	if p.Read().value != 2 {
		t.Fatal("reader saw stale value")
	}
	g.Unlock()
}

// TestDisposeWaitsForActiveReader holds a read-side section open and checks
// the callback cannot run until it closes.
func TestDisposeWaitsForActiveReader(t *testing.T) {
	g := ReadLock()
	var ran atomic.Bool
	Dispose(func() { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatal("callback ran inside an active read-side section")
	}
	g.Unlock()
	Barrier()
	if !ran.Load() {
		t.Fatal("callback did not run after the reader left")
	}
}

// TestDisposeDoesNotBlockCaller checks a writer retiring under an open
// read-side section returns at once.
func TestDisposeDoesNotBlockCaller(t *testing.T) {
	g := ReadLock()
	defer Barrier()
	defer g.Unlock()
	done := make(chan struct{})
	go func() {
		Dispose(func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispose blocked on a reader")
	}
}

func TestRetireNilIsNoop(t *testing.T) {
	before := Completed()
	Retire[block](nil, poison)
	Barrier()
	if Completed() != before+1 { // only the barrier callback
		t.Fatalf("completed moved by %d", Completed()-before)
	}
}

// TestReadersNeverSeePoison swaps blocks under heavy read traffic; a reader
// inside a section must never observe a block whose retire already ran.
func TestReadersNeverSeePoison(t *testing.T) {
	var p Ptr[block]
	p.Assign(&block{})
	var stop atomic.Bool
	var bad atomic.Int64
	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				g := ReadLock()
				if b := p.Read(); b != nil {
					for i := 0; i < 8; i++ {
						if b.poisoned.Load() {
							bad.Add(1)
						}
					}
				}
				g.Unlock()
			}
		}()
	}
	for i := 0; i < 20000; i++ {
		Retire(p.Assign(&block{value: i}), poison)
	}
	Barrier()
	stop.Store(true)
	wg.Wait()
	if n := bad.Load(); n != 0 {
		t.Fatalf("%d reads observed a reclaimed block", n)
	}
}

func TestSynchronizeWithNoReaders(t *testing.T) {
	done := make(chan struct{})
	go func() {
		Synchronize()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Synchronize hung without readers")
	}
}

func BenchmarkReadLock(b *testing.B) {
	var p Ptr[block]
	p.Assign(&block{})
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			g := ReadLock()
			_ = p.Read()
			g.Unlock()
		}
	})
}
