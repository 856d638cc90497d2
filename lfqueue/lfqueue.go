// ════════════════════════════════════════════════════════════════════════════════════════════════
// Lock-Free Wakeup Queue
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Cross-CPU thread hand-off
//
// Description:
//   Intrusive FIFO linking elements through a Link embedded in the element itself, so a push
//   never allocates. One instance exists per (source CPU, destination CPU) pair: the source
//   CPU pushes, the destination CPU drains during its scheduling epilogue or idle poll.
//
//   The producer side is an exchange on the tail followed by a release store of the link, which
//   additionally makes it safe for several producers. The kernel relies on that for exactly one
//   extra instance per CPU, the slot that takes wakes issued from outside any CPU.
//
// Contract:
//   - PushBack: the caller guarantees the element is not linked in this queue.
//   - PopFront/Front: single consumer only.
//   - Empty: relaxed; a false "empty" only delays the consumer until its next poll.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package lfqueue

import (
	"runtime"
	"sync/atomic"
)

// Link is the intrusive hook. Embed it in the element and bind it once
// with Init so the queue can hand back the owning element.
type Link[T any] struct {
	next  atomic.Pointer[Link[T]]
	owner *T
}

// Init binds the link to its element.
func (l *Link[T]) Init(owner *T) { l.owner = owner }

// Owner returns the element the link is embedded in.
func (l *Link[T]) Owner() *T { return l.owner }

// Queue is an intrusive FIFO of Links. The zero value is not usable; call
// Init or New.
type Queue[T any] struct {
	head *Link[T] // consumer-owned
	_    [56]byte
	tail atomic.Pointer[Link[T]] // producer side
	_    [56]byte
	stub Link[T]
}

// New allocates an empty queue.
func New[T any]() *Queue[T] {
	q := new(Queue[T])
	q.Init()
	return q
}

// Init prepares an embedded queue value. Not safe once the queue is shared.
func (q *Queue[T]) Init() {
	q.stub.next.Store(nil)
	q.head = &q.stub
	q.tail.Store(&q.stub)
}

// PushBack publishes l at the tail.
//
//go:nosplit
func (q *Queue[T]) PushBack(l *Link[T]) {
	l.next.Store(nil)
	prev := q.tail.Swap(l)
	prev.next.Store(l) // release: the consumer now sees a fully built node
}

// Empty is a relaxed emptiness check for the consumer.
//
//go:nosplit
func (q *Queue[T]) Empty() bool {
	h := q.head
	if h != &q.stub {
		return false
	}
	return h.next.Load() == nil && q.tail.Load() == &q.stub
}

// Front returns the oldest element without removing it, or nil.
func (q *Queue[T]) Front() *T {
	h := q.head
	if h == &q.stub {
		h = q.waitNext(h)
		if h == nil {
			return nil
		}
	}
	return h.owner
}

// PopFront removes and returns the oldest element, or nil when the queue
// is empty.
func (q *Queue[T]) PopFront() *T {
	h := q.head
	next := h.next.Load()
	if h == &q.stub {
		if next = q.waitNext(h); next == nil {
			return nil
		}
		q.head = next
		h = next
		next = h.next.Load()
	}
	if next != nil {
		q.head = next
		return h.owner
	}
	if q.tail.Load() != h {
		// A producer swapped the tail but has not linked yet.
		next = q.spinNext(h)
		q.head = next
		return h.owner
	}
	// h is the last real node: park the stub behind it so h can leave.
	q.PushBack(&q.stub)
	next = q.spinNext(h)
	q.head = next
	return h.owner
}

// waitNext returns n's successor, waiting out a producer caught between
// its tail exchange and link store. Returns nil when nothing was pushed.
func (q *Queue[T]) waitNext(n *Link[T]) *Link[T] {
	if next := n.next.Load(); next != nil {
		return next
	}
	if q.tail.Load() == n {
		return nil
	}
	return q.spinNext(n)
}

// spinNext waits for a link store known to be in flight. The window is two
// instructions wide on the producer side.
func (q *Queue[T]) spinNext(n *Link[T]) *Link[T] {
	for {
		if next := n.next.Load(); next != nil {
			return next
		}
		runtime.Gosched()
	}
}

// Drain pops every element visible now and passes it to fn in FIFO order.
// Returns the number drained.
func (q *Queue[T]) Drain(fn func(*T)) int {
	n := 0
	for {
		e := q.PopFront()
		if e == nil {
			return n
		}
		fn(e)
		n++
	}
}
