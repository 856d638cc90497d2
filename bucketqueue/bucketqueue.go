// Package bucketqueue is a zero-alloc deadline queue for per-CPU timer lists.
// Deadlines are quantised to ticks and filed into a rotating window of
// numBuckets buckets; two-level bitmaps make PeepMin/PopMin O(1). The window
// slides forward with Advance, so a bucket index is tick mod numBuckets and
// the minimum search starts at the base tick's bucket and wraps.
package bucketqueue

import (
	"errors"
	"math/bits"
)

const (
	numBuckets       = 4096
	groupSize        = 64
	numGroups        = numBuckets / groupSize
	capItems         = 1 << 12
	bucketMask       = numBuckets - 1
	nilIdx     idx32 = ^idx32(0)
)

var _ [-int(numBuckets & (numBuckets - 1))]byte
var _ [-int(numGroups - 64)]byte // summary must fit one word

type idx32 uint32

type node[T any] struct {
	next, prev idx32
	tick       int64
	queued     bool
	data       *T
}

// Queue is a bounded deadline queue. Not safe for concurrent use; the
// timer list that owns it serializes access.
type Queue[T any] struct {
	arena     [capItems]node[T]
	freeHead  idx32
	buckets   [numBuckets]idx32
	baseTick  int64
	size      int
	summary   uint64
	groupBits [numGroups]uint64
}

var (
	ErrFull         = errors.New("bucketqueue: no free handles")
	ErrPastWindow   = errors.New("bucketqueue: tick too far in the past")
	ErrBeyondWindow = errors.New("bucketqueue: tick too far in the future")
	ErrItemNotFound = errors.New("bucketqueue: invalid handle")
)

// Handle names one arena slot.
type Handle idx32

// Invalid is the handle returned alongside errors and by empty peeks.
const Invalid = Handle(nilIdx)

// Window is the number of ticks addressable from the base.
const Window = numBuckets

// New returns an empty queue with its window starting at base.
func New[T any](base int64) *Queue[T] {
	q := &Queue[T]{baseTick: base}
	for i := capItems - 1; i > 0; i-- {
		q.arena[i-1].next = idx32(i)
	}
	q.arena[capItems-1].next = nilIdx
	q.freeHead = 0
	for i := range q.buckets {
		q.buckets[i] = nilIdx
	}
	return q
}

// Borrow takes a free handle from the arena.
func (q *Queue[T]) Borrow() (Handle, error) {
	if q.freeHead == nilIdx {
		return Invalid, ErrFull
	}
	h := q.freeHead
	n := &q.arena[h]
	q.freeHead = n.next
	n.next, n.prev, n.queued = nilIdx, nilIdx, false
	return Handle(h), nil
}

// Return gives a handle back, unlinking it first if it is still queued.
func (q *Queue[T]) Return(h Handle) error {
	if idx32(h) >= capItems {
		return ErrItemNotFound
	}
	if q.arena[h].queued {
		q.unlink(idx32(h))
	}
	n := &q.arena[idx32(h)]
	n.next = q.freeHead
	n.prev = nilIdx
	n.data = nil
	q.freeHead = idx32(h)
	return nil
}

// Base returns the first tick of the window.
func (q *Queue[T]) Base() int64 { return q.baseTick }

// Horizon returns the last tick of the window.
func (q *Queue[T]) Horizon() int64 { return q.baseTick + numBuckets - 1 }

// Push files h at tick. A handle that is already queued moves.
//
//go:nosplit
func (q *Queue[T]) Push(tick int64, h Handle, val *T) error {
	if h >= Handle(capItems) {
		return ErrItemNotFound
	}
	switch delta := tick - q.baseTick; {
	case delta < 0:
		return ErrPastWindow
	case delta >= numBuckets:
		return ErrBeyondWindow
	}
	idx := idx32(h)
	n := &q.arena[idx]
	if n.queued {
		q.unlink(idx)
	}
	bkt := uint64(tick) & bucketMask
	n.next, n.prev = q.buckets[bkt], nilIdx
	if n.next != nilIdx {
		q.arena[n.next].prev = idx
	}
	q.buckets[bkt] = idx
	n.tick, n.data, n.queued = tick, val, true
	g := bkt >> 6
	q.groupBits[g] |= 1 << (bkt & 63)
	q.summary |= 1 << g
	q.size++
	return nil
}

// Remove unlinks h without returning it to the arena.
func (q *Queue[T]) Remove(h Handle) error {
	if h >= Handle(capItems) || !q.arena[h].queued {
		return ErrItemNotFound
	}
	q.unlink(idx32(h))
	return nil
}

// Queued reports whether h is filed.
func (q *Queue[T]) Queued(h Handle) bool {
	return h < Handle(capItems) && q.arena[h].queued
}

func (q *Queue[T]) unlink(idx idx32) {
	n := &q.arena[idx]
	bkt := uint64(n.tick) & bucketMask
	if n.prev != nilIdx {
		q.arena[n.prev].next = n.next
	} else {
		q.buckets[bkt] = n.next
	}
	if n.next != nilIdx {
		q.arena[n.next].prev = n.prev
	}
	if q.buckets[bkt] == nilIdx {
		g := bkt >> 6
		q.groupBits[g] &^= 1 << (bkt & 63)
		if q.groupBits[g] == 0 {
			q.summary &^= 1 << g
		}
	}
	n.next, n.prev, n.queued = nilIdx, nilIdx, false
	q.size--
}

// minBucket locates the earliest non-empty bucket at or after the base,
// wrapping around the ring.
//
//go:nosplit
func (q *Queue[T]) minBucket() (uint64, bool) {
	if q.summary == 0 {
		return 0, false
	}
	start := uint64(q.baseTick) & bucketMask
	g0 := start >> 6
	if w := q.groupBits[g0] &^ (1<<(start&63) - 1); w != 0 {
		return g0<<6 | uint64(bits.TrailingZeros64(w)), true
	}
	if s := q.summary &^ (2<<g0 - 1); s != 0 {
		g := uint64(bits.TrailingZeros64(s))
		return g<<6 | uint64(bits.TrailingZeros64(q.groupBits[g])), true
	}
	s := q.summary & (2<<g0 - 1)
	g := uint64(bits.TrailingZeros64(s))
	w := q.groupBits[g]
	if g == g0 {
		w &= 1<<(start&63) - 1
	}
	return g<<6 | uint64(bits.TrailingZeros64(w)), true
}

// PeepMin returns the earliest entry without removing it.
//
//go:nosplit
func (q *Queue[T]) PeepMin() (Handle, int64, *T) {
	bkt, ok := q.minBucket()
	if !ok {
		return Invalid, 0, nil
	}
	h := q.buckets[bkt]
	n := &q.arena[h]
	return Handle(h), n.tick, n.data
}

// PopMin unlinks and returns the earliest entry. The handle stays borrowed.
//
//go:nosplit
func (q *Queue[T]) PopMin() (Handle, int64, *T) {
	h, tick, data := q.PeepMin()
	if h == Invalid {
		return Invalid, 0, nil
	}
	q.unlink(idx32(h))
	return h, tick, data
}

// Advance slides the window so it starts at tick. Every entry must already
// be at or after tick; callers pop expired entries first.
func (q *Queue[T]) Advance(tick int64) error {
	if tick <= q.baseTick {
		return nil
	}
	if h, t, _ := q.PeepMin(); h != Invalid && t < tick {
		return ErrPastWindow
	}
	q.baseTick = tick
	return nil
}

func (q *Queue[T]) Size() int   { return q.size }
func (q *Queue[T]) Empty() bool { return q.size == 0 }
