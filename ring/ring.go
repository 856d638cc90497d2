// ring.go
//
// Lock-free single-producer/single-consumer queue of 32-byte command blocks.
// It backs the ITS command queue: the GIC driver is the only producer, the
// ITS command engine the only consumer.  Producer and consumer cursors sit
// on separate cache-lines, and every slot carries a sequence stamp so Push
// can never overwrite a command the consumer has not retired yet: a full
// queue makes Push return false and the driver busy-polls.
//
// The cursors double as the CWRITER/CREADR register values (in commands,
// not bytes) and are readable from any goroutine.

package ring

import "sync/atomic"

// CommandSize is the size of one queue entry.
const CommandSize = 32

// slot couples a command with its sequence stamp.
type slot struct {
	seq uint64 // position in the sequence space
	cmd [CommandSize]byte
}

// Ring is a fixed-capacity circular buffer dedicated to one producer and
// one consumer.
type Ring struct {
	_    [64]byte // consumer cursor isolated on its own cache-line
	head uint64
	//lint:ignore U1000 padding to keep head & tail on different cache-lines
	_pad1 [56]byte
	tail  uint64
	//lint:ignore U1000 padding to keep hot fields from colliding with metadata
	_pad2 [56]byte
	mask  uint64
	buf   []slot
	out   [CommandSize]byte // consumer-owned copy returned by Pop
}

// New allocates a ring whose size must be a power-of-two; otherwise it
// panics so that the bit-masking arithmetic stays valid.
func New(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("ring: size must be >0 and a power of two")
	}
	r := &Ring{
		mask: uint64(size - 1),
		buf:  make([]slot, size),
	}
	for i := range r.buf {
		r.buf[i].seq = uint64(i)
	}
	return r
}

// Cap returns the number of slots.
func (r *Ring) Cap() int { return len(r.buf) }

// Push enqueues a copy of *cmd, returning false if the buffer is full.
//
//go:nosplit
func (r *Ring) Push(cmd *[CommandSize]byte) bool {
	t := r.tail
	s := &r.buf[t&r.mask]
	if loadAcquireUint64(&s.seq) != t {
		return false // consumer has not yet reclaimed the slot
	}
	s.cmd = *cmd
	storeReleaseUint64(&s.seq, t+1)
	storeReleaseUint64(&r.tail, t+1)
	return true
}

// Pop dequeues one command or returns nil if the buffer is empty.  The
// returned block is owned by the ring and valid until the next Pop.
//
//go:nosplit
func (r *Ring) Pop() *[CommandSize]byte {
	h := r.head
	s := &r.buf[h&r.mask]
	if loadAcquireUint64(&s.seq) != h+1 {
		return nil // producer has not yet published to the slot
	}
	r.out = s.cmd
	storeReleaseUint64(&s.seq, h+uint64(len(r.buf)))
	storeReleaseUint64(&r.head, h+1)
	return &r.out
}

// PopWait busy-spins until a command becomes available.
//
//go:nosplit
func (r *Ring) PopWait() *[CommandSize]byte {
	for {
		if p := r.Pop(); p != nil {
			return p
		}
		cpuRelax()
	}
}

// Written is the number of commands ever published (CWRITER).
func (r *Ring) Written() uint64 { return atomic.LoadUint64(&r.tail) }

// Consumed is the number of commands ever retired (CREADR).
func (r *Ring) Consumed() uint64 { return atomic.LoadUint64(&r.head) }

// Drained reports whether every command up to and including the upto-th
// published one has been retired.
func (r *Ring) Drained(upto uint64) bool { return r.Consumed() >= upto }

// Go atomics are sequentially consistent, a superset of the acquire and
// release ordering the slot protocol needs.

func loadAcquireUint64(p *uint64) uint64 { return atomic.LoadUint64(p) }

func storeReleaseUint64(p *uint64, v uint64) { atomic.StoreUint64(p, v) }
