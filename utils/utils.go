// Package utils holds the alloc-light formatting helpers used by the
// diagnostic paths. Nothing here reaches for fmt: a kernel that is about to
// halt should not depend on reflection to print its last words.
package utils

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

///////////////////////////////////////////////////////////////////////////////
// Output Sink - stderr by default, swappable for tests
///////////////////////////////////////////////////////////////////////////////

type sink struct {
	mu sync.Mutex
	w  io.Writer
}

var out atomic.Pointer[sink]

func init() {
	out.Store(&sink{w: os.Stderr})
}

// SetOutput redirects every warning line to w and returns the previous
// writer. Passing nil restores stderr.
func SetOutput(w io.Writer) io.Writer {
	if w == nil {
		w = os.Stderr
	}
	old := out.Swap(&sink{w: w})
	return old.w
}

// PrintWarning writes msg verbatim to the current sink. Lines from
// concurrent CPUs never interleave.
//
//go:nosplit
func PrintWarning(msg string) {
	s := out.Load()
	s.mu.Lock()
	_, _ = s.w.Write(unsafe.Slice(unsafe.StringData(msg), len(msg)))
	s.mu.Unlock()
}

///////////////////////////////////////////////////////////////////////////////
// Conversion Utilities - Zero-Alloc Casts
///////////////////////////////////////////////////////////////////////////////

// B2s converts a []byte to a string **without** allocation.
// ⚠️ Caller must ensure the input slice remains valid and unchanged.
//
//go:nosplit
//go:inline
func B2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

///////////////////////////////////////////////////////////////////////////////
// Integer Rendering
///////////////////////////////////////////////////////////////////////////////

// Itoa renders a signed decimal.
//
//go:nosplit
func Itoa(n int) string {
	if n >= 0 {
		return Utoa(uint64(n))
	}
	return "-" + Utoa(uint64(-n))
}

// Utoa renders an unsigned decimal using a stack buffer.
//
//go:nosplit
func Utoa(n uint64) string {
	var buf [20]byte
	i := len(buf)
	for {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return string(buf[i:])
}

const hexDigits = "0123456789abcdef"

// Hex32 renders v as a fixed-width 0x-prefixed word, the way register
// dumps print it.
//
//go:nosplit
func Hex32(v uint32) string {
	var buf [10]byte
	buf[0], buf[1] = '0', 'x'
	for i := 9; i >= 2; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf[:])
}

// Hex64 renders v as a fixed-width 0x-prefixed doubleword.
//
//go:nosplit
func Hex64(v uint64) string {
	var buf [18]byte
	buf[0], buf[1] = '0', 'x'
	for i := 17; i >= 2; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf[:])
}

// Ftoa renders f with three fractional digits. Good enough for load and
// runtime summaries; not a general float printer.
func Ftoa(f float64) string {
	neg := f < 0
	if neg {
		f = -f
	}
	whole := uint64(f)
	frac := uint64((f-float64(whole))*1000 + 0.5)
	if frac >= 1000 {
		whole++
		frac -= 1000
	}
	s := Utoa(whole) + "." + string([]byte{
		byte('0' + frac/100),
		byte('0' + frac/10%10),
		byte('0' + frac%10),
	})
	if neg {
		return "-" + s
	}
	return s
}

///////////////////////////////////////////////////////////////////////////////
// Hash & Mixers
///////////////////////////////////////////////////////////////////////////////

// Mix64 applies a Murmur3-style avalanche to a 64-bit value. Used to
// spread thread ids over CPUs at placement time.
//
//go:nosplit
//go:inline
func Mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
