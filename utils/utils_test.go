package utils

import (
	"bytes"
	"math"
	"strconv"
	"sync"
	"testing"
)

// ============================================================================
// INTEGER RENDERING
// ============================================================================

func TestItoaMatchesStrconv(t *testing.T) {
	cases := []int{0, 1, -1, 9, 10, 99, 100, 12345, -98765, math.MaxInt32, math.MinInt32 + 1}
	for _, n := range cases {
		if got, want := Itoa(n), strconv.Itoa(n); got != want {
			t.Fatalf("Itoa(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestUtoaMax(t *testing.T) {
	if got := Utoa(math.MaxUint64); got != "18446744073709551615" {
		t.Fatalf("Utoa(max) = %q", got)
	}
}

func TestHexFixedWidth(t *testing.T) {
	if got := Hex32(0x3ff); got != "0x000003ff" {
		t.Fatalf("Hex32 = %q", got)
	}
	if got := Hex64(0xdeadbeef00c0ffee); got != "0xdeadbeef00c0ffee" {
		t.Fatalf("Hex64 = %q", got)
	}
}

func TestFtoa(t *testing.T) {
	cases := map[float64]string{
		0:      "0.000",
		1.5:    "1.500",
		-2.25:  "-2.250",
		0.9999: "1.000",
	}
	for in, want := range cases {
		if got := Ftoa(in); got != want {
			t.Fatalf("Ftoa(%v) = %q, want %q", in, got, want)
		}
	}
}

// ============================================================================
// OUTPUT SINK
// ============================================================================

func TestSetOutputCapturesWarnings(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	PrintWarning("irq: unhandled\n")
	if buf.String() != "irq: unhandled\n" {
		t.Fatalf("captured %q", buf.String())
	}
}

func TestPrintWarningLinesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	const writers, lines = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < lines; i++ {
				PrintWarning("abcdefghij\n")
			}
		}()
	}
	wg.Wait()
	for _, l := range bytes.Split(bytes.TrimSuffix(buf.Bytes(), []byte("\n")), []byte("\n")) {
		if string(l) != "abcdefghij" {
			t.Fatalf("torn line %q", l)
		}
	}
}

// ============================================================================
// MIXER
// ============================================================================

func TestMix64Avalanche(t *testing.T) {
	seen := make(map[uint64]bool, 1024)
	for i := uint64(0); i < 1024; i++ {
		h := Mix64(i)
		if seen[h] {
			t.Fatalf("collision at %d", i)
		}
		seen[h] = true
	}
}

func BenchmarkItoa(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Itoa(i)
	}
}
