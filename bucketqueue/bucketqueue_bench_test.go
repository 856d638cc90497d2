// bucketqueue_bench_test.go - micro-benchmarks for the deadline queue
// ==================================================================
// Isolates the cost of each core queue operation in tight loops.

package bucketqueue

import "testing"

func BenchmarkPushPop(b *testing.B) {
	q := New[payload](0)
	h, _ := q.Borrow()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = q.Push(int64(i&1023), h, nil)
		q.PopMin()
	}
}

func BenchmarkPeepMinSparse(b *testing.B) {
	q := New[payload](0)
	for _, tick := range []int64{4000, 2048, 3333} {
		h, _ := q.Borrow()
		_ = q.Push(tick, h, nil)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.PeepMin()
	}
}
