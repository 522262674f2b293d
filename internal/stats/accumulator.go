package stats

import (
	"sync/atomic"
	"time"
)

// DefaultWindowSize bounds the sliding window of operation latencies.
const DefaultWindowSize = 1000

// Accumulator keeps rolling per-tier counters and a bounded sliding window
// of operation latencies. All updates are lock-free and therefore
// best-effort: the numbers drive tuning heuristics, never correctness
// decisions.
type Accumulator struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	writes  atomic.Uint64
	deletes atomic.Uint64
	errors  atomic.Uint64

	window []int64 // latency samples in nanoseconds
	next   atomic.Uint64
}

// New creates an accumulator with the given latency window size.
// A non-positive size falls back to DefaultWindowSize.
func New(windowSize int) *Accumulator {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Accumulator{
		window: make([]int64, windowSize),
	}
}

// RecordHit counts a memory- or durable-tier hit.
func (a *Accumulator) RecordHit() { a.hits.Add(1) }

// RecordMiss counts a failed or expired lookup.
func (a *Accumulator) RecordMiss() { a.misses.Add(1) }

// RecordWrite counts a completed write.
func (a *Accumulator) RecordWrite() { a.writes.Add(1) }

// RecordDelete counts a completed delete.
func (a *Accumulator) RecordDelete() { a.deletes.Add(1) }

// RecordError counts an internally-caught error before it is rethrown.
func (a *Accumulator) RecordError() { a.errors.Add(1) }

// ObserveLatency records one operation latency into the sliding window,
// overwriting the oldest sample once the window is full.
func (a *Accumulator) ObserveLatency(d time.Duration) {
	i := a.next.Add(1) - 1
	atomic.StoreInt64(&a.window[i%uint64(len(a.window))], int64(d))
}

// HitRate returns hits / (hits + misses), or 0 with no samples.
func (a *Accumulator) HitRate() float64 {
	h := a.hits.Load()
	m := a.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// ErrorRate returns errors / total recorded operations, or 0.
func (a *Accumulator) ErrorRate() float64 {
	e := a.errors.Load()
	total := a.hits.Load() + a.misses.Load() + a.writes.Load() + a.deletes.Load()
	if total == 0 {
		return 0
	}
	return float64(e) / float64(total)
}

// RecentErrors returns the error count delta since a previously observed
// total of the counter.
func (a *Accumulator) RecentErrors(since uint64) uint64 {
	e := a.errors.Load()
	if e < since {
		return e
	}
	return e - since
}

// AverageLatency returns the mean over the current window.
func (a *Accumulator) AverageLatency() time.Duration {
	n := a.next.Load()
	if n == 0 {
		return 0
	}
	size := uint64(len(a.window))
	if n > size {
		n = size
	}
	var sum int64
	for i := uint64(0); i < n; i++ {
		sum += atomic.LoadInt64(&a.window[i])
	}
	return time.Duration(sum / int64(n))
}

// Snapshot is a point-in-time copy of the counters and derived rates.
type Snapshot struct {
	Hits           uint64
	Misses         uint64
	Writes         uint64
	Deletes        uint64
	Errors         uint64
	HitRate        float64
	ErrorRate      float64
	AverageLatency time.Duration
}

// Snapshot returns a best-effort copy of the current counters.
func (a *Accumulator) Snapshot() Snapshot {
	return Snapshot{
		Hits:           a.hits.Load(),
		Misses:         a.misses.Load(),
		Writes:         a.writes.Load(),
		Deletes:        a.deletes.Load(),
		Errors:         a.errors.Load(),
		HitRate:        a.HitRate(),
		ErrorRate:      a.ErrorRate(),
		AverageLatency: a.AverageLatency(),
	}
}

// Reset zeroes all counters and discards the latency window.
func (a *Accumulator) Reset() {
	a.hits.Store(0)
	a.misses.Store(0)
	a.writes.Store(0)
	a.deletes.Store(0)
	a.errors.Store(0)
	a.next.Store(0)
	for i := range a.window {
		atomic.StoreInt64(&a.window[i], 0)
	}
}
