package stats_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/JEflyer/CognitionStream-sub000/internal/stats"
)

func TestAccumulator_Rates(t *testing.T) {
	a := stats.New(0)

	for i := 0; i < 8; i++ {
		a.RecordHit()
	}
	a.RecordMiss()
	a.RecordMiss()
	a.RecordWrite()
	a.RecordDelete()
	a.RecordError()

	assert.InDelta(t, 0.8, a.HitRate(), 1e-9)
	// 1 error over 12 recorded operations.
	assert.InDelta(t, 1.0/12.0, a.ErrorRate(), 1e-9)

	snap := a.Snapshot()
	assert.Equal(t, uint64(8), snap.Hits)
	assert.Equal(t, uint64(2), snap.Misses)
	assert.Equal(t, uint64(1), snap.Writes)
	assert.Equal(t, uint64(1), snap.Deletes)
	assert.Equal(t, uint64(1), snap.Errors)
}

func TestAccumulator_EmptyRates(t *testing.T) {
	a := stats.New(10)

	assert.Zero(t, a.HitRate())
	assert.Zero(t, a.ErrorRate())
	assert.Zero(t, a.AverageLatency())
}

func TestAccumulator_AverageLatency(t *testing.T) {
	a := stats.New(4)

	a.ObserveLatency(10 * time.Millisecond)
	a.ObserveLatency(20 * time.Millisecond)
	assert.Equal(t, 15*time.Millisecond, a.AverageLatency())

	// Overflowing the window keeps only the most recent samples in the
	// ring; the mean stays over at most window-size samples.
	for i := 0; i < 6; i++ {
		a.ObserveLatency(40 * time.Millisecond)
	}
	assert.Equal(t, 40*time.Millisecond, a.AverageLatency())
}

func TestAccumulator_RecentErrors(t *testing.T) {
	a := stats.New(8)

	for i := 0; i < 5; i++ {
		a.RecordError()
	}
	assert.Equal(t, uint64(5), a.RecentErrors(0))
	assert.Equal(t, uint64(2), a.RecentErrors(3))

	// A reset between observations must not underflow.
	a.Reset()
	assert.Equal(t, uint64(0), a.RecentErrors(5))
}

func TestAccumulator_Reset(t *testing.T) {
	a := stats.New(8)

	a.RecordHit()
	a.RecordError()
	a.ObserveLatency(time.Millisecond)

	a.Reset()

	snap := a.Snapshot()
	assert.Zero(t, snap.Hits)
	assert.Zero(t, snap.Errors)
	assert.Zero(t, snap.AverageLatency)
	assert.Zero(t, snap.HitRate)
}
