package rcode

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResilienceDecrementsByOne(t *testing.T) {
	h := newFakeHost(1)
	v := NewView(SyncOnce, 0, 1, 3, h, h, NewEntity(1))
	assert.Equal(t, 2.0, v.UpdateRes())
	assert.Equal(t, 1.0, v.UpdateRes())
	assert.Equal(t, 0.0, v.UpdateRes())
	assert.Equal(t, 0.0, v.UpdateRes(), "clamped at zero")

	inf := NewView(SyncOnce, 0, 1, InfiniteResilience, h, h, NewEntity(1))
	inf.ModRes(-10)
	assert.Equal(t, float64(InfiniteResilience), inf.UpdateRes())
}

func TestConcurrentModsAreAveraged(t *testing.T) {
	h := newFakeHost(1)
	v := NewView(SyncOnce, 0, 0.5, 1, h, h, NewEntity(1))

	deltas := []float64{0.1, 0.3, -0.1, 0.1}
	var wg sync.WaitGroup
	for _, d := range deltas {
		wg.Add(1)
		go func(d float64) {
			defer wg.Done()
			v.ModSln(d)
		}(d)
	}
	wg.Wait()
	assert.InDelta(t, 0.6, v.UpdateSln(0, 1), 1e-9)
}

func TestSetIsDeltaAgainstCurrent(t *testing.T) {
	h := newFakeHost(1)
	v := NewView(SyncOnce, 0, 0.2, 1, h, h, NewEntity(1))
	v.SetSln(0.8)
	v.ModSln(0.2)
	// (0.6 + 0.2) / 2
	assert.InDelta(t, 0.6, v.UpdateSln(0, 1), 1e-9)

	v.ModSln(5)
	assert.Equal(t, 1.0, v.UpdateSln(0, 1), "clamped to [0,1]")
}

func TestHighLowPeriods(t *testing.T) {
	h := newFakeHost(1)
	v := NewView(SyncOnce, 0, 0.9, 1, h, h, NewEntity(1))
	v.UpdateSln(0.1, 0.8)
	v.UpdateSln(0.1, 0.8)
	assert.Equal(t, 2, v.PeriodsAtHighSln())
	v.SetSln(0.5)
	v.UpdateSln(0.1, 0.8)
	assert.Equal(t, 0, v.PeriodsAtHighSln())
	assert.Equal(t, 0, v.PeriodsAtLowSln())
}

func TestSlnDelta(t *testing.T) {
	h := newFakeHost(1)
	v := NewView(SyncOnce, 0, 0.4, 1, h, h, NewEntity(1))
	v.ModSln(0.2)
	v.UpdateSln(0, 1)
	assert.InDelta(t, 0.2, v.UpdateSlnDelta(), 1e-9)
	assert.InDelta(t, 0, v.UpdateSlnDelta(), 1e-9)
}

func TestSyncModeString(t *testing.T) {
	assert.Equal(t, "hold", SyncHold.String())
	assert.Equal(t, "unknown(9)", SyncMode(9).String())
}
