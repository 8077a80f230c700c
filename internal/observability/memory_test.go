package observability

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeMemStatsProvider returns pre-configured MemStats for testing.
type fakeMemStatsProvider struct {
	sys          uint64
	heapReleased uint64
}

func (f *fakeMemStatsProvider) ReadMemStats(m *runtime.MemStats) {
	m.Sys = f.sys
	m.HeapReleased = f.heapReleased
}

func TestMemoryPressureMonitor_ThresholdExceeded(t *testing.T) {
	origLimit := debug.SetMemoryLimit(-1)
	debug.SetMemoryLimit(100) // 100 bytes limit for test
	defer debug.SetMemoryLimit(origLimit)

	var called atomic.Int32
	provider := &fakeMemStatsProvider{
		sys:          90, // usage = 90, ratio 0.9 > 0.8 threshold
		heapReleased: 0,
	}

	mon := NewMemoryPressureMonitor(0.8, func() {
		called.Add(1)
	}, 10*time.Millisecond, provider)

	mon.Start()
	time.Sleep(50 * time.Millisecond)
	mon.Stop()

	assert.Greater(t, called.Load(), int32(0), "callback should have been called")
}

func TestMemoryPressureMonitor_BelowThreshold(t *testing.T) {
	origLimit := debug.SetMemoryLimit(-1)
	debug.SetMemoryLimit(100)
	defer debug.SetMemoryLimit(origLimit)

	var called atomic.Int32
	provider := &fakeMemStatsProvider{
		sys:          50, // usage = 50, ratio 0.5 < 0.8 threshold
		heapReleased: 0,
	}

	mon := NewMemoryPressureMonitor(0.8, func() {
		called.Add(1)
	}, 10*time.Millisecond, provider)

	mon.Start()
	time.Sleep(50 * time.Millisecond)
	mon.Stop()

	assert.Equal(t, int32(0), called.Load(), "callback should not have been called")
}

func TestMemoryPressureMonitor_HugeLimitNeverFires(t *testing.T) {
	origLimit := debug.SetMemoryLimit(-1)
	debug.SetMemoryLimit(1 << 62)
	defer debug.SetMemoryLimit(origLimit)

	var called atomic.Int32
	provider := &fakeMemStatsProvider{
		sys:          1000,
		heapReleased: 0,
	}

	mon := NewMemoryPressureMonitor(0.8, func() {
		called.Add(1)
	}, 10*time.Millisecond, provider)

	mon.Start()
	time.Sleep(50 * time.Millisecond)
	mon.Stop()

	assert.Equal(t, int32(0), called.Load())
}

func TestMemoryPressureMonitor_StopIsIdempotent(t *testing.T) {
	mon := NewMemoryPressureMonitor(0.8, func() {}, 10*time.Millisecond, &fakeMemStatsProvider{})
	mon.Start()
	mon.Stop()
	mon.Stop()
}
