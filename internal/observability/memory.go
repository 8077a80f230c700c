package observability

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// MemStatsProvider abstracts runtime.MemStats reading for testability.
type MemStatsProvider interface {
	ReadMemStats(m *runtime.MemStats)
}

type runtimeMemStatsProvider struct{}

func (runtimeMemStatsProvider) ReadMemStats(m *runtime.MemStats) {
	runtime.ReadMemStats(m)
}

// MemoryPressureMonitor polls runtime.MemStats at a regular interval and
// invokes a callback when memory usage exceeds a configurable fraction of
// GOMEMLIMIT. With automemlimit setting GOMEMLIMIT from the cgroup limit,
// this gives the agent a chance to shed memory before the kernel OOM
// killer takes interest.
type MemoryPressureMonitor struct {
	threshold float64 // 0.8 = 80%
	callback  func()  // called when pressure detected
	interval  time.Duration
	provider  MemStatsProvider
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewMemoryPressureMonitor creates a monitor that calls callback when
// memory usage exceeds threshold * GOMEMLIMIT.
// If provider is nil, the real runtime.ReadMemStats is used.
func NewMemoryPressureMonitor(threshold float64, callback func(), interval time.Duration, provider MemStatsProvider) *MemoryPressureMonitor {
	if provider == nil {
		provider = runtimeMemStatsProvider{}
	}
	return &MemoryPressureMonitor{
		threshold: threshold,
		callback:  callback,
		interval:  interval,
		provider:  provider,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background polling goroutine.
func (m *MemoryPressureMonitor) Start() {
	go m.run()
}

func (m *MemoryPressureMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.underPressure() {
				slog.Warn("memory pressure detected, triggering callback")
				m.callback()
			}
		}
	}
}

// underPressure reports whether usage exceeds the threshold relative to
// GOMEMLIMIT. When no limit is set the monitor never fires.
func (m *MemoryPressureMonitor) underPressure() bool {
	limit := debug.SetMemoryLimit(-1) // read current limit without changing it
	if limit <= 0 {
		return false
	}

	var stats runtime.MemStats
	m.provider.ReadMemStats(&stats)

	usage := stats.Sys - stats.HeapReleased
	return float64(usage)/float64(limit) > m.threshold
}

// Stop halts the background polling goroutine. Safe to call multiple times.
func (m *MemoryPressureMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}
