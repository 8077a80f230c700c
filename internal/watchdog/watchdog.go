// Package watchdog detects a stalled telemetry feed. The supervised process
// can hang without exiting, so exit detection alone is not enough; a timer
// re-armed on every accepted sample is what declares the feed stale.
package watchdog

import (
	"sync"
	"time"
)

// Timer is the handle to one outstanding expiry callback.
type Timer interface {
	Stop() bool
}

// NewTimerFunc creates a timer that runs fn after d. Injected so tests can
// drive expiry without waiting on the wall clock.
type NewTimerFunc func(d time.Duration, fn func()) Timer

// RealTimer backs the watchdog with time.AfterFunc.
func RealTimer(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Watchdog is an edge-triggered healthy/unhealthy state machine. It owns at
// most one outstanding timer. Transitions happen only on Kick (sample
// arrival) and timer expiry; OnHealthy/OnUnhealthy fire exactly on the edge,
// never while the state is unchanged.
type Watchdog struct {
	timeout  time.Duration
	newTimer NewTimerFunc

	// OnHealthy and OnUnhealthy are invoked outside the internal lock.
	OnHealthy   func()
	OnUnhealthy func()

	mu      sync.Mutex
	healthy bool
	stopped bool
	timer   Timer
	gen     uint64 // invalidates expiry callbacks from superseded timers
}

// New creates a Watchdog with the given staleness timeout. A nil newTimer
// uses real timers. The watchdog starts unhealthy and disarmed.
func New(timeout time.Duration, newTimer NewTimerFunc) *Watchdog {
	if newTimer == nil {
		newTimer = RealTimer
	}
	return &Watchdog{
		timeout:  timeout,
		newTimer: newTimer,
	}
}

// Start marks the feed healthy and arms the timer: the feed is expected to
// deliver its first sample within the timeout.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.stopped = false
	w.healthy = true
	w.armLocked()
	w.mu.Unlock()
}

// Kick records an accepted sample: the pending timer is replaced by a fresh
// one, and an unhealthy feed flips back to healthy.
func (w *Watchdog) Kick() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	recovered := !w.healthy
	w.healthy = true
	w.armLocked()
	w.mu.Unlock()

	if recovered && w.OnHealthy != nil {
		w.OnHealthy()
	}
}

// MarkUnhealthy forces the unhealthy state without waiting for expiry, used
// when the feed is known dead (process crash or failed spawn). The pending
// timer is canceled; the next Kick recovers as usual.
func (w *Watchdog) MarkUnhealthy() {
	w.mu.Lock()
	if w.stopped || !w.healthy {
		w.mu.Unlock()
		return
	}
	w.healthy = false
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if w.OnUnhealthy != nil {
		w.OnUnhealthy()
	}
}

// Stop cancels any pending timer. No transitions occur afterward until the
// next Start.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}

// Healthy reports the current feed state.
func (w *Watchdog) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

// armLocked replaces the outstanding timer. Caller holds w.mu.
func (w *Watchdog) armLocked() {
	w.gen++
	gen := w.gen
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.newTimer(w.timeout, func() { w.expire(gen) })
}

// expire handles timer expiry. A stale generation means the timer was
// superseded by a Kick or Stop racing the callback.
func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.gen || !w.healthy {
		w.mu.Unlock()
		return
	}
	w.healthy = false
	w.timer = nil
	w.mu.Unlock()

	if w.OnUnhealthy != nil {
		w.OnUnhealthy()
	}
}
