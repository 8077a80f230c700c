// Package smoothing implements a per-device sliding-window average for
// bursty utilization readings.
package smoothing

import "fmt"

// WarmupValue is returned while a window has fewer than period points.
// Reporting full load until enough data exists keeps downstream overload
// policies from under-reporting during warm-up.
const WarmupValue = 100

// Metric identifies which utilization reading a window tracks.
type Metric string

// Utilization metrics smoothed by the monitor.
const (
	MetricEncoder Metric = "encoder"
	MetricDecoder Metric = "decoder"
)

type windowKey struct {
	device int
	metric Metric
}

// window holds the last up-to-period raw points and their running sum.
type window struct {
	points []int
	sum    int
}

// SMA smooths raw percentage readings with a simple moving average of the
// last period points per (device, metric) pair. Windows are created lazily
// on first observation and never reset.
//
// Output is the integer floor of sum/period once the window is full.
type SMA struct {
	period  int
	windows map[windowKey]*window
}

// New creates an SMA with the given window size. The period must be at
// least 2; a single-point "average" would defeat the smoothing.
func New(period int) (*SMA, error) {
	if period < 2 {
		return nil, fmt.Errorf("smoothing: period must be > 1, got %d", period)
	}
	return &SMA{
		period:  period,
		windows: make(map[windowKey]*window),
	}, nil
}

// Period returns the configured window size.
func (s *SMA) Period() int { return s.period }

// Observe records a raw reading for the given device and metric and returns
// the smoothed value: WarmupValue until period points have been observed,
// then floor(sum/period) over the most recent period points.
func (s *SMA) Observe(device int, metric Metric, raw int) int {
	k := windowKey{device: device, metric: metric}
	w, ok := s.windows[k]
	if !ok {
		w = &window{points: make([]int, 0, s.period)}
		s.windows[k] = w
	}

	w.points = append(w.points, raw)
	w.sum += raw

	if len(w.points) < s.period {
		return WarmupValue
	}

	avg := w.sum / s.period

	// Slide: evict the oldest point so the next observation sees a full
	// window again.
	w.sum -= w.points[0]
	w.points = w.points[1:]

	return avg
}
