package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for agent self-monitoring.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Telemetry feed metrics
	SamplesParsed prometheus.Counter
	LinesSkipped  prometheus.Counter
	SweepsTotal   prometheus.Counter

	// Process supervision metrics
	ProcessRestarts prometheus.Counter
	SpawnFailures   prometheus.Counter

	// Inventory metrics
	InventoryResolutions *prometheus.CounterVec

	// Fleet state metrics
	WatchHealthy      prometheus.Gauge
	Overloaded        prometheus.Gauge
	OverloadDimension *prometheus.GaugeVec
	DeviceFreeMiB     *prometheus.GaugeVec
	SmoothedUtil      *prometheus.GaugeVec

	// Event delivery metrics
	EventsDropped prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SamplesParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvwatch_agent_samples_parsed_total",
			Help: "Total number of telemetry rows parsed into device samples.",
		}),
		LinesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvwatch_agent_lines_skipped_total",
			Help: "Total number of telemetry lines skipped (headers, malformed rows).",
		}),
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvwatch_agent_sweeps_total",
			Help: "Total number of completed full-fleet sample sweeps.",
		}),

		ProcessRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvwatch_agent_process_restarts_total",
			Help: "Total number of diagnostic process restarts after a crash.",
		}),
		SpawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvwatch_agent_spawn_failures_total",
			Help: "Total number of failed diagnostic process launches.",
		}),

		InventoryResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nvwatch_agent_inventory_resolutions_total",
			Help: "Total number of GPU inventory resolutions.",
		}, []string{"status"}),

		WatchHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nvwatch_agent_watch_healthy",
			Help: "Whether the telemetry feed is arriving on schedule (1 = healthy).",
		}),
		Overloaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nvwatch_agent_overloaded",
			Help: "Whether any overload policy currently trips (1 = overloaded).",
		}),
		OverloadDimension: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nvwatch_agent_overload_dimension",
			Help: "Per-dimension overload decision (1 = overloaded).",
		}, []string{"dimension"}),
		DeviceFreeMiB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nvwatch_agent_device_free_mib",
			Help: "Free device memory in MiB from the latest sweep (-1 = unreadable).",
		}, []string{"device"}),
		SmoothedUtil: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nvwatch_agent_smoothed_utilization_percent",
			Help: "Smoothed encoder/decoder utilization from the latest sweep.",
		}, []string{"device", "metric"}),

		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvwatch_agent_events_dropped_total",
			Help: "Total number of outbound notifications dropped by a slow consumer.",
		}),
	}

	// Register all metrics with the custom registry.
	reg.MustRegister(
		m.SamplesParsed,
		m.LinesSkipped,
		m.SweepsTotal,
		m.ProcessRestarts,
		m.SpawnFailures,
		m.InventoryResolutions,
		m.WatchHealthy,
		m.Overloaded,
		m.OverloadDimension,
		m.DeviceFreeMiB,
		m.SmoothedUtil,
		m.EventsDropped,
	)

	return m
}

// DeviceLabel renders a device index as a metric label value.
func DeviceLabel(device int) string {
	return strconv.Itoa(device)
}

// BoolValue renders a boolean decision as a gauge value.
func BoolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
