// Package monitor orchestrates the telemetry pipeline: supervised dmon
// process in, parsed samples through smoothing and overload policies, and a
// small query/lifecycle API out.
package monitor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nvwatch/nvwatch-agent/internal/errors"
	"github.com/nvwatch/nvwatch-agent/internal/nvsmi"
	"github.com/nvwatch/nvwatch-agent/internal/observability"
	"github.com/nvwatch/nvwatch-agent/internal/overload"
	"github.com/nvwatch/nvwatch-agent/internal/smoothing"
	"github.com/nvwatch/nvwatch-agent/internal/supervisor"
	"github.com/nvwatch/nvwatch-agent/internal/watchdog"
)

// Status is the externally visible lifecycle state of the monitor.
type Status string

// Monitor lifecycle states. Stopping is the transient state between a stop
// request and the child process exit that finalizes it.
const (
	StatusStopped  Status = "stopped"
	StatusStarted  Status = "started"
	StatusStopping Status = "stopping"
)

// Lifecycle usage errors. These are synchronous and non-retryable: the
// caller is expected to check status, not retry.
var (
	ErrAlreadyStarted = stderrors.New("monitor: already started")
	ErrNotStarted     = stderrors.New("monitor: not started")
)

// EventType tags an outbound notification.
type EventType string

// Notification kinds emitted on the events channel.
const (
	EventHealthy   EventType = "healthy"
	EventUnhealthy EventType = "unhealthy"
	EventError     EventType = "error"
	EventStopped   EventType = "stopped"
)

// Event is one outbound notification. Err is set for EventError only.
type Event struct {
	Type EventType
	Err  error
}

// InventorySource resolves static GPU metadata.
type InventorySource interface {
	Resolve(ctx context.Context) (nvsmi.Inventory, error)
}

// MemStat is the memory part of one device statistic.
type MemStat struct {
	Free int64 `json:"free"`
}

// UsageStat is the smoothed utilization part of one device statistic.
type UsageStat struct {
	Enc int `json:"enc"`
	Dec int `json:"dec"`
}

// Statistic is the per-device view published after each completed sweep.
type Statistic struct {
	Core  int       `json:"core"`
	Mem   MemStat   `json:"mem"`
	Usage UsageStat `json:"usage"`
}

// Config parameterizes the monitor. Policy or period mistakes surface from
// New, never from a later evaluation.
type Config struct {
	BinaryPath       string        // nvidia-smi executable
	SamplingInterval time.Duration // dmon tick; watchdog timeout is 2x this
	SMAPeriod        int           // utilization smoothing window, > 1
	Overload         overload.Config
}

// eventBuffer bounds the outbound notification channel. Sends never block
// the pipeline; a lagging consumer loses events instead.
const eventBuffer = 16

// resolveTimeout bounds the one-shot inventory command.
const resolveTimeout = 10 * time.Second

// processSupervisor is the slice of supervisor.Supervisor the controller
// drives, abstracted for tests.
type processSupervisor interface {
	Start()
	Stop()
}

// Controller owns the watchdog, the device set, and the live sample maps.
// The supervisor owns the child process; all communication between them is
// the per-line callback and the exit hooks.
type Controller struct {
	cfg       Config
	resolver  InventorySource
	evaluator *overload.Evaluator
	metrics   *observability.Metrics
	errs      *errors.Collector
	wd        *watchdog.Watchdog
	events    chan Event

	// newSupervisor is swapped in tests to avoid spawning real processes.
	newSupervisor func(supervisor.Hooks) processSupervisor

	mu         sync.Mutex
	status     Status
	sup        processSupervisor
	sma        *smoothing.SMA
	inventory  nvsmi.Inventory
	refreshing bool

	// current-cycle accumulators, cleared at every sweep boundary
	cycleMem map[int]overload.MemorySample
	cycleEnc map[int]int
	cycleDec map[int]int

	// published state from the last completed sweep
	latestMem  map[int]overload.MemorySample
	latestEnc  map[int]int
	latestDec  map[int]int
	overloaded bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a Controller. Invalid policy configuration or smoothing
// period is rejected here.
func New(cfg Config, resolver InventorySource, errCollector *errors.Collector, metrics *observability.Metrics) (*Controller, error) {
	if cfg.SamplingInterval <= 0 {
		return nil, fmt.Errorf("monitor: sampling interval must be positive, got %v", cfg.SamplingInterval)
	}
	if cfg.SMAPeriod < 2 {
		return nil, fmt.Errorf("monitor: smoothing period must be > 1, got %d", cfg.SMAPeriod)
	}
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = nvsmi.DefaultBinary
	}

	evaluator, err := overload.NewEvaluator(cfg.Overload)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:       cfg,
		resolver:  resolver,
		evaluator: evaluator,
		metrics:   metrics,
		errs:      errCollector,
		events:    make(chan Event, eventBuffer),
		status:    StatusStopped,
	}
	c.wd = watchdog.New(2*cfg.SamplingInterval, nil)
	c.wd.OnHealthy = c.feedHealthy
	c.wd.OnUnhealthy = c.feedUnhealthy
	c.newSupervisor = func(h supervisor.Hooks) processSupervisor {
		return supervisor.New(cfg.BinaryPath, nvsmi.DmonArgs(cfg.SamplingInterval), h)
	}
	return c, nil
}

// Events returns the outbound notification channel. Consumers that lag
// behind eventBuffer pending notifications lose the excess.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start resolves the GPU inventory and launches the supervised dmon
// process. It fails if the monitor is not currently stopped or if the
// inventory cannot be resolved. On success it returns the known device
// indexes and the feed is considered healthy.
func (c *Controller) Start(ctx context.Context) ([]int, error) {
	c.mu.Lock()
	if c.status != StatusStopped {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.mu.Unlock()

	inv, err := c.resolver.Resolve(ctx)
	if err != nil {
		c.metrics.InventoryResolutions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("monitor: resolving inventory: %w", err)
	}
	c.metrics.InventoryResolutions.WithLabelValues("success").Inc()

	sma, err := smoothing.New(c.cfg.SMAPeriod)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.status != StatusStopped {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.inventory = inv
	c.sma = sma
	c.latestMem, c.latestEnc, c.latestDec = nil, nil, nil
	c.overloaded = false
	c.resetCycleLocked()
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	sup := c.newSupervisor(supervisor.Hooks{
		OnLine:       c.handleLine,
		OnSpawnError: c.handleSpawnError,
		OnCrash:      c.handleCrash,
		OnStopped:    c.handleStopped,
	})
	c.sup = sup
	c.status = StatusStarted
	c.mu.Unlock()

	c.wd.Start()
	c.metrics.WatchHealthy.Set(1)
	sup.Start()

	slog.Info("monitor started",
		"devices", len(inv.Devices),
		"driver", inv.DriverVersion,
		"interval", c.cfg.SamplingInterval,
	)
	return inv.Indexes(), nil
}

// Stop initiates shutdown. Already stopped is a no-op; a second call while
// stopping has no additional effect. The transition to Stopped is observed
// asynchronously through the terminal EventStopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.status != StatusStarted {
		c.mu.Unlock()
		return
	}
	c.status = StatusStopping
	sup := c.sup
	cancel := c.runCancel
	c.mu.Unlock()

	slog.Info("monitor stopping")
	c.wd.Stop()
	if cancel != nil {
		cancel()
	}
	sup.Stop()
}

// IsWatchHealthy reports whether telemetry is arriving on schedule.
func (c *Controller) IsWatchHealthy() (bool, error) {
	if err := c.requireLive(); err != nil {
		return false, err
	}
	return c.wd.Healthy(), nil
}

// IsOverloaded reports the decision from the last completed sweep.
func (c *Controller) IsOverloaded() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusStopped {
		return false, ErrNotStarted
	}
	return c.overloaded, nil
}

// Statistics returns one entry per known device from the last completed
// sweep. Before the first sweep completes the list is empty.
func (c *Controller) Statistics() ([]Statistic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusStopped {
		return nil, ErrNotStarted
	}

	stats := make([]Statistic, 0, len(c.latestMem))
	for _, d := range c.inventory.Indexes() {
		mem, ok := c.latestMem[d]
		if !ok {
			continue
		}
		stats = append(stats, Statistic{
			Core:  d,
			Mem:   MemStat{Free: mem.Free},
			Usage: UsageStat{Enc: c.latestEnc[d], Dec: c.latestDec[d]},
		})
	}
	return stats, nil
}

// DriverVersion returns the driver version from the resolved inventory.
func (c *Controller) DriverVersion() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusStopped {
		return "", ErrNotStarted
	}
	return c.inventory.DriverVersion, nil
}

// ProductNames returns the device-index-to-product-name map.
func (c *Controller) ProductNames() (map[int]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusStopped {
		return nil, ErrNotStarted
	}
	return c.inventory.ProductNames(), nil
}

// IsReady implements the health server's readiness contract: started and
// receiving telemetry on schedule.
func (c *Controller) IsReady() bool {
	c.mu.Lock()
	started := c.status == StatusStarted
	c.mu.Unlock()
	return started && c.wd.Healthy()
}

// LatestStatistics implements the health server's debug contract. It
// returns nil when the monitor is not live.
func (c *Controller) LatestStatistics() interface{} {
	stats, err := c.Statistics()
	if err != nil {
		return nil
	}
	return stats
}

func (c *Controller) requireLive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusStopped {
		return ErrNotStarted
	}
	return nil
}

// handleLine is the supervisor's per-line callback. Lines arrive strictly
// in emission order on a single goroutine; sweep detection depends on that.
func (c *Controller) handleLine(line string) {
	sample, ok := nvsmi.ParseDmonLine(line)
	if !ok {
		c.metrics.LinesSkipped.Inc()
		return
	}
	c.metrics.SamplesParsed.Inc()

	// Any accepted sample proves the feed is alive.
	c.wd.Kick()

	refresh := false
	c.mu.Lock()
	if c.status != StatusStarted {
		c.mu.Unlock()
		return
	}

	total, known := c.inventory.TotalMiB(sample.Device)
	if !known {
		// A device not in the inventory means the fleet changed under us.
		c.mu.Unlock()
		slog.Debug("sample for unknown device", "device", sample.Device)
		c.refreshInventory()
		return
	}

	mem := overload.MemorySample{Total: total, Free: total - sample.UsedMiB}
	if sample.UsedMiB == nvsmi.UnknownMiB {
		mem = overload.MemorySample{Total: -1, Free: -1}
	}

	if _, dup := c.cycleMem[sample.Device]; dup {
		// The device reported twice before the sweep filled: the previous
		// cycle ended short, so the fleet must have shrunk.
		slog.Debug("incomplete sweep rolled over", "device", sample.Device, "seen", len(c.cycleMem))
		c.resetCycleLocked()
		refresh = true
	}

	c.cycleMem[sample.Device] = mem
	c.cycleEnc[sample.Device] = sample.EncoderPct
	c.cycleDec[sample.Device] = sample.DecoderPct

	if len(c.cycleMem) == len(c.inventory.Devices) {
		c.completeSweepLocked()
	}
	c.mu.Unlock()

	if refresh {
		c.refreshInventory()
	}
}

// completeSweepLocked smooths the finished sweep, evaluates overload
// policies, publishes the results, and clears the accumulators. Caller
// holds c.mu.
func (c *Controller) completeSweepLocked() {
	mem := make(map[int]overload.MemorySample, len(c.cycleMem))
	enc := make(map[int]int, len(c.cycleEnc))
	dec := make(map[int]int, len(c.cycleDec))

	for d, s := range c.cycleMem {
		mem[d] = s
		enc[d] = c.sma.Observe(d, smoothing.MetricEncoder, c.cycleEnc[d])
		dec[d] = c.sma.Observe(d, smoothing.MetricDecoder, c.cycleDec[d])
	}

	decision := c.evaluator.Evaluate(mem, enc, dec)

	c.latestMem, c.latestEnc, c.latestDec = mem, enc, dec
	c.overloaded = decision.Overloaded
	c.resetCycleLocked()

	c.metrics.SweepsTotal.Inc()
	c.metrics.Overloaded.Set(observability.BoolValue(decision.Overloaded))
	c.metrics.OverloadDimension.WithLabelValues("memory").Set(observability.BoolValue(decision.Memory))
	c.metrics.OverloadDimension.WithLabelValues("encoder").Set(observability.BoolValue(decision.Encoder))
	c.metrics.OverloadDimension.WithLabelValues("decoder").Set(observability.BoolValue(decision.Decoder))
	for d, s := range mem {
		c.metrics.DeviceFreeMiB.WithLabelValues(observability.DeviceLabel(d)).Set(float64(s.Free))
		c.metrics.SmoothedUtil.WithLabelValues(observability.DeviceLabel(d), "encoder").Set(float64(enc[d]))
		c.metrics.SmoothedUtil.WithLabelValues(observability.DeviceLabel(d), "decoder").Set(float64(dec[d]))
	}
}

func (c *Controller) resetCycleLocked() {
	c.cycleMem = make(map[int]overload.MemorySample)
	c.cycleEnc = make(map[int]int)
	c.cycleDec = make(map[int]int)
}

// refreshInventory re-resolves device metadata in the background. The
// resolver's in-flight guard plus the refreshing flag keep concurrent
// triggers from stacking resolutions. A failed refresh is reported but the
// monitor keeps running on the stale device set.
func (c *Controller) refreshInventory() {
	c.mu.Lock()
	if c.refreshing || c.status != StatusStarted {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	ctx := c.runCtx
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.refreshing = false
			c.mu.Unlock()
		}()

		rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		defer cancel()

		inv, err := c.resolver.Resolve(rctx)
		if stderrors.Is(err, nvsmi.ErrResolveInFlight) {
			return
		}
		if err != nil {
			c.metrics.InventoryResolutions.WithLabelValues("error").Inc()
			c.errs.Report(errors.MonitorError{
				Code:      errors.ErrInventoryResolution,
				Message:   err.Error(),
				Component: "monitor",
				Timestamp: time.Now().UnixMilli(),
				Err:       err,
			})
			c.publish(Event{Type: EventError, Err: err})
			slog.Warn("inventory refresh failed, keeping stale device set", "error", err)
			return
		}
		c.metrics.InventoryResolutions.WithLabelValues("success").Inc()

		c.mu.Lock()
		if c.status == StatusStarted {
			c.inventory = inv
			c.resetCycleLocked()
		}
		c.mu.Unlock()
		slog.Info("inventory refreshed", "devices", len(inv.Devices))
	}()
}

func (c *Controller) handleSpawnError(err error) {
	c.errs.Report(errors.MonitorError{
		Code:      errors.ErrSpawnFailed,
		Message:   err.Error(),
		Component: "supervisor",
		Timestamp: time.Now().UnixMilli(),
		Err:       err,
	})
	c.metrics.SpawnFailures.Inc()
	c.publish(Event{Type: EventError, Err: err})
	c.wd.MarkUnhealthy()
}

func (c *Controller) handleCrash(err error) {
	c.errs.Report(errors.MonitorError{
		Code:      errors.ErrProcessCrashed,
		Message:   err.Error(),
		Component: "supervisor",
		Timestamp: time.Now().UnixMilli(),
		Err:       err,
	})
	c.metrics.ProcessRestarts.Inc()
	c.publish(Event{Type: EventError, Err: err})
	c.wd.MarkUnhealthy()
}

func (c *Controller) handleStopped() {
	c.mu.Lock()
	c.status = StatusStopped
	c.sup = nil
	c.mu.Unlock()

	slog.Info("monitor stopped")
	c.publish(Event{Type: EventStopped})
}

func (c *Controller) feedHealthy() {
	c.metrics.WatchHealthy.Set(1)
	c.publish(Event{Type: EventHealthy})
}

func (c *Controller) feedUnhealthy() {
	c.metrics.WatchHealthy.Set(0)
	c.errs.Report(errors.MonitorError{
		Code:      errors.ErrFeedStale,
		Message:   "telemetry feed is not arriving on schedule",
		Component: "watchdog",
		Timestamp: time.Now().UnixMilli(),
	})
	c.publish(Event{Type: EventUnhealthy})
}

// publish delivers a notification without ever blocking the pipeline.
func (c *Controller) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.metrics.EventsDropped.Inc()
		slog.Warn("event dropped, consumer lagging", "type", ev.Type)
	}
}
