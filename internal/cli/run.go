package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvwatch/nvwatch-agent/internal/config"
	"github.com/nvwatch/nvwatch-agent/internal/errors"
	"github.com/nvwatch/nvwatch-agent/internal/health"
	"github.com/nvwatch/nvwatch-agent/internal/monitor"
	"github.com/nvwatch/nvwatch-agent/internal/nvml"
	"github.com/nvwatch/nvwatch-agent/internal/nvsmi"
	"github.com/nvwatch/nvwatch-agent/internal/observability"
)

// stopTimeout bounds how long shutdown waits for the terminal stopped
// event before giving up.
const stopTimeout = 10 * time.Second

// runAgent is the root command's body: load config, wire the pipeline,
// run until a signal arrives.
func runAgent(cmd *cobra.Command) error {
	if err := applyConfigFile(configFileFlag); err != nil {
		return err
	}

	cfg := config.Load()
	cfg.AgentVersion = version
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("nvwatch-agent starting",
		"version", cfg.AgentVersion,
		"instance_id", cfg.InstanceID,
		"sampling_interval", cfg.SamplingInterval,
		"sma_period", cfg.SMAPeriod,
		"use_nvml", cfg.UseNVML,
	)

	metrics := observability.NewMetrics()
	errCollector := errors.NewCollector(errors.RealClock{})

	var resolver monitor.InventorySource
	if cfg.UseNVML {
		resolver = nvml.NewResolver()
	} else {
		resolver = nvsmi.NewResolver(cfg.NvidiaSMIPath, cfg.ResolveTimeout)
	}

	mon, err := monitor.New(monitor.Config{
		BinaryPath:       cfg.NvidiaSMIPath,
		SamplingInterval: cfg.SamplingInterval,
		SMAPeriod:        cfg.SMAPeriod,
		Overload:         cfg.Overload(),
	}, resolver, errCollector, metrics)
	if err != nil {
		slog.Error("building monitor", "error", err)
		return err
	}

	healthSrv := health.NewServer(cfg.HealthPort, metrics, mon, mon, errCollector, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		return err
	}

	memMon := observability.NewMemoryPressureMonitor(0.8, func() { runtime.GC() }, 30*time.Second, nil)
	memMon.Start()

	devices, err := mon.Start(ctx)
	if err != nil {
		slog.Error("failed to start monitor", "error", err)
		memMon.Stop()
		shutdownHealth(healthSrv)
		return err
	}
	slog.Info("monitoring devices", "devices", devices)

	err = consumeEvents(ctx, mon)

	memMon.Stop()
	shutdownHealth(healthSrv)
	slog.Info("nvwatch-agent stopped")
	return err
}

// consumeEvents logs monitor notifications until the context is canceled,
// then stops the monitor and waits for the terminal stopped event.
func consumeEvents(ctx context.Context, mon *monitor.Controller) error {
	done := ctx.Done()
	var deadline <-chan time.Time

	for {
		select {
		case <-done:
			done = nil
			mon.Stop()
			t := time.NewTimer(stopTimeout)
			defer t.Stop()
			deadline = t.C
		case <-deadline:
			slog.Warn("timed out waiting for monitor to stop")
			return nil
		case ev := <-mon.Events():
			switch ev.Type {
			case monitor.EventHealthy:
				slog.Info("telemetry feed recovered")
			case monitor.EventUnhealthy:
				slog.Warn("telemetry feed is stale")
			case monitor.EventError:
				slog.Error("monitor error", "error", ev.Err)
			case monitor.EventStopped:
				return nil
			}
		}
	}
}

// applyFlags overrides loaded config values with any flags the user set.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("nvidia-smi") {
		cfg.NvidiaSMIPath, _ = flags.GetString("nvidia-smi")
	}
	if flags.Changed("interval") {
		cfg.SamplingInterval, _ = flags.GetDuration("interval")
	}
	if flags.Changed("sma-period") {
		cfg.SMAPeriod, _ = flags.GetInt("sma-period")
	}
	if flags.Changed("health-port") {
		cfg.HealthPort, _ = flags.GetInt("health-port")
	}
	if flags.Changed("use-nvml") {
		cfg.UseNVML, _ = flags.GetBool("use-nvml")
	}
	if flags.Changed("debug") {
		cfg.DebugEndpoints, _ = flags.GetBool("debug")
	}
}

func shutdownHealth(srv *health.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
}
