package config

import (
	"os"
	"testing"
	"time"

	"github.com/nvwatch/nvwatch-agent/internal/overload"
)

// helper to clear all NVWATCH_ env vars before each test
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"NVWATCH_INSTANCE_ID",
		"NVWATCH_NVIDIA_SMI",
		"NVWATCH_SAMPLING_INTERVAL",
		"NVWATCH_SMA_PERIOD",
		"NVWATCH_RESOLVE_TIMEOUT",
		"NVWATCH_HEALTH_PORT",
		"NVWATCH_MEMORY_POLICY",
		"NVWATCH_MEMORY_MIN_FREE_MIB",
		"NVWATCH_MEMORY_HIGH_WATERMARK",
		"NVWATCH_ENCODER_POLICY",
		"NVWATCH_ENCODER_HIGH_WATERMARK",
		"NVWATCH_DECODER_POLICY",
		"NVWATCH_DECODER_HIGH_WATERMARK",
		"NVWATCH_USE_NVML",
		"NVWATCH_DEBUG_ENDPOINTS",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.InstanceID == "" {
		t.Error("InstanceID should be auto-generated when empty")
	}
	if cfg.NvidiaSMIPath != "nvidia-smi" {
		t.Errorf("NvidiaSMIPath = %q, want %q", cfg.NvidiaSMIPath, "nvidia-smi")
	}
	if cfg.SamplingInterval != time.Second {
		t.Errorf("SamplingInterval = %v, want 1s", cfg.SamplingInterval)
	}
	if cfg.SMAPeriod != 4 {
		t.Errorf("SMAPeriod = %d, want 4", cfg.SMAPeriod)
	}
	if cfg.ResolveTimeout != 10*time.Second {
		t.Errorf("ResolveTimeout = %v, want 10s", cfg.ResolveTimeout)
	}
	if cfg.HealthPort != 8080 {
		t.Errorf("HealthPort = %d, want 8080", cfg.HealthPort)
	}
	if cfg.MemoryPolicy != overload.PolicyFixed {
		t.Errorf("MemoryPolicy = %q, want %q", cfg.MemoryPolicy, overload.PolicyFixed)
	}
	if cfg.MemoryMinFreeMiB != 1024 {
		t.Errorf("MemoryMinFreeMiB = %d, want 1024", cfg.MemoryMinFreeMiB)
	}
	if cfg.EncoderPolicy != overload.PolicyRate {
		t.Errorf("EncoderPolicy = %q, want %q", cfg.EncoderPolicy, overload.PolicyRate)
	}
	if cfg.EncoderHighWatermark != 0.9 {
		t.Errorf("EncoderHighWatermark = %v, want 0.9", cfg.EncoderHighWatermark)
	}
	if cfg.UseNVML {
		t.Error("UseNVML should default to false")
	}
	if cfg.DebugEndpoints {
		t.Error("DebugEndpoints should default to false")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("NVWATCH_INSTANCE_ID", "gpu-node-7")
	t.Setenv("NVWATCH_NVIDIA_SMI", "/usr/local/bin/nvidia-smi")
	t.Setenv("NVWATCH_SAMPLING_INTERVAL", "2s")
	t.Setenv("NVWATCH_SMA_PERIOD", "8")
	t.Setenv("NVWATCH_MEMORY_POLICY", "rate")
	t.Setenv("NVWATCH_MEMORY_HIGH_WATERMARK", "0.85")
	t.Setenv("NVWATCH_USE_NVML", "true")
	t.Setenv("NVWATCH_DEBUG_ENDPOINTS", "true")

	cfg := Load()

	if cfg.InstanceID != "gpu-node-7" {
		t.Errorf("InstanceID = %q, want %q", cfg.InstanceID, "gpu-node-7")
	}
	if cfg.NvidiaSMIPath != "/usr/local/bin/nvidia-smi" {
		t.Errorf("NvidiaSMIPath = %q", cfg.NvidiaSMIPath)
	}
	if cfg.SamplingInterval != 2*time.Second {
		t.Errorf("SamplingInterval = %v, want 2s", cfg.SamplingInterval)
	}
	if cfg.SMAPeriod != 8 {
		t.Errorf("SMAPeriod = %d, want 8", cfg.SMAPeriod)
	}
	if cfg.MemoryPolicy != overload.PolicyRate {
		t.Errorf("MemoryPolicy = %q, want rate", cfg.MemoryPolicy)
	}
	if cfg.MemoryHighWatermark != 0.85 {
		t.Errorf("MemoryHighWatermark = %v, want 0.85", cfg.MemoryHighWatermark)
	}
	if !cfg.UseNVML {
		t.Error("UseNVML should be true")
	}
	if !cfg.DebugEndpoints {
		t.Error("DebugEndpoints should be true")
	}
}

func TestLoad_DurationSecondsFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("NVWATCH_SAMPLING_INTERVAL", "5")

	cfg := Load()
	if cfg.SamplingInterval != 5*time.Second {
		t.Errorf("SamplingInterval = %v, want 5s", cfg.SamplingInterval)
	}
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("NVWATCH_SMA_PERIOD", "not-a-number")
	t.Setenv("NVWATCH_SAMPLING_INTERVAL", "soon")
	t.Setenv("NVWATCH_MEMORY_HIGH_WATERMARK", "high")
	t.Setenv("NVWATCH_USE_NVML", "maybe")

	cfg := Load()
	if cfg.SMAPeriod != 4 {
		t.Errorf("SMAPeriod = %d, want default 4", cfg.SMAPeriod)
	}
	if cfg.SamplingInterval != time.Second {
		t.Errorf("SamplingInterval = %v, want default 1s", cfg.SamplingInterval)
	}
	if cfg.MemoryHighWatermark != 0.9 {
		t.Errorf("MemoryHighWatermark = %v, want default 0.9", cfg.MemoryHighWatermark)
	}
	if cfg.UseNVML {
		t.Error("UseNVML should fall back to false")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		clearEnv(t)
		return Load()
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"empty binary path", func(c *Config) { c.NvidiaSMIPath = "" }, true},
		{"sub-second interval", func(c *Config) { c.SamplingInterval = 500 * time.Millisecond }, true},
		{"period of one", func(c *Config) { c.SMAPeriod = 1 }, true},
		{"zero resolve timeout", func(c *Config) { c.ResolveTimeout = 0 }, true},
		{"port out of range", func(c *Config) { c.HealthPort = 70000 }, true},
		{"unknown memory policy", func(c *Config) { c.MemoryPolicy = "adaptive" }, true},
		{"fixed policy without threshold", func(c *Config) {
			c.MemoryPolicy = overload.PolicyFixed
			c.MemoryMinFreeMiB = 0
		}, true},
		{"watermark above one", func(c *Config) { c.EncoderHighWatermark = 1.2 }, true},
		{"none policies", func(c *Config) {
			c.MemoryPolicy = overload.PolicyNone
			c.EncoderPolicy = overload.PolicyNone
			c.DecoderPolicy = overload.PolicyNone
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected an error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
