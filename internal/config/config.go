package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nvwatch/nvwatch-agent/internal/overload"
)

// Config holds all agent configuration values.
type Config struct {
	InstanceID       string        // NVWATCH_INSTANCE_ID, default: random UUID
	NvidiaSMIPath    string        // NVWATCH_NVIDIA_SMI, default: "nvidia-smi" (PATH lookup)
	SamplingInterval time.Duration // NVWATCH_SAMPLING_INTERVAL, default: 1s
	SMAPeriod        int           // NVWATCH_SMA_PERIOD, default: 4
	ResolveTimeout   time.Duration // NVWATCH_RESOLVE_TIMEOUT, default: 10s
	HealthPort       int           // NVWATCH_HEALTH_PORT, default: 8080
	AgentVersion     string

	// Overload policies
	MemoryPolicy         string  // NVWATCH_MEMORY_POLICY, default: "fixed"
	MemoryMinFreeMiB     int64   // NVWATCH_MEMORY_MIN_FREE_MIB, default: 1024
	MemoryHighWatermark  float64 // NVWATCH_MEMORY_HIGH_WATERMARK, default: 0.9
	EncoderPolicy        string  // NVWATCH_ENCODER_POLICY, default: "rate"
	EncoderHighWatermark float64 // NVWATCH_ENCODER_HIGH_WATERMARK, default: 0.9
	DecoderPolicy        string  // NVWATCH_DECODER_POLICY, default: "rate"
	DecoderHighWatermark float64 // NVWATCH_DECODER_HIGH_WATERMARK, default: 0.9

	// UseNVML switches inventory resolution from the one-shot nvidia-smi
	// query to the NVML library. NVWATCH_USE_NVML, default: false.
	UseNVML bool

	// DebugEndpoints enables pprof and the debug routes on the health
	// port. NVWATCH_DEBUG_ENDPOINTS, default: false.
	DebugEndpoints bool
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		InstanceID:       os.Getenv("NVWATCH_INSTANCE_ID"),
		NvidiaSMIPath:    envOrDefault("NVWATCH_NVIDIA_SMI", "nvidia-smi"),
		SamplingInterval: parseDuration("NVWATCH_SAMPLING_INTERVAL", time.Second),
		SMAPeriod:        parseInt("NVWATCH_SMA_PERIOD", 4),
		ResolveTimeout:   parseDuration("NVWATCH_RESOLVE_TIMEOUT", 10*time.Second),
		HealthPort:       parseInt("NVWATCH_HEALTH_PORT", 8080),

		MemoryPolicy:         envOrDefault("NVWATCH_MEMORY_POLICY", overload.PolicyFixed),
		MemoryMinFreeMiB:     parseInt64("NVWATCH_MEMORY_MIN_FREE_MIB", 1024),
		MemoryHighWatermark:  parseFloat("NVWATCH_MEMORY_HIGH_WATERMARK", 0.9),
		EncoderPolicy:        envOrDefault("NVWATCH_ENCODER_POLICY", overload.PolicyRate),
		EncoderHighWatermark: parseFloat("NVWATCH_ENCODER_HIGH_WATERMARK", 0.9),
		DecoderPolicy:        envOrDefault("NVWATCH_DECODER_POLICY", overload.PolicyRate),
		DecoderHighWatermark: parseFloat("NVWATCH_DECODER_HIGH_WATERMARK", 0.9),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	cfg.UseNVML = parseBool("NVWATCH_USE_NVML", false)
	cfg.DebugEndpoints = parseBool("NVWATCH_DEBUG_ENDPOINTS", false)

	return cfg
}

// Overload maps the policy fields into the evaluator's configuration.
func (c Config) Overload() overload.Config {
	return overload.Config{
		MemoryPolicy:         c.MemoryPolicy,
		MemoryMinFreeMiB:     c.MemoryMinFreeMiB,
		MemoryHighWatermark:  c.MemoryHighWatermark,
		EncoderPolicy:        c.EncoderPolicy,
		EncoderHighWatermark: c.EncoderHighWatermark,
		DecoderPolicy:        c.DecoderPolicy,
		DecoderHighWatermark: c.DecoderHighWatermark,
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer seconds
	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
