package config

import (
	"fmt"
	"time"

	"github.com/nvwatch/nvwatch-agent/internal/overload"
)

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.NvidiaSMIPath == "" {
		return fmt.Errorf("config: NVWATCH_NVIDIA_SMI must not be empty")
	}

	if c.SamplingInterval < time.Second {
		return fmt.Errorf("config: SamplingInterval must be >= 1s, got %v", c.SamplingInterval)
	}

	if c.SMAPeriod < 2 {
		return fmt.Errorf("config: SMAPeriod must be >= 2, got %d", c.SMAPeriod)
	}

	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("config: ResolveTimeout must be positive, got %v", c.ResolveTimeout)
	}

	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("config: HealthPort must be 1-65535, got %d", c.HealthPort)
	}

	// Policy names and thresholds share validation with the evaluator.
	if _, err := overload.NewEvaluator(c.Overload()); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}
