//go:build nonvml

// Stub used when building without the NVIDIA driver libraries.
package nvml

import (
	"context"
	"errors"

	"github.com/nvwatch/nvwatch-agent/internal/nvsmi"
)

// Resolver stub: always fails.
type Resolver struct{}

// NewResolver creates a stub Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve reports NVML as unavailable.
func (r *Resolver) Resolve(context.Context) (nvsmi.Inventory, error) {
	return nvsmi.Inventory{}, errors.New("nvml: not available (built with nonvml tag)")
}
