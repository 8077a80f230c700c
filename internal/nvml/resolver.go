//go:build !nonvml

// Package nvml provides an NVML-backed inventory resolver as an alternative
// to shelling out to nvidia-smi's query mode. Build with the "nonvml" tag on
// hosts without the NVIDIA driver libraries.
package nvml

import (
	"context"
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/nvwatch/nvwatch-agent/internal/nvsmi"
)

const bytesPerMiB = 1024 * 1024

// Resolver resolves GPU inventory through NVML. Each Resolve call brackets
// its queries with Init/Shutdown so the agent holds no NVML handle between
// resolutions.
type Resolver struct {
	mu       sync.Mutex
	inFlight bool
	last     nvsmi.Inventory
}

// NewResolver creates an NVML-backed Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve queries NVML for the device inventory. Guarded the same way as
// the command resolver: a call during an in-flight resolution returns the
// last known inventory with nvsmi.ErrResolveInFlight.
func (r *Resolver) Resolve(ctx context.Context) (nvsmi.Inventory, error) {
	r.mu.Lock()
	if r.inFlight {
		last := r.last
		r.mu.Unlock()
		return last, nvsmi.ErrResolveInFlight
	}
	r.inFlight = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return nvsmi.Inventory{}, err
	}

	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nvsmi.Inventory{}, fmt.Errorf("nvml: init failed: %v", nvml.ErrorString(ret))
	}
	defer func() { _ = nvml.Shutdown() }()

	inv, err := readInventory()
	if err != nil {
		return nvsmi.Inventory{}, err
	}

	r.mu.Lock()
	r.last = inv
	r.mu.Unlock()
	return inv, nil
}

func readInventory() (nvsmi.Inventory, error) {
	var inv nvsmi.Inventory

	driver, ret := nvml.SystemGetDriverVersion()
	if ret != nvml.SUCCESS {
		return inv, fmt.Errorf("nvml: driver version: %v", nvml.ErrorString(ret))
	}
	inv.DriverVersion = driver

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return inv, fmt.Errorf("nvml: device count: %v", nvml.ErrorString(ret))
	}
	if count == 0 {
		return inv, fmt.Errorf("nvml: no devices reported")
	}

	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return inv, fmt.Errorf("nvml: device %d handle: %v", i, nvml.ErrorString(ret))
		}
		name, ret := device.GetName()
		if ret != nvml.SUCCESS {
			return inv, fmt.Errorf("nvml: device %d name: %v", i, nvml.ErrorString(ret))
		}
		mem, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			return inv, fmt.Errorf("nvml: device %d memory: %v", i, nvml.ErrorString(ret))
		}

		inv.Devices = append(inv.Devices, nvsmi.Device{
			Index:    i,
			Name:     name,
			TotalMiB: int64(mem.Total / bytesPerMiB),
		})
	}
	return inv, nil
}
