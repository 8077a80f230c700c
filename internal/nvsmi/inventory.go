package nvsmi

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultBinary is the nvidia-smi executable resolved from PATH.
const DefaultBinary = "nvidia-smi"

// ErrResolveInFlight is returned by Resolve when another resolution is
// already running. The caller still receives the last known inventory,
// which may be stale.
var ErrResolveInFlight = errors.New("nvsmi: inventory resolution already in flight")

// queryArgs asks for one CSV row per device with no header and no units
// (memory.total comes back as plain MiB).
var queryArgs = []string{
	"--query-gpu=index,name,memory.total,driver_version",
	"--format=csv,noheader,nounits",
}

// Device is the static description of one GPU.
type Device struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	TotalMiB int64  `json:"memory_total_mib"`
}

// Inventory is the resolved static metadata for the whole host.
type Inventory struct {
	DriverVersion string   `json:"driver_version"`
	Devices       []Device `json:"devices"`
}

// TotalMiB returns the total memory of the device with the given index.
func (inv Inventory) TotalMiB(index int) (int64, bool) {
	for _, d := range inv.Devices {
		if d.Index == index {
			return d.TotalMiB, true
		}
	}
	return 0, false
}

// Indexes returns the known device indexes in ascending order.
func (inv Inventory) Indexes() []int {
	idx := make([]int, 0, len(inv.Devices))
	for _, d := range inv.Devices {
		idx = append(idx, d.Index)
	}
	sort.Ints(idx)
	return idx
}

// ProductNames returns a device-index-to-product-name map.
func (inv Inventory) ProductNames() map[int]string {
	names := make(map[int]string, len(inv.Devices))
	for _, d := range inv.Devices {
		names[d.Index] = d.Name
	}
	return names
}

// commandRunner abstracts the one-shot command invocation for testability.
type commandRunner func(ctx context.Context, path string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, path string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, path, args...).Output()
}

// Resolver performs one-shot inventory resolution against nvidia-smi.
//
// Resolve is reentrancy-guarded: a call that arrives while another is in
// flight does not launch a second command; it returns the last resolved
// inventory together with ErrResolveInFlight.
type Resolver struct {
	path    string
	timeout time.Duration
	run     commandRunner

	mu       sync.Mutex
	inFlight bool
	last     Inventory
}

// NewResolver creates a Resolver invoking the given nvidia-smi binary with
// the given per-call timeout.
func NewResolver(path string, timeout time.Duration) *Resolver {
	if path == "" {
		path = DefaultBinary
	}
	return &Resolver{
		path:    path,
		timeout: timeout,
		run:     runCommand,
	}
}

// Resolve invokes nvidia-smi and parses the device inventory. Errors cover
// both invocation failures and unparseable output.
func (r *Resolver) Resolve(ctx context.Context) (Inventory, error) {
	r.mu.Lock()
	if r.inFlight {
		last := r.last
		r.mu.Unlock()
		return last, ErrResolveInFlight
	}
	r.inFlight = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.run(ctx, r.path, queryArgs...)
	if err != nil {
		return Inventory{}, fmt.Errorf("nvsmi: invoking %s: %w", r.path, err)
	}

	inv, err := parseQueryOutput(out)
	if err != nil {
		return Inventory{}, err
	}

	r.mu.Lock()
	r.last = inv
	r.mu.Unlock()
	return inv, nil
}

// Last returns the most recently resolved inventory, zero if none yet.
func (r *Resolver) Last() Inventory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// parseQueryOutput parses "index, name, memory.total, driver_version" CSV
// rows. Unlike the dmon stream, the query output is not expected to carry
// noise: any malformed row is an error, not a skip.
func parseQueryOutput(out []byte) (Inventory, error) {
	var inv Inventory

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			return Inventory{}, fmt.Errorf("nvsmi: malformed query row %q", line)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		index, err := strconv.Atoi(parts[0])
		if err != nil || index < 0 {
			return Inventory{}, fmt.Errorf("nvsmi: bad device index in row %q", line)
		}
		total, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || total <= 0 {
			return Inventory{}, fmt.Errorf("nvsmi: bad total memory in row %q", line)
		}

		inv.Devices = append(inv.Devices, Device{
			Index:    index,
			Name:     parts[1],
			TotalMiB: total,
		})
		// All rows report the same driver; the last one wins.
		inv.DriverVersion = parts[3]
	}

	if len(inv.Devices) == 0 {
		return Inventory{}, errors.New("nvsmi: query returned no devices")
	}
	return inv, nil
}
