package nvsmi

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queryOutputTwoDevices = `0, NVIDIA L4, 23034, 555.42.06
1, NVIDIA L4, 23034, 555.42.06
`

func TestParseQueryOutput(t *testing.T) {
	inv, err := parseQueryOutput([]byte(queryOutputTwoDevices))
	require.NoError(t, err)

	assert.Equal(t, "555.42.06", inv.DriverVersion)
	require.Len(t, inv.Devices, 2)
	assert.Equal(t, Device{Index: 0, Name: "NVIDIA L4", TotalMiB: 23034}, inv.Devices[0])
	assert.Equal(t, Device{Index: 1, Name: "NVIDIA L4", TotalMiB: 23034}, inv.Devices[1])

	assert.Equal(t, []int{0, 1}, inv.Indexes())

	total, ok := inv.TotalMiB(1)
	require.True(t, ok)
	assert.Equal(t, int64(23034), total)

	_, ok = inv.TotalMiB(7)
	assert.False(t, ok)

	assert.Equal(t, map[int]string{0: "NVIDIA L4", 1: "NVIDIA L4"}, inv.ProductNames())
}

func TestParseQueryOutput_Errors(t *testing.T) {
	tests := []struct {
		name string
		out  string
	}{
		{"empty output", ""},
		{"missing columns", "0, NVIDIA L4, 23034"},
		{"bad index", "x, NVIDIA L4, 23034, 555.42.06"},
		{"bad total", "0, NVIDIA L4, lots, 555.42.06"},
		{"zero total", "0, NVIDIA L4, 0, 555.42.06"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseQueryOutput([]byte(tt.out))
			assert.Error(t, err)
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver(DefaultBinary, time.Second)
	r.run = func(_ context.Context, path string, args ...string) ([]byte, error) {
		assert.Equal(t, DefaultBinary, path)
		assert.Contains(t, args[0], "--query-gpu=")
		return []byte(queryOutputTwoDevices), nil
	}

	inv, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Len(t, inv.Devices, 2)

	// The result is cached as Last.
	assert.Equal(t, inv, r.Last())
}

func TestResolver_CommandFailure(t *testing.T) {
	r := NewResolver("", time.Second)
	r.run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, fmt.Errorf("exec: not found")
	}

	_, err := r.Resolve(context.Background())
	assert.ErrorContains(t, err, "invoking")
}

func TestResolver_InFlightGuard(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	r := NewResolver("", time.Minute)
	r.run = func(context.Context, string, ...string) ([]byte, error) {
		close(started)
		<-release
		return []byte(queryOutputTwoDevices), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background())
		done <- err
	}()

	<-started

	// A second call while the first is in flight must not run the command
	// again; it reports the guard error and the (empty) last inventory.
	inv, err := r.Resolve(context.Background())
	assert.ErrorIs(t, err, ErrResolveInFlight)
	assert.Empty(t, inv.Devices)

	close(release)
	require.NoError(t, <-done)

	// Once the first resolution lands, a guarded caller would see it.
	assert.Len(t, r.Last().Devices, 2)
}
