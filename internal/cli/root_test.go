package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvwatch/nvwatch-agent/internal/config"
)

func TestApplyConfigFile(t *testing.T) {
	os.Unsetenv("NVWATCH_SMA_PERIOD")
	os.Unsetenv("NVWATCH_NVIDIA_SMI")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sma_period: 6\nnvidia_smi: /opt/bin/nvidia-smi\n"), 0o644))

	require.NoError(t, applyConfigFile(path))
	t.Cleanup(func() {
		os.Unsetenv("NVWATCH_SMA_PERIOD")
		os.Unsetenv("NVWATCH_NVIDIA_SMI")
	})

	cfg := config.Load()
	assert.Equal(t, 6, cfg.SMAPeriod)
	assert.Equal(t, "/opt/bin/nvidia-smi", cfg.NvidiaSMIPath)
}

func TestApplyConfigFile_EnvWins(t *testing.T) {
	t.Setenv("NVWATCH_SMA_PERIOD", "12")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sma_period: 6\n"), 0o644))

	require.NoError(t, applyConfigFile(path))

	cfg := config.Load()
	assert.Equal(t, 12, cfg.SMAPeriod)
}

func TestApplyConfigFile_Missing(t *testing.T) {
	assert.Error(t, applyConfigFile("/nonexistent/config.yaml"))
	assert.NoError(t, applyConfigFile(""))
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "v1.2.3", formatVersion("v1.2.3"))
}
