package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("cqsim", pflag.ContinueOnError)
	SetupSimFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadSimConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadSimConfig(newFlagSet(t))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 256, cfg.CQEntries)
	assert.Equal(t, 32, cfg.CQESize)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Zero(t, cfg.WCFlags)
	assert.Equal(t, uint32(5000), cfg.DurationMS)
	assert.Equal(t, 4, cfg.QPCount)
	assert.False(t, cfg.MetricsEnabled)
	assert.Empty(t, cfg.DatabaseURI)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadSimConfigPrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cq_entries: 64\nbatch_size: 4\nqp_count: 2\n"), 0644))
	t.Setenv("HWCQ_BATCH_SIZE", "8")

	cfg, err := LoadSimConfig(newFlagSet(t, "--config", path, "--qp-count", "3", "--cqe-size", "64"))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.CQEntries, "from file")
	assert.Equal(t, 8, cfg.BatchSize, "env overrides file")
	assert.Equal(t, 3, cfg.QPCount, "flag overrides file")
	assert.Equal(t, 64, cfg.CQESize)
}

func TestLoadSimConfigInvalid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := LoadSimConfig(newFlagSet(t, "--cqe-size", "48"))
	assert.ErrorContains(t, err, "cqe_size")

	_, err = LoadSimConfig(newFlagSet(t, "--batch-size", "0"))
	assert.ErrorContains(t, err, "batch_size")

	_, err = LoadSimConfig(newFlagSet(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestWriteDefaultConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "cqsim.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	cfg, err := LoadSimConfig(newFlagSet(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.CQEntries)
	assert.Equal(t, "grpc://localhost:4317", cfg.OtelCollectorAddr)
	assert.NotEmpty(t, cfg.InstanceID, "empty instance_id falls back to the hostname")
}
