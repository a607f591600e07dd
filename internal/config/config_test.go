package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/ingestfs/internal/domain"
)

func TestLoadDefaultsWithoutAFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, domain.DefaultPoolConfiguration().MaxBuffers, cfg.Pools.MaxBuffers)
	require.Equal(t, domain.DefaultBatchConfiguration().BaseBatchSize, cfg.Batch.BaseBatchSize)
	require.Equal(t, 100, cfg.Watch.DebounceWindowMS)
	require.Equal(t, int64(30), int64(cfg.Adaptive.SizingInterval().Seconds()))
}

func TestLoadOverlaysFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingestfs.yaml")
	contents := "logging:\n  level: debug\nbatch:\n  base_batch_size: 128\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 128, cfg.Batch.BaseBatchSize)
}

func TestLoadOverlaysFromEnv(t *testing.T) {
	t.Setenv("INGESTFS_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
