package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vajradb.yaml")
	body := []byte(`
storage:
  data_dir: /var/lib/vajradb
  pool_size: 512
concurrency:
  deadlock_detect_interval: 200ms
logger:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, body, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/vajradb", cfg.Storage.DataDir)
	require.Equal(t, 512, cfg.Storage.PoolSize)
	require.Equal(t, 200*time.Millisecond, cfg.Concurrency.DeadlockDetectInterval)
	require.Equal(t, "debug", cfg.Logger.Level)
	// Untouched fields keep their defaults.
	require.Equal(t, 4096, cfg.Storage.PageSize)
	require.Equal(t, 2, cfg.Storage.ReplacerK)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Storage.PageSize = 100
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.PoolSize = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Concurrency.DeadlockDetectInterval = 0
	require.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
