package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func loadFrom(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finsight.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("FINSIGHT_CONFIG_PATH", path)
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FINSIGHT_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Executor.Segments)
	assert.Equal(t, 30*time.Second, cfg.Executor.SegmentLength)
	assert.Equal(t, 3, cfg.Scheduler.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.StageCeiling)
	assert.Equal(t, 1000, cfg.Store.MaxSessions)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Server.Auth.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := loadFrom(t, `
executor:
  segments: 6
  segment_length: 10s
scheduler:
  concurrency: 5
  stage_ceiling: 2m
redis:
  enabled: true
  addr: redis:6379
`)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Executor.Segments)
	assert.Equal(t, 10*time.Second, cfg.Executor.SegmentLength)
	assert.Equal(t, 5, cfg.Scheduler.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.StageCeiling)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("FINSIGHT_SCHEDULER_CONCURRENCY", "7")
	cfg, err := loadFrom(t, "scheduler:\n  concurrency: 5\n")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.Concurrency)
}

func TestValidate(t *testing.T) {
	_, err := loadFrom(t, "executor:\n  segments: 0\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor.segments")

	_, err = loadFrom(t, "server:\n  auth:\n    enabled: true\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.auth.secret")

	_, err = loadFrom(t, "postgres:\n  enabled: true\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.dsn")
}

func TestWatcherFiresOnModify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate_limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_rpm: 0\n"), 0o600))

	w, err := NewWatcher(dir, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	fired := make(chan struct{}, 1)
	w.OnChange("rate_limits.yaml", func() error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(path, []byte("default_rpm: 1\n"), 0o600))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("reload handler never fired")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	fired := make(chan struct{}, 1)
	w.OnChange("rate_limits.yaml", func() error {
		fired <- struct{}{}
		return nil
	})
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))

	select {
	case <-fired:
		t.Fatal("handler fired for unrelated file")
	case <-time.After(time.Second):
	}
}
