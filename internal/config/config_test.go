package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COORDINATOR_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, ":8090", cfg.HTTPAddr)
	assert.Empty(t, cfg.HistoryPath)
	assert.Equal(t, 500*time.Millisecond, cfg.MaxJitter())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_concurrency: 8
http_addr: ":9999"
dispatch:
  rate_per_minute: 30
  max_jitter_ms: 250
logging:
  level: debug
`), 0o644))
	t.Setenv("COORDINATOR_CONFIG_PATH", path)
	t.Setenv("COORDINATOR_MAX_CONCURRENCY", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxConcurrency, "env beats file")
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 30, cfg.Dispatch.RatePerMinute)
	assert.Equal(t, 250*time.Millisecond, cfg.MaxJitter())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrency: 0\n"), 0o644))
	t.Setenv("COORDINATOR_CONFIG_PATH", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestReadStages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stages:
  - name: market_analyst
  - name: news_analyst
  - name: trader
`), 0o644))

	names, err := readStages(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"market_analyst", "news_analyst", "trader"}, names)
}

func TestReadStagesRejectsBadRosters(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("stages: []\n"), 0o644))
	_, err := readStages(empty)
	assert.Error(t, err)

	unnamed := filepath.Join(dir, "unnamed.yaml")
	require.NoError(t, os.WriteFile(unnamed, []byte("stages:\n  - name: \"\"\n"), 0o644))
	_, err = readStages(unnamed)
	assert.Error(t, err)

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("stages:\n  - name: trader\n  - name: trader\n"), 0o644))
	_, err = readStages(dup)
	assert.Error(t, err)
}

func TestStagesWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stages:\n  - name: market_analyst\n"), 0o644))

	var mu sync.Mutex
	var got []string
	reloaded := make(chan struct{}, 4)
	sw, err := NewStagesWatcher(path, func(stages []string) {
		mu.Lock()
		got = stages
		mu.Unlock()
		reloaded <- struct{}{}
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer sw.Stop()

	require.NoError(t, sw.Start(context.Background()))
	require.NoError(t, os.WriteFile(path, []byte("stages:\n  - name: market_analyst\n  - name: trader\n"), 0o644))

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("stages reload not observed")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"market_analyst", "trader"}, got)
}

func TestStagesWatcherIgnoresInvalidUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stages:\n  - name: market_analyst\n"), 0o644))

	called := make(chan struct{}, 1)
	sw, err := NewStagesWatcher(path, func([]string) { called <- struct{}{} }, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer sw.Stop()
	require.NoError(t, sw.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("stages: []\n"), 0o644))
	select {
	case <-called:
		t.Fatal("handler must not fire for an invalid roster")
	case <-time.After(300 * time.Millisecond):
	}
}
