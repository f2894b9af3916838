package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.Batch.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Batch.MaxWait)
	assert.Equal(t, "loom-batch-files", cfg.Storage.Container)
	assert.Equal(t, "127.0.0.1:4318", cfg.Tracing.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	content := `
data_dir: /var/lib/loom
provider:
  api_key: sk-test
  model: gpt-4o
batch:
  poll_interval: 10s
  max_wait: 2h
events:
  url: nats://localhost:4222
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/loom", cfg.DataDir)
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
	assert.Equal(t, "gpt-4o", cfg.Provider.Model)
	assert.Equal(t, 10*time.Second, cfg.Batch.PollInterval)
	assert.Equal(t, 2*time.Hour, cfg.Batch.MaxWait)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.URL)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from-file\nprovider:\n  api_key: from-file\n"), 0o644))

	t.Setenv("LOOM_DATA_DIR", "/from-env")
	t.Setenv("LOOM_PROVIDER_API_KEY", "from-env")
	t.Setenv("LOOM_BATCH_POLL_INTERVAL", "5s")
	t.Setenv("LOOM_TRACING_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from-env", cfg.DataDir)
	assert.Equal(t, "from-env", cfg.Provider.APIKey)
	assert.Equal(t, 5*time.Second, cfg.Batch.PollInterval)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestBatchKeyDefaultsToProviderKey(t *testing.T) {
	t.Setenv("LOOM_PROVIDER_API_KEY", "sk-shared")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-shared", cfg.Batch.APIKey)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "data", cfg.DataDir)
}

func TestValidateRejectsDegenerateIntervals(t *testing.T) {
	t.Setenv("LOOM_BATCH_POLL_INTERVAL", "100ms")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("LOOM_BATCH_POLL_INTERVAL", "1m")
	t.Setenv("LOOM_BATCH_MAX_WAIT", "30s")
	_, err = Load("")
	assert.Error(t, err)
}
