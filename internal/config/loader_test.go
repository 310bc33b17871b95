package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.Equal(t, 4, cfg.Workers.Count)
		assert.Equal(t, 2, cfg.Workers.MaxRetries)
		assert.Equal(t, 10*time.Minute, cfg.Workers.AlignmentTimeout)

		assert.Equal(t, "https://rest.ensembl.org", cfg.Annotation.BaseURL)
		assert.Equal(t, 200, cfg.Annotation.BatchSize)
		assert.True(t, cfg.Annotation.FallbackEnabled)
		// An unset recoder URL follows the base URL so the fallback
		// always has a reachable endpoint.
		assert.Equal(t, cfg.Annotation.BaseURL, cfg.Annotation.RecoderURL)

		assert.Equal(t, int64(50_000), cfg.Data.IndexThreshold)
		assert.True(t, cfg.Data.Snapshots)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load("", overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Non-overridden values remain default.
		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, 4, cfg.Workers.Count)
	})

	t.Run("RecoderURLFollowsBaseURL", func(t *testing.T) {
		cfg, err := Load("", map[string]any{
			"annotation": map[string]any{
				"base_url": "https://annotations.internal",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "https://annotations.internal", cfg.Annotation.RecoderURL)

		cfg, err = Load("", map[string]any{
			"annotation": map[string]any{
				"base_url":    "https://annotations.internal",
				"recoder_url": "https://recoder.internal",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "https://recoder.internal", cfg.Annotation.RecoderURL)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("BIOENGINE_SERVER_PORT", "3000")
		t.Setenv("BIOENGINE_LOGGING_LEVEL", "warn")
		t.Setenv("BIOENGINE_WORKERS_COUNT", "8")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 8, cfg.Workers.Count)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "bioengine.yaml")
		content := `
server:
  port: 8888
workers:
  count: 2
  retry_backoff: 1s
annotation:
  batch_size: 50
data:
  dir: /var/lib/bioengine
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 8888, cfg.Server.Port)
		assert.Equal(t, 2, cfg.Workers.Count)
		assert.Equal(t, time.Second, cfg.Workers.RetryBackoff)
		assert.Equal(t, 50, cfg.Annotation.BatchSize)
		assert.Equal(t, "/var/lib/bioengine", cfg.Data.Dir)
	})

	t.Run("MissingConfigFile", func(t *testing.T) {
		_, err := Load("/does/not/exist.yaml")
		require.Error(t, err)
	})

	t.Run("InvalidWorkers", func(t *testing.T) {
		_, err := Load("", map[string]any{
			"workers": map[string]any{"count": 0},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "workers.count")
	})

	t.Run("MissingAnnotationURL", func(t *testing.T) {
		_, err := Load("", map[string]any{
			"annotation": map[string]any{"base_url": ""},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "annotation.base_url")
	})
}

func TestServerAddr(t *testing.T) {
	s := Server{Host: "127.0.0.1", Port: 9999}
	assert.Equal(t, "127.0.0.1:9999", s.Addr())
}
