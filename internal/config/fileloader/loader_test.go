package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/commitwatch/internal/config"
)

const sampleConfig = `
feed_url: https://ghe.example.com/api/v3/events
interval: 120s
workers: 8
remote: true
retry:
  max_attempts: 5
  initial_wait: 2s
  max_wait: 1m
scanner:
  binary_path: /opt/trufflehog
  config_path: /etc/commitwatch/detectors.yaml
storage:
  postgres_dsn: postgres://cw:cw@localhost:5432/commitwatch
`

func TestLoadParsesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commitwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "https://ghe.example.com/api/v3/events", cfg.FeedURL)
	assert.Equal(t, config.Duration(2*time.Minute), cfg.Interval)
	assert.Equal(t, 8, cfg.Workers)
	assert.True(t, cfg.Remote)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, config.Duration(2*time.Second), cfg.Retry.InitialWait)
	assert.Equal(t, "/opt/trufflehog", cfg.Scanner.BinaryPath)
	assert.Equal(t, "postgres://cw:cw@localhost:5432/commitwatch", cfg.Storage.PostgresDSN)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewFileLoader("/nonexistent/commitwatch.yaml").Load(context.Background())
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [not a number"), 0o644))

	_, err := NewFileLoader(path).Load(context.Background())
	assert.Error(t, err)
}
