package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "mail:outbound", cfg.Streams.Outbound)
	assert.Equal(t, "senders", cfg.Streams.OutboundGroup)
	assert.Equal(t, "mail:outbound:dlq", cfg.Streams.OutboundDLQ)
	assert.Equal(t, "seg:builds", cfg.Streams.SegmentBuilds)
	assert.Equal(t, "seg_builders", cfg.Streams.SegmentGroup)
	assert.Equal(t, "webhooks:deliveries", cfg.Streams.WebhookQueue)
	assert.Equal(t, 3600, cfg.Streams.StatusTTLSecs)
	assert.Equal(t, 20, cfg.Workers.BatchSize)
	assert.Equal(t, 5000, cfg.Workers.BlockMS)
	assert.Equal(t, 60000, cfg.Workers.ClaimIdleMS)
	assert.Equal(t, 5, cfg.Workers.MaxRetries)
	assert.Equal(t, 15, cfg.SMTP.TimeoutSeconds)
	assert.Equal(t, "/etc/opendkim/key.table", cfg.DKIM.KeyTablePath)
	assert.Equal(t, "@hourly", cfg.DNS.SweepSchedule)
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://mail:mail@db:5432/mail?sslmode=disable
streams:
  outbound: custom:outbound
  status_ttl_seconds: 120
workers:
  batch_size: 50
  max_retries: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://mail:mail@db:5432/mail?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, "custom:outbound", cfg.Streams.Outbound)
	assert.Equal(t, 120, cfg.Streams.StatusTTLSecs)
	assert.Equal(t, 50, cfg.Workers.BatchSize)
	assert.Equal(t, 3, cfg.Workers.MaxRetries)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file-value
smtp:
  host: relay.example.com
`)

	t.Setenv("DATABASE_URL", "postgres://env-value")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("TRACKING_BASE_URL", "https://t.example.com")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-value", cfg.Database.URL)
	assert.Equal(t, "relay.example.com", cfg.SMTP.Host)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, "https://t.example.com", cfg.Tracking.BaseURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
