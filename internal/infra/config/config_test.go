package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, ":8090", cfg.Gateway.Addr)
	assert.Equal(t, 30*time.Second, cfg.Gateway.ProxyTimeout)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Empty(t, cfg.Gateway.Secret)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
gateway:
  addr: ":9100"
  secret: "s3cret"
  proxy_timeout: 10s
heartbeat:
  interval: 5s
logger:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Gateway.Addr)
	assert.Equal(t, "s3cret", cfg.Gateway.Secret)
	assert.Equal(t, 10*time.Second, cfg.Gateway.ProxyTimeout)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, "json", cfg.Logger.Format)
	// Untouched fields keep defaults.
	assert.Equal(t, int64(10*1024*1024), cfg.Gateway.MaxBodyBytes)
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("PORTICO_SECRET", "env-secret")
	t.Setenv("PORTICO_ADDR", ":7000")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Gateway.Secret)
	assert.Equal(t, ":7000", cfg.Gateway.Addr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
gateway:
  secret: "file-secret"
`)
	t.Setenv("PORTICO_SECRET", "env-secret")
	t.Setenv("PORTICO_HEARTBEAT_INTERVAL", "12s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Gateway.Secret)
	assert.Equal(t, 12*time.Second, cfg.Heartbeat.Interval)
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	path := writeConfig(t, `
gateway:
  addr: ":9100"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero proxy timeout", func(c *Config) { c.Gateway.ProxyTimeout = 0 }},
		{"zero heartbeat", func(c *Config) { c.Heartbeat.Interval = 0 }},
		{"bad logger format", func(c *Config) { c.Logger.Format = "xml" }},
		{"zero send queue", func(c *Config) { c.Gateway.SendQueueSize = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Gateway.Secret = "s"
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoadRejectsLooseFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  secret: s\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0600")
}
