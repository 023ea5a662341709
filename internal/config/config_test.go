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
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err, "a missing config file is not an error")

	assert.Equal(t, 7842, cfg.Port)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, "jq", cfg.JQPath)
	assert.Equal(t, 2*time.Second, cfg.JQTimeout)
	assert.Equal(t, 100, cfg.RateLimit.Cap)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, "quick", cfg.Tunnel.Mode)
	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.SessionSocketDir)
	assert.NotEmpty(t, cfg.Tunnel.ConfigPath)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9100
retention_days: 7
rate_limit:
  cap: 10
  window: 30s
tunnel:
  mode: named
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, 10, cfg.RateLimit.Cap)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, "named", cfg.Tunnel.Mode)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOOKWIRE_PORT", "9200")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not an int\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:          7842,
			RetentionDays: 30,
			RateLimit:     RateLimitConfig{Cap: 100, Window: time.Minute},
			Tunnel:        TunnelConfig{Mode: "quick"},
		}
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.Port = 0
	assert.ErrorContains(t, cfg.Validate(), "port")

	cfg = base()
	cfg.RateLimit.Cap = 0
	assert.ErrorContains(t, cfg.Validate(), "cap")

	cfg = base()
	cfg.Tunnel.Mode = "bogus"
	assert.ErrorContains(t, cfg.Validate(), "tunnel.mode")

	cfg = base()
	cfg.RetentionDays = 0
	assert.ErrorContains(t, cfg.Validate(), "retention_days")
}
