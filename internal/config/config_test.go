package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, 60*time.Second, cfg.Session.StaleAfter)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	data := `
server:
  port: 9090
session:
  stale_after: 90s
pricing:
  basic_price: 750
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Session.StaleAfter)
	assert.Equal(t, int64(750), cfg.Pricing.BasicPrice)
	// Untouched fields keep defaults.
	assert.Equal(t, Default().Pricing.PremiumPrice, cfg.Pricing.PremiumPrice)
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	t.Setenv("KEYGATE_SERVER_PORT", "7070")
	t.Setenv("KEYGATE_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"zero stale window", func(c *Config) { c.Session.StaleAfter = 0 }},
		{"zero sweep interval", func(c *Config) { c.Session.SweepInterval = 0 }},
		{"free licenses", func(c *Config) { c.Pricing.BasicPrice = 0 }},
		{"zero duration", func(c *Config) { c.Pricing.DurationDays = 0 }},
		{"no rate limit", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPriceFor(t *testing.T) {
	cfg := Default().Pricing

	price, ok := cfg.PriceFor("basic")
	assert.True(t, ok)
	assert.Equal(t, cfg.BasicPrice, price)

	price, ok = cfg.PriceFor("premium")
	assert.True(t, ok)
	assert.Equal(t, cfg.PremiumPrice, price)

	_, ok = cfg.PriceFor("enterprise")
	assert.False(t, ok)
}
