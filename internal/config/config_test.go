package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.SkewWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.CursorTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.ExportTTL)
	assert.Equal(t, int64(1_000_000), cfg.ExportMaxRows)
	assert.Equal(t, 2, cfg.ExportWorkers)
	assert.Equal(t, 2, cfg.ExportPerUser)
	assert.Equal(t, 60, cfg.EventsPerMinute)
	assert.Equal(t, 600, cfg.ReadsPerMinute)
	assert.Equal(t, "identity", cfg.ResolverMode)
	assert.False(t, cfg.DevAuth)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TRIAGEDECK_PORT", "9090")
	t.Setenv("TRIAGEDECK_SKEW_WINDOW", "1h")
	t.Setenv("TRIAGEDECK_DEV_AUTH", "1")
	t.Setenv("TRIAGEDECK_EXPORT_ALLOWLIST", "item_id, decision_id ,note")
	t.Setenv("DATABASE_URL", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, time.Hour, cfg.SkewWindow)
	assert.True(t, cfg.DevAuth)
	assert.Equal(t, []string{"item_id", "decision_id", "note"}, cfg.GlobalAllowlist)
	assert.Equal(t, "memory", cfg.DatabaseURL)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }},
		{"signed mode without key", func(c *Config) { c.ResolverMode = "signed"; c.ResolverKey = "" }},
		{"unknown resolver mode", func(c *Config) { c.ResolverMode = "s3" }},
		{"signed url ttl too short", func(c *Config) { c.SignedURLTTL = time.Minute }},
		{"signed url ttl too long", func(c *Config) { c.SignedURLTTL = 2 * time.Hour }},
		{"zero workers", func(c *Config) { c.ExportWorkers = 0 }},
		{"zero per-user cap", func(c *Config) { c.ExportPerUser = 0 }},
		{"negative skew", func(c *Config) { c.SkewWindow = -time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("signed mode with key", func(t *testing.T) {
		cfg := base
		cfg.ResolverMode = "signed"
		cfg.ResolverKey = "k"
		assert.NoError(t, cfg.Validate())
	})
}
