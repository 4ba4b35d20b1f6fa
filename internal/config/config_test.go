package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "localhost:8000", cfg.ServerAddr)
		assert.Equal(t, "chatcore.db", cfg.DatabasePath)
		assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
		assert.Equal(t, 100, cfg.ReplayWindow)
		assert.Equal(t, 256, cfg.WriterQueueSize)
		assert.Equal(t, 1000, cfg.SendBufferSize)
		assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
		assert.Empty(t, cfg.AllowedOrigins)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("SERVER_ADDR", "0.0.0.0:9000")
		t.Setenv("HEARTBEAT_INTERVAL", "5s")
		t.Setenv("REPLAY_WINDOW", "25")
		t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0:9000", cfg.ServerAddr)
		assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
		assert.Equal(t, 25, cfg.ReplayWindow)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		t.Setenv("REPLAY_WINDOW", "0")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("malformed duration", func(t *testing.T) {
		t.Setenv("SESSION_TTL", "not-a-duration")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ServerAddr:        "localhost:8000",
			DatabasePath:      "chatcore.db",
			HeartbeatInterval: 30 * time.Second,
			ReplayWindow:      100,
			WriterQueueSize:   256,
			SendBufferSize:    1000,
			SessionTTL:        24 * time.Hour,
		}
	}

	require.NoError(t, valid().Validate())

	tt := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.ServerAddr = "" }},
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"negative replay window", func(c *Config) { c.ReplayWindow = -1 }},
		{"zero writer queue", func(c *Config) { c.WriterQueueSize = 0 }},
		{"zero send buffer", func(c *Config) { c.SendBufferSize = 0 }},
		{"zero session ttl", func(c *Config) { c.SessionTTL = 0 }},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
