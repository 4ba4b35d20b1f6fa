package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the server reads at startup. All values are
// overridable from the environment; the zero-config defaults run a local
// single-node instance.
type Config struct {
	ServerAddr   string `env:"SERVER_ADDR" envDefault:"localhost:8000"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"chatcore.db"`

	// HeartbeatInterval is the expected client heartbeat cadence. A
	// connection silent for twice this interval is treated as dead, and
	// the presence sweep runs at half of it.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`

	// ReplayWindow bounds how many missed messages a reconnecting client
	// receives directly before being told to fall back to paginated
	// history.
	ReplayWindow int `env:"REPLAY_WINDOW" envDefault:"100"`

	WriterQueueSize int `env:"WRITER_QUEUE_SIZE" envDefault:"256"`
	SendBufferSize  int `env:"SEND_BUFFER_SIZE" envDefault:"1000"`

	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.ReplayWindow <= 0 {
		return fmt.Errorf("replay window must be positive")
	}
	if c.WriterQueueSize <= 0 {
		return fmt.Errorf("writer queue size must be positive")
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("send buffer size must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	return nil
}
