// Package config loads server configuration from the environment, with an
// optional .env file for development. Priority: env vars > .env > defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	// Server basics
	Addr     string `env:"RC_ADDR" envDefault:":8080"`
	ServerID string `env:"RC_SERVER_ID"` // generated when empty

	// Namespaces pre-registered at startup, comma-separated. A path ending
	// in "/" expects one trailing dynamic segment (e.g. "/game/").
	Namespaces string `env:"RC_NAMESPACES" envDefault:"/chat"`

	// Backplane
	Broker              string        `env:"RC_BROKER" envDefault:"memory"` // memory | nats
	NATSURL             string        `env:"RC_NATS_URL" envDefault:"nats://localhost:4222"`
	NATSMaxReconnects   int           `env:"RC_NATS_MAX_RECONNECTS" envDefault:"-1"`
	NATSReconnectWait   time.Duration `env:"RC_NATS_RECONNECT_WAIT" envDefault:"2s"`
	NATSReconnectJitter time.Duration `env:"RC_NATS_RECONNECT_JITTER" envDefault:"500ms"`
	NATSPingInterval    time.Duration `env:"RC_NATS_PING_INTERVAL" envDefault:"20s"`
	NATSMaxPingsOut     int           `env:"RC_NATS_MAX_PINGS_OUT" envDefault:"3"`

	// Shared membership state
	State         string `env:"RC_STATE" envDefault:"memory"` // memory | redis
	RedisAddr     string `env:"RC_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"RC_REDIS_PASSWORD"`
	RedisDB       int    `env:"RC_REDIS_DB" envDefault:"0"`

	// Connection limits
	SendBuffer     int     `env:"RC_SEND_BUFFER" envDefault:"256"`
	ReadLimit      int64   `env:"RC_READ_LIMIT" envDefault:"65536"`
	AcceptRate     float64 `env:"RC_ACCEPT_RATE" envDefault:"0"` // 0 disables
	AcceptBurst    int     `env:"RC_ACCEPT_BURST" envDefault:"32"`
	MaxConnections int     `env:"RC_MAX_CONNECTIONS" envDefault:"10000"`

	// Heartbeat. Interval is the sweep period; Stagger spaces the ping
	// batches inside one sweep; PongTimeout bounds the wait for each pong.
	HeartbeatInterval time.Duration `env:"RC_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatStagger  time.Duration `env:"RC_HEARTBEAT_STAGGER" envDefault:"50ms"`
	HeartbeatBatch    int           `env:"RC_HEARTBEAT_BATCH" envDefault:"64"`
	PongTimeout       time.Duration `env:"RC_PONG_TIMEOUT" envDefault:"10s"`

	// Auth. When JWTSecret is set, upgrade requests must carry a valid
	// HMAC-signed token in the "token" query parameter or bearer header.
	JWTSecret string `env:"RC_JWT_SECRET"`

	// Metrics
	MetricsEnabled bool   `env:"RC_METRICS_ENABLED" envDefault:"true"`
	MetricsAddr    string `env:"RC_METRICS_ADDR" envDefault:":9090"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RC_ADDR is required")
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("RC_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("RC_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.PongTimeout <= 0 {
		return fmt.Errorf("RC_PONG_TIMEOUT must be > 0, got %s", c.PongTimeout)
	}
	if c.HeartbeatBatch < 1 {
		return fmt.Errorf("RC_HEARTBEAT_BATCH must be > 0, got %d", c.HeartbeatBatch)
	}

	switch c.Broker {
	case "memory", "nats":
	default:
		return fmt.Errorf("RC_BROKER must be memory or nats, got %q", c.Broker)
	}
	switch c.State {
	case "memory", "redis":
	default:
		return fmt.Errorf("RC_STATE must be memory or redis, got %q", c.State)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be json or pretty (got %q)", c.LogFormat)
	}

	for _, ns := range c.NamespaceList() {
		if !strings.HasPrefix(ns, "/") {
			return fmt.Errorf("namespace %q must start with /", ns)
		}
	}
	return nil
}

// NamespaceList splits the configured namespace string.
func (c *Config) NamespaceList() []string {
	var result []string
	for _, ns := range strings.Split(c.Namespaces, ",") {
		if trimmed := strings.TrimSpace(ns); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// LogConfig emits the loaded configuration as one structured record.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("namespaces", c.Namespaces).
		Str("broker", c.Broker).
		Str("state", c.State).
		Int("send_buffer", c.SendBuffer).
		Int("max_connections", c.MaxConnections).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_stagger", c.HeartbeatStagger).
		Int("heartbeat_batch", c.HeartbeatBatch).
		Dur("pong_timeout", c.PongTimeout).
		Bool("metrics_enabled", c.MetricsEnabled).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
