// Package config loads process configuration from the environment.
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Shared infrastructure
	NATSURL       string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"16"`

	// Relational store
	DBDriver      string   `env:"DB_DRIVER" envDefault:"postgres"`
	DBDSN         string   `env:"DB_DSN" envDefault:"host=127.0.0.1 port=5432 user=tinyim password=tinyim dbname=tinyim sslmode=disable"`
	DBReplicaDSNs []string `env:"DB_REPLICA_DSNS" envSeparator:";"`
	DBMaxOpen     int      `env:"DB_MAX_OPEN" envDefault:"16"`
	DBMaxIdle     int      `env:"DB_MAX_IDLE" envDefault:"4"`

	// Gateway
	GatewayAddr       string `env:"GATEWAY_ADDR" envDefault:":8080"`
	GatewayPublicAddr string `env:"GATEWAY_PUBLIC_ADDR" envDefault:"127.0.0.1:8080"`
	MaxConnections    int    `env:"GATEWAY_MAX_CONNECTIONS" envDefault:"10000"`
	// MinFreeMemory rejects upgrades when the host has less free memory
	// than this (bytes). 0 disables the check.
	MinFreeMemory uint64 `env:"GATEWAY_MIN_FREE_MEMORY" envDefault:"134217728"`

	// Session engine
	HandshakeTimeout time.Duration `env:"SESSION_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	IdleTimeout      time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"5s"`
	WriteTimeout     time.Duration `env:"SESSION_WRITE_TIMEOUT" envDefault:"5s"`
	SendQueueSize    int           `env:"SESSION_SEND_QUEUE" envDefault:"256"`
	MsgRatePerSec    float64       `env:"SESSION_MSG_RATE" envDefault:"20"`
	MsgRateBurst     int           `env:"SESSION_MSG_BURST" envDefault:"100"`

	// Ephemeral record lifetimes
	SessionTTL  time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	LocationTTL time.Duration `env:"LOCATION_TTL" envDefault:"60s"`

	// RPC
	RPCTimeout  time.Duration `env:"RPC_TIMEOUT" envDefault:"5s"`
	PushTimeout time.Duration `env:"PUSH_TIMEOUT" envDefault:"2s"`

	// Services
	TokenSecret string `env:"TOKEN_SECRET" envDefault:"tinyim-dev-secret"`
}

// Load reads the optional .env file then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load() // absent .env is fine

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
	if c.MaxConnections < 1 {
		return fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("SESSION_SEND_QUEUE must be > 0, got %d", c.SendQueueSize)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive, got %s", c.IdleTimeout)
	}
	if c.SessionTTL <= 0 || c.LocationTTL <= 0 {
		return fmt.Errorf("SESSION_TTL and LOCATION_TTL must be positive")
	}
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	return nil
}

// LogConfig emits the effective configuration at startup.
func (c *Config) LogConfig(log zerolog.Logger) {
	log.Info().
		Str("nats_url", c.NATSURL).
		Str("redis_addr", c.RedisAddr).
		Str("db_driver", c.DBDriver).
		Int("db_replicas", len(c.DBReplicaDSNs)).
		Str("gateway_addr", c.GatewayAddr).
		Str("gateway_public_addr", c.GatewayPublicAddr).
		Int("max_connections", c.MaxConnections).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("session_ttl", c.SessionTTL).
		Dur("location_ttl", c.LocationTTL).
		Dur("rpc_timeout", c.RPCTimeout).
		Msg("Configuration loaded")
}
