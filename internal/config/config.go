package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	Environment string `env:"APP_ENV" envDefault:"development"`
	InstanceID  string `env:"INSTANCE_ID"`

	// Database
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/puzzlearena?sslmode=disable"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Server
	Port        string `env:"APP_PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// Presence
	PresenceSocketTTLSeconds int `env:"PRESENCE_SOCKET_TTL_SECONDS" envDefault:"90"`
	PresenceRefreshSeconds   int `env:"PRESENCE_REFRESH_SECONDS" envDefault:"30"`
	ReconcileLockSeconds     int `env:"RECONCILE_LOCK_SECONDS" envDefault:"15"`

	// Matchmaking
	QueueExpiryMinutes int `env:"QUEUE_EXPIRY_MINUTES" envDefault:"30"`
	QueueSweepSeconds  int `env:"QUEUE_SWEEP_SECONDS" envDefault:"60"`
	OpTimeoutSeconds   int `env:"OP_TIMEOUT_SECONDS" envDefault:"5"`

	// Security
	JWTSecret string `env:"JWT_SECRET" envDefault:"change-me-in-production"`
}

// Load reads an optional .env file and parses the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.PresenceSocketTTLSeconds <= 0 {
		return nil, fmt.Errorf("PRESENCE_SOCKET_TTL_SECONDS must be positive")
	}
	if cfg.PresenceRefreshSeconds <= 0 || cfg.PresenceRefreshSeconds >= cfg.PresenceSocketTTLSeconds {
		return nil, fmt.Errorf("PRESENCE_REFRESH_SECONDS must be positive and below the socket TTL")
	}
	if cfg.QueueExpiryMinutes <= 0 {
		return nil, fmt.Errorf("QUEUE_EXPIRY_MINUTES must be positive")
	}
	if cfg.QueueSweepSeconds <= 0 {
		return nil, fmt.Errorf("QUEUE_SWEEP_SECONDS must be positive")
	}
	return &cfg, nil
}

func (c *Config) PresenceSocketTTL() time.Duration {
	return time.Duration(c.PresenceSocketTTLSeconds) * time.Second
}

func (c *Config) PresenceRefreshInterval() time.Duration {
	return time.Duration(c.PresenceRefreshSeconds) * time.Second
}

func (c *Config) ReconcileLockTTL() time.Duration {
	return time.Duration(c.ReconcileLockSeconds) * time.Second
}

func (c *Config) QueueExpiry() time.Duration {
	return time.Duration(c.QueueExpiryMinutes) * time.Minute
}

func (c *Config) QueueSweepInterval() time.Duration {
	return time.Duration(c.QueueSweepSeconds) * time.Second
}

func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutSeconds) * time.Second
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
