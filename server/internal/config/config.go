package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int      `env:"PORT" envDefault:"8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`

	// Database
	DatabaseDSN    string `env:"DATABASE_DSN" envDefault:"sqlite3://./renderfleet.db"`
	DatabaseDriver string `env:"-"` // "postgres" or "sqlite", auto-detected from DSN
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // json | console
	LogFile   string `env:"LOG_FILE"`                     // empty logs to stdout

	// Leasing
	LeaseDuration      time.Duration `env:"LEASE_DURATION" envDefault:"5m"`
	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	AutoApproveWorkers bool          `env:"AUTO_APPROVE_WORKERS" envDefault:"false"`
	ReclaimBatchSize   int           `env:"RECLAIM_BATCH_SIZE" envDefault:"100"`

	// Reclaim sweeper
	DispatcherEnabled           bool          `env:"DISPATCHER_ENABLED" envDefault:"true"`
	DispatcherReclaimInterval   time.Duration `env:"DISPATCHER_RECLAIM_INTERVAL" envDefault:"30s"`
	DispatcherHeartbeatInterval time.Duration `env:"DISPATCHER_HEARTBEAT_INTERVAL" envDefault:"10s"`
	DispatcherHeartbeatTimeout  time.Duration `env:"DISPATCHER_HEARTBEAT_TIMEOUT" envDefault:"30s"`

	// HTTP
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBMaxOpenConns < 1 || c.DBMaxIdleConns < 0 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1 and DB_MAX_IDLE_CONNS non-negative")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("LEASE_DURATION must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.ReclaimBatchSize < 1 {
		return fmt.Errorf("RECLAIM_BATCH_SIZE must be at least 1, got %d", c.ReclaimBatchSize)
	}
	if c.DispatcherEnabled {
		if c.DispatcherReclaimInterval <= 0 || c.DispatcherHeartbeatInterval <= 0 {
			return fmt.Errorf("dispatcher intervals must be positive")
		}
		if c.DispatcherHeartbeatTimeout <= c.DispatcherHeartbeatInterval {
			return fmt.Errorf("DISPATCHER_HEARTBEAT_TIMEOUT (%s) must exceed DISPATCHER_HEARTBEAT_INTERVAL (%s)",
				c.DispatcherHeartbeatTimeout, c.DispatcherHeartbeatInterval)
		}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}
