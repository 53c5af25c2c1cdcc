// Package config provides agent configuration types, loading, and validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Worker     WorkerConfig     `yaml:"worker" json:"worker"`
	Render     RenderConfig     `yaml:"render" json:"render"`
	Interrupts InterruptsConfig `yaml:"interrupts" json:"interrupts"`
	Control    ControlConfig    `yaml:"control" json:"control"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// ServerConfig points the agent at the dispatch server.
type ServerConfig struct {
	URL            string        `yaml:"url" json:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// WorkerConfig describes this worker's identity and capacity.
type WorkerConfig struct {
	ID             string   `yaml:"id" json:"id"`
	MaxConcurrency int      `yaml:"max_concurrency" json:"max_concurrency"`
	Provider       string   `yaml:"provider" json:"provider"`
	Stages         []string `yaml:"stages" json:"stages"`
	Workflows      []string `yaml:"workflows" json:"workflows"`

	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// RenderConfig is the command run for each lease. The payload ref is
// appended as the last argument.
type RenderConfig struct {
	Command []string      `yaml:"command" json:"command"`
	WorkDir string        `yaml:"work_dir" json:"work_dir"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"` // 0 means no limit
}

// InterruptsConfig contains interruption notice settings.
type InterruptsConfig struct {
	// NoticeDir is watched for notice files named after catalog entries.
	NoticeDir string `yaml:"notice_dir" json:"notice_dir"`
}

// ControlConfig contains local control API settings.
type ControlConfig struct {
	Addr string `yaml:"addr" json:"addr"` // empty disables the API
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// DefaultPath is where the agent looks for its config file when none is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "renderfleet", "agent.yaml")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            "http://localhost:3001",
			RequestTimeout: 15 * time.Second,
		},
		Worker: WorkerConfig{
			MaxConcurrency:    1,
			Stages:            []string{},
			Workflows:         []string{},
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		Interrupts: InterruptsConfig{
			NoticeDir: filepath.Join(xdg.StateHome, "renderfleet", "notices"),
		},
		Control: ControlConfig{
			Addr: "127.0.0.1:17090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file. A missing worker id falls back
// to the hostname.
func Load(path string) (*Config, error) {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve worker id: %w", err)
		}
		cfg.Worker.ID = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server url: %q", c.Server.URL)
	}
	if c.Worker.ID == "" {
		return errors.New("worker id is required")
	}
	if c.Worker.MaxConcurrency < 1 {
		return errors.New("worker max_concurrency must be at least 1")
	}
	if c.Worker.PollInterval <= 0 {
		return errors.New("worker poll_interval must be positive")
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return errors.New("worker heartbeat_interval must be positive")
	}
	if len(c.Render.Command) == 0 || c.Render.Command[0] == "" {
		return errors.New("render command is required")
	}
	if c.Render.Timeout < 0 {
		return errors.New("render timeout cannot be negative")
	}

	if c.Control.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Control.Addr); err != nil {
			return fmt.Errorf("invalid control addr: %w", err)
		}
	}

	// Validate logging level
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate logging format
	switch c.Logging.Format {
	case "text", "json":
		// Valid
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
