// Package config loads the daemon configuration from a YAML file.
// Unset fields keep their defaults, and command-line flags may override
// anything afterwards.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Listen is the well-known request endpoint.
	Listen string `yaml:"listen"`

	// Root is the served directory.
	Root string `yaml:"root"`

	CanRead  bool `yaml:"can_read"`
	CanWrite bool `yaml:"can_write"`

	// Discard accepts uploads without writing them.
	Discard bool `yaml:"discard"`

	// MaxRetries bounds retransmissions of an unacknowledged datagram.
	MaxRetries int `yaml:"max_retries"`

	// TimeoutSeconds is the per-attempt retransmit interval, unless a
	// peer negotiates its own.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxBlockSize caps blksize negotiation.
	MaxBlockSize int `yaml:"max_block_size"`

	// MetricsListen enables the Prometheus endpoint when non-empty.
	MetricsListen string `yaml:"metrics_listen"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level string `yaml:"level"`

	// File, when set, sends output to a rotated log file instead of
	// stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

func Default() Config {
	return Config{
		Listen:         ":69",
		Root:           ".",
		CanRead:        true,
		CanWrite:       true,
		MaxRetries:     4,
		TimeoutSeconds: 3,
		MaxBlockSize:   1468,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults
// untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen must not be empty")
	}
	if c.Root == "" {
		return errors.New("config: root must not be empty")
	}
	if c.MaxRetries < 1 {
		return errors.New("config: max_retries must be at least 1")
	}
	if c.TimeoutSeconds < 1 || c.TimeoutSeconds > 255 {
		return errors.New("config: timeout_seconds must be in [1, 255]")
	}
	if c.MaxBlockSize < 8 || c.MaxBlockSize > 65464 {
		return errors.New("config: max_block_size must be in [8, 65464]")
	}
	if _, err := logLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Timeout is TimeoutSeconds as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
