// Package config loads peninsula settings from YAML. Command line flags
// are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Address is a host, host:port, ws:// URL or team number.
	Address    string        `yaml:"address"`
	ClientName string        `yaml:"client_name"`
	TimeSync   time.Duration `yaml:"time_sync"`
	Archive    ArchiveConfig `yaml:"archive"`
	Metrics    MetricsConfig `yaml:"metrics"`
	Log        LogConfig     `yaml:"log"`
	// Match restricts watch output to paths containing any of these.
	Match []string `yaml:"match"`
}

type ArchiveConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Address:  "localhost",
		TimeSync: 5 * time.Second,
		Archive:  ArchiveConfig{Dir: "peninsula-archive"},
		Metrics:  MetricsConfig{Listen: ":9810"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values and fills in defaults for empty ones.
func (c *Config) Validate() error {
	c.Address = strings.TrimSpace(c.Address)
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalid)
	}
	if c.TimeSync < 0 {
		return fmt.Errorf("%w: time_sync must be >= 0", ErrInvalid)
	}
	if c.TimeSync == 0 {
		c.TimeSync = 5 * time.Second
	}

	switch strings.ToLower(c.Log.Level) {
	case "":
		c.Log.Level = "info"
	case "debug", "info", "warn", "error":
		c.Log.Level = strings.ToLower(c.Log.Level)
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "":
		c.Log.Format = "text"
	case "text", "json":
		c.Log.Format = strings.ToLower(c.Log.Format)
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}
