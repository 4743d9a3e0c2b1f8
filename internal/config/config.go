// Package config loads, validates and persists the conductor configuration
// file. Secrets never live here; they are managed by internal/secrets.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const (
	// SchemaVersion is the config layout this build reads and writes.
	SchemaVersion = 1

	defaultListenAddr = "127.0.0.1:8710"
	defaultLogFormat  = "text"
	defaultLogLevel   = "info"
)

// Config is the on-disk configuration for conductor.
type Config struct {
	SchemaVersion int `json:"schema_version"`

	Server ServerConfig `json:"server"`

	// DataDir holds the database, the lockfile, audit trails and artifacts.
	// If empty, ~/.conductor is used.
	DataDir string `json:"data_dir,omitempty"`

	Logging LoggingConfig `json:"logging"`
	Planner PlannerConfig `json:"planner"`
	Tools   ToolsConfig   `json:"tools"`
}

type ServerConfig struct {
	// ListenAddr is the gateway bind address. Defaults to 127.0.0.1:8710.
	ListenAddr string `json:"listen_addr,omitempty"`
}

type LoggingConfig struct {
	// Format is "json" or "text".
	Format string `json:"format,omitempty"`
	// Level is "debug|info|warn|error".
	Level string `json:"level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.SchemaVersion != 0 && c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (this build reads %d)", c.SchemaVersion, SchemaVersion)
	}
	if addr := strings.TrimSpace(c.Server.ListenAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid server.listen_addr %q: %w", addr, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	if err := c.Planner.Validate(); err != nil {
		return fmt.Errorf("invalid planner: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("invalid tools: %w", err)
	}
	return nil
}

func (c *Config) EffectiveListenAddr() string {
	if c == nil {
		return defaultListenAddr
	}
	if addr := strings.TrimSpace(c.Server.ListenAddr); addr != "" {
		return addr
	}
	return defaultListenAddr
}

func (c *Config) EffectiveDataDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.DataDir); dir != "" {
			return dir
		}
	}
	return DefaultDataDir()
}

func (c *Config) EffectiveLogFormat() string {
	if c == nil {
		return defaultLogFormat
	}
	switch v := strings.ToLower(strings.TrimSpace(c.Logging.Format)); v {
	case "json", "text":
		return v
	default:
		return defaultLogFormat
	}
}

func (c *Config) EffectiveLogLevel() string {
	if c == nil {
		return defaultLogLevel
	}
	switch v := strings.ToLower(strings.TrimSpace(c.Logging.Level)); v {
	case "debug", "info", "warn", "error":
		return v
	default:
		return defaultLogLevel
	}
}

// DefaultDataDir returns ~/.conductor, or ".conductor" relative to the
// working directory when the home dir cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// DefaultConfigPath returns the default config path:
//
//	~/.conductor/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "conductor.config.json"
	}
	return filepath.Join(home, ".conductor", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
