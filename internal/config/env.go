package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix namespaces environment overrides: CONDUCTOR_LISTEN_ADDR,
// CONDUCTOR_DATA_DIR and so on.
const envPrefix = "conductor"

// EnvPlannerAPIKey overrides the stored API key for the active planner
// provider. It is read at startup, never written to disk.
const EnvPlannerAPIKey = "CONDUCTOR_PLANNER_API_KEY"

// envOverrides mirrors the config fields an operator may override per
// process without editing config.json.
type envOverrides struct {
	ListenAddr   string `split_words:"true"`
	DataDir      string `split_words:"true"`
	LogFormat    string `split_words:"true"`
	LogLevel     string `split_words:"true"`
	RegistryPath string `split_words:"true"`
}

// ApplyEnv overlays CONDUCTOR_* environment variables onto cfg and
// revalidates. The environment wins over the file.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}

	var ov envOverrides
	if err := envconfig.Process(envPrefix, &ov); err != nil {
		return err
	}

	if v := strings.TrimSpace(ov.ListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := strings.TrimSpace(ov.DataDir); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(ov.LogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := strings.TrimSpace(ov.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(ov.RegistryPath); v != "" {
		cfg.Tools.RegistryPath = v
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config after env overrides: %w", err)
	}
	return nil
}
