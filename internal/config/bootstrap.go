package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BootstrapArgs carries the flag values of `conductor bootstrap`.
type BootstrapArgs struct {
	ConfigPath string

	ListenAddr string
	DataDir    string
	LogFormat  string
	LogLevel   string

	// PlannerType/PlannerModel add an LLM provider entry and mark it active.
	// When both are empty, the config keeps the static planner.
	PlannerType    string
	PlannerModel   string
	PlannerBaseURL string
}

// Default returns the configuration bootstrap writes for a fresh install:
// static planner, bundled registry path, gateway on loopback.
func Default() *Config {
	return &Config{SchemaVersion: SchemaVersion}
}

// Bootstrap writes the config file and, when missing, a tools.yaml skeleton
// under the data dir. Re-runs preserve the planner and tool sections so a
// configured install survives the command. It returns the written config
// path and the config itself.
func Bootstrap(args BootstrapArgs) (string, *Config, error) {
	cfgPath := strings.TrimSpace(args.ConfigPath)
	if cfgPath == "" {
		cfgPath = DefaultConfigPath()
	}

	// Load previous config if present to preserve provider and tool setup.
	var prev *Config
	if c, err := Load(cfgPath); err == nil {
		prev = c
	}

	cfg := Default()
	cfg.Server.ListenAddr = strings.TrimSpace(args.ListenAddr)
	cfg.DataDir = strings.TrimSpace(args.DataDir)
	cfg.Logging.Format = strings.TrimSpace(args.LogFormat)
	cfg.Logging.Level = strings.TrimSpace(args.LogLevel)

	if prev != nil {
		cfg.Planner = prev.Planner
		cfg.Tools = prev.Tools
		if cfg.Server.ListenAddr == "" {
			cfg.Server.ListenAddr = prev.Server.ListenAddr
		}
		if cfg.DataDir == "" {
			cfg.DataDir = prev.DataDir
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = prev.Logging.Format
		}
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = prev.Logging.Level
		}
	}

	if t := strings.TrimSpace(args.PlannerType); t != "" {
		p := PlannerProvider{
			ID:      t,
			Type:    t,
			BaseURL: strings.TrimSpace(args.PlannerBaseURL),
			Model:   strings.TrimSpace(args.PlannerModel),
		}
		replaced := false
		for i := range cfg.Planner.Providers {
			if strings.TrimSpace(cfg.Planner.Providers[i].ID) == p.ID {
				cfg.Planner.Providers[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.Planner.Providers = append(cfg.Planner.Providers, p)
		}
		cfg.Planner.ActiveProviderID = p.ID
	}

	if err := Save(cfgPath, cfg); err != nil {
		return "", nil, err
	}

	if err := writeRegistrySkeleton(cfg); err != nil {
		return "", nil, err
	}
	return filepath.Clean(cfgPath), cfg, nil
}

// registrySkeleton documents the registry format and wires the bundled tool
// server so a fresh install can run plans right away.
const registrySkeleton = `# Conductor tool registry.
#
# Each server entry names a WebSocket tool endpoint and the tools it claims.
# Tool entries are exact names or trailing wildcards ("files.*").
# Credentials: set auth.bearer_token_env to an environment variable, or let
# the secrets store provide the token. auth.token_url enables refresh.
servers:
  - name: builtin
    url: ws://127.0.0.1:8791
    tools:
      - system.*
      - files.*
      - email.*
      - echo.*
`

func writeRegistrySkeleton(cfg *Config) error {
	path := cfg.Tools.EffectiveRegistryPath(cfg.EffectiveDataDir())
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(registrySkeleton), 0o600)
}
