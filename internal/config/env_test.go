package config

import (
	"strings"
	"testing"
)

func TestApplyEnv_OverridesFileValues(t *testing.T) {
	t.Setenv("CONDUCTOR_LISTEN_ADDR", "0.0.0.0:9200")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "debug")
	t.Setenv("CONDUCTOR_REGISTRY_PATH", "/srv/tools.yaml")

	cfg := &Config{
		SchemaVersion: SchemaVersion,
		Server:        ServerConfig{ListenAddr: "127.0.0.1:8710"},
		Logging:       LoggingConfig{Level: "info"},
	}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Server.ListenAddr != "0.0.0.0:9200" {
		t.Fatalf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Level = %q", cfg.Logging.Level)
	}
	if cfg.Tools.RegistryPath != "/srv/tools.yaml" {
		t.Fatalf("RegistryPath = %q", cfg.Tools.RegistryPath)
	}
	// Untouched fields keep their file values.
	if cfg.Logging.Format != "" {
		t.Fatalf("Format = %q, want unchanged", cfg.Logging.Format)
	}
}

func TestApplyEnv_RejectsInvalidOverride(t *testing.T) {
	t.Setenv("CONDUCTOR_LISTEN_ADDR", "not-an-address")

	cfg := &Config{SchemaVersion: SchemaVersion}
	err := ApplyEnv(cfg)
	if err == nil || !strings.Contains(err.Error(), "invalid config after env overrides") {
		t.Fatalf("error = %v, want override validation failure", err)
	}
}
