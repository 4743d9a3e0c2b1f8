package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/secrets"
)

func bootstrapCmd(args []string) {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listen := fs.String("listen", "", "Listen address (host:port; default 127.0.0.1:8710)")
	dataDir := fs.String("data-dir", "", "Data directory (default: ~/.conductor)")

	logFormat := fs.String("log-format", "", "Log format: text|json")
	logLevel := fs.String("log-level", "", "Log level: debug|info|warn|error")

	plannerType := fs.String("planner", "", "Planner provider type: openai|anthropic|openai_compatible (empty: built-in static planner)")
	plannerModel := fs.String("model", "", "Planner model name (required with -planner)")
	plannerBaseURL := fs.String("base-url", "", "Planner base URL (required for openai_compatible)")
	plannerKey := fs.String("planner-key", "", "Planner API key (empty with -planner: prompt on a TTY)")

	_ = fs.Parse(args)

	if strings.TrimSpace(*plannerType) != "" && strings.TrimSpace(*plannerModel) == "" {
		fmt.Fprintln(os.Stderr, "-planner requires -model")
		fs.Usage()
		os.Exit(2)
	}

	written, cfg, err := config.Bootstrap(config.BootstrapArgs{
		ConfigPath:     *cfgPath,
		ListenAddr:     *listen,
		DataDir:        *dataDir,
		LogFormat:      *logFormat,
		LogLevel:       *logLevel,
		PlannerType:    *plannerType,
		PlannerModel:   *plannerModel,
		PlannerBaseURL: *plannerBaseURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	if provider, ok := cfg.Planner.ActiveProvider(); ok {
		key := strings.TrimSpace(*plannerKey)
		if key == "" {
			key = promptForAPIKey(provider.ID)
		}
		if key != "" {
			sec := secrets.NewStore(secrets.DefaultPath(cfg.EffectiveDataDir()))
			if err := sec.SetPlannerAPIKey(provider.ID, key); err != nil {
				fmt.Fprintf(os.Stderr, "failed to store api key: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("API key stored for provider %q\n", provider.ID)
		} else {
			fmt.Fprintf(os.Stderr, "No API key set for %q; add one later with bootstrap -planner-key or %s.\n", provider.ID, config.EnvPlannerAPIKey)
		}
	}

	fmt.Printf("Config written: %s\n", written)
	fmt.Printf("Tool registry: %s\n", cfg.Tools.EffectiveRegistryPath(cfg.EffectiveDataDir()))
	fmt.Printf("Start with: conductor run -config %s\n", written)
}

// promptForAPIKey asks for the key without echo. Non-interactive runs
// (pipes, CI) skip the prompt and leave the key unset.
func promptForAPIKey(providerID string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprintf(os.Stderr, "API key for %s (leave empty to skip): ", providerID)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
