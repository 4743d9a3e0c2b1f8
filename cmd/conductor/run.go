package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/flowmesh/conductor/internal/auditlog"
	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/engine"
	"github.com/flowmesh/conductor/internal/gateway"
	"github.com/flowmesh/conductor/internal/lockfile"
	"github.com/flowmesh/conductor/internal/planner"
	"github.com/flowmesh/conductor/internal/secrets"
	"github.com/flowmesh/conductor/internal/session"
	"github.com/flowmesh/conductor/internal/store"
	"github.com/flowmesh/conductor/internal/tools"
)

const dbFileName = "conductor.db"

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	// Best-effort .env load; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Hint: run `conductor bootstrap` first.\n")
		}
		os.Exit(1)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.EffectiveLogFormat(), cfg.EffectiveLogLevel())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if err := runServer(logger, cfg); err != nil {
		logger.Error("conductor exited", "error", err)
		os.Exit(1)
	}
}

// runServer wires the store, router, engine, planner and gateway, then
// blocks until SIGINT/SIGTERM. Teardown runs through the defers in
// reverse wiring order: the gateway stops accepting first, then live
// sessions drain, then the router waits out in-flight tool calls, and
// the store closes last.
func runServer(log *slog.Logger, cfg *config.Config) error {
	dataDir := cfg.EffectiveDataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("init data dir: %w", err)
	}

	lock, err := lockfile.Acquire(lockfile.ForDataDir(dataDir))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			if pid, ok := lockfile.HolderPID(lockfile.ForDataDir(dataDir)); ok {
				return fmt.Errorf("another conductor (pid %d) is using %s", pid, dataDir)
			}
			return fmt.Errorf("another conductor is using %s", dataDir)
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	st, err := store.Open(filepath.Join(dataDir, dbFileName))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	registry, err := tools.LoadRegistry(cfg.Tools.EffectiveRegistryPath(dataDir))
	if err != nil {
		return fmt.Errorf("load tool registry: %w", err)
	}

	sec := secrets.NewStore(secrets.DefaultPath(dataDir))

	router := tools.NewRouter(tools.RouterOptions{
		Registry:    registry,
		Credentials: sec,
		Logger:      log,
	})
	defer router.Close()

	eng, err := engine.NewService(engine.Options{
		Logger:        log,
		Store:         st,
		Invoker:       router,
		InvokeTimeout: cfg.Tools.EffectiveInvokeTimeout(),
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.Tools.EffectiveRetryMaxAttempts(),
			BaseDelay:   cfg.Tools.EffectiveRetryBaseDelay(),
			MaxDelay:    cfg.Tools.EffectiveRetryMaxDelay(),
		},
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	pl, err := buildPlanner(log, cfg, sec)
	if err != nil {
		return err
	}

	audit, err := auditlog.New(auditlog.Options{Logger: log, DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}

	sessions, err := session.NewManager(session.Options{
		Logger:  log,
		Engine:  eng,
		Planner: pl,
		Catalog: registry,
		Audit:   audit,
	})
	if err != nil {
		return fmt.Errorf("init session manager: %w", err)
	}
	defer sessions.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := gateway.New(gateway.Options{
		Logger:   log,
		Sessions: sessions,
		Addr:     cfg.EffectiveListenAddr(),
		Version:  Version,
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer func() { _ = gw.Close() }()

	printStartupBanner(os.Stderr, bannerOptions{
		Version: Version,
		Addr:    gw.Addr(),
	})
	log.Info("conductor ready",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"addr", gw.Addr(),
		"data_dir", dataDir,
		"tools", len(registry.ToolNames()),
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	return nil
}

// buildPlanner picks the configured LLM provider, falling back to the
// built-in static planner when none is set. The API key comes from the
// environment first, then the secrets file.
func buildPlanner(log *slog.Logger, cfg *config.Config, sec *secrets.Store) (planner.Planner, error) {
	provider, ok := cfg.Planner.ActiveProvider()
	if !ok {
		log.Info("planner ready", "provider", "static")
		return planner.NewStatic(), nil
	}

	key := strings.TrimSpace(os.Getenv(config.EnvPlannerAPIKey))
	if key == "" {
		stored, found, err := sec.PlannerAPIKey(provider.ID)
		if err != nil {
			return nil, fmt.Errorf("read planner api key: %w", err)
		}
		if !found {
			return nil, fmt.Errorf("provider %q has no api key; rerun `conductor bootstrap` or set %s", provider.ID, config.EnvPlannerAPIKey)
		}
		key = stored
	}

	p, err := planner.NewFromProvider(planner.ProviderConfig{
		Type:    provider.Type,
		BaseURL: provider.BaseURL,
		Model:   provider.Model,
		APIKey:  key,
	})
	if err != nil {
		return nil, fmt.Errorf("init planner: %w", err)
	}
	log.Info("planner ready", "provider", provider.ID, "model", provider.Model)
	return p, nil
}
