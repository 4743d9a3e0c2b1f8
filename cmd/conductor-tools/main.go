// Command conductor-tools runs a standalone tool server with the
// built-in tool set. It exists so a conductor install works end to end
// out of the box and doubles as a reference implementation of the wire
// protocol for third-party tool servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/flowmesh/conductor/internal/toolserver"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	fs := flag.NewFlagSet("conductor-tools", flag.ExitOnError)
	addr := fs.String("addr", "", "Listen address (default 127.0.0.1:8791)")
	dataDir := fs.String("data-dir", "", "Directory for tool artifacts (default: OS temp dir)")
	token := fs.String("token", "", "Bearer token required from clients (empty: no auth)")
	tokenEnv := fs.String("token-env", "", "Environment variable holding the bearer token")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	showVersion := fs.Bool("version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("conductor-tools %s\n", Version)
		return
	}

	// Best-effort .env load; real environment variables win.
	_ = godotenv.Load()

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	bearer := strings.TrimSpace(*token)
	if bearer == "" && strings.TrimSpace(*tokenEnv) != "" {
		bearer = strings.TrimSpace(os.Getenv(strings.TrimSpace(*tokenEnv)))
	}

	srv := toolserver.New(toolserver.Options{
		Logger:      logger,
		Addr:        *addr,
		BearerToken: bearer,
		DataDir:     *dataDir,
	})
	srv.RegisterBuiltins()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Error("tool server failed to start", "error", err)
		os.Exit(1)
	}
	logger.Info("tool server ready",
		"addr", srv.Addr(),
		"tools", len(srv.ToolNames()),
		"auth", bearer != "",
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	_ = srv.Close()
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}
