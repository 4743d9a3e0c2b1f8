// Package gateway exposes the orchestrator over HTTP: a WebSocket endpoint
// that hands connections to the session manager, plus a small health surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmesh/conductor/internal/session"
)

const defaultAddr = "127.0.0.1:8710"

type Options struct {
	Logger *slog.Logger

	// Sessions receives every upgraded connection. Required.
	Sessions *session.Manager

	// Addr is the listen address for Start. Defaults to 127.0.0.1:8710.
	Addr string

	// Version is reported by the health endpoint.
	Version string
}

type Server struct {
	log      *slog.Logger
	sessions *session.Manager
	addr     string
	version  string

	upgrader websocket.Upgrader

	srv *http.Server
	ln  net.Listener
}

func New(opts Options) (*Server, error) {
	if opts.Sessions == nil {
		return nil, errors.New("missing Sessions")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	return &Server{
		log:      logger,
		sessions: opts.Sessions,
		addr:     addr,
		version:  strings.TrimSpace(opts.Version),
		upgrader: websocket.Upgrader{
			// Clients are programmatic, not browsers; there is no origin
			// to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Start listens on the configured address and serves until ctx is canceled
// or Close is called. The session manager is owned by the caller; closing
// the gateway stops new connections but leaves live sessions to the manager.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway stopped", "error", err)
		}
	}()

	s.log.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || w == nil || r == nil {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	chatID := strings.TrimSpace(r.URL.Query().Get("chat_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("session upgrade failed", "error", err)
		return
	}

	sess, err := s.sessions.Open(r.Context(), conn, chatID)
	if err != nil {
		s.log.Warn("session rejected", "chat_id", chatID, "error", err)
		_ = conn.Close()
		return
	}
	sess.Run()
}

type healthResp struct {
	Status         string `json:"status"`
	Version        string `json:"version,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s == nil || w == nil || r == nil {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResp{
		Status:         "ok",
		Version:        s.version,
		ActiveSessions: s.sessions.ActiveSessions(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
