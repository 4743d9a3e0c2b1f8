// Package toolserver implements the server side of the tool wire protocol:
// a WebSocket endpoint that receives invoke requests, dispatches them to
// registered handlers and answers with result envelopes.
//
// Notes:
//   - One request is handled at a time per connection; clients serialize
//     their calls, so the read loop doubles as the dispatch loop.
//   - Bearer auth is checked before the upgrade. A missing or wrong token is
//     rejected with 401 so clients can tell auth failures from dial failures.
package toolserver

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
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmesh/conductor/internal/tools"
)

const (
	defaultAddr   = "127.0.0.1:8791"
	maxFrameBytes = 1 << 20 // 1 MiB
)

// HandlerFunc executes one tool call. The returned value is marshaled into
// the response envelope; a returned *tools.Error keeps its code, any other
// error becomes TOOL_ERROR.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

type Options struct {
	Logger *slog.Logger

	// Addr is the listen address for Start. Defaults to 127.0.0.1:8791.
	Addr string

	// BearerToken guards the endpoint. Empty disables auth (local development).
	BearerToken string

	// DataDir is where file-producing tools write artifacts.
	// Defaults to the OS temp directory.
	DataDir string
}

type Server struct {
	log     *slog.Logger
	addr    string
	token   string
	dataDir string

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	srv *http.Server
	ln  net.Listener
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	dataDir := strings.TrimSpace(opts.DataDir)
	if dataDir == "" {
		dataDir = os.TempDir()
	}
	return &Server{
		log:     logger,
		addr:    addr,
		token:   strings.TrimSpace(opts.BearerToken),
		dataDir: dataDir,
		upgrader: websocket.Upgrader{
			// Tool clients are other processes, not browsers; there is no
			// origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a tool name. Re-registering a name replaces
// the previous handler.
func (s *Server) Register(name string, fn HandlerFunc) {
	if s == nil || fn == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	s.mu.Lock()
	s.handlers[name] = fn
	s.mu.Unlock()
}

// ToolNames returns the registered tool names, unsorted.
func (s *Server) ToolNames() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s == nil || w == nil || r == nil {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.token != "" {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("tool ws upgrade failed", "error", err)
		return
	}
	defer c.Close()
	c.SetReadLimit(maxFrameBytes)

	for {
		var req tools.InvokeRequest
		if err := c.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && r.Context().Err() == nil {
				s.log.Debug("tool conn closed", "error", err)
			}
			return
		}

		resp := s.handle(r.Context(), req)
		if err := c.WriteJSON(resp); err != nil {
			s.log.Debug("tool response write failed", "error", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, req tools.InvokeRequest) tools.InvokeResponse {
	resp := tools.InvokeResponse{ID: req.ID}

	name := strings.TrimSpace(req.Tool)
	s.mu.RLock()
	fn := s.handlers[name]
	s.mu.RUnlock()
	if fn == nil {
		resp.Error = &tools.Error{Code: tools.ErrorCodeToolError, Message: fmt.Sprintf("unknown tool %q", name)}
		resp.Normalize()
		return resp
	}

	started := time.Now()
	value, err := fn(ctx, req.Arguments)
	if err != nil {
		var toolErr *tools.Error
		if !errors.As(err, &toolErr) {
			toolErr = &tools.Error{Code: tools.ErrorCodeToolError, Message: err.Error()}
		}
		s.log.Warn("tool failed", "tool", name, "code", toolErr.Code, "duration_ms", time.Since(started).Milliseconds())
		resp.Error = toolErr
		resp.Normalize()
		return resp
	}

	raw, err := json.Marshal(value)
	if err != nil {
		resp.Error = &tools.Error{Code: tools.ErrorCodeToolError, Message: fmt.Sprintf("encode result for %q: %v", name, err)}
		resp.Normalize()
		return resp
	}

	s.log.Debug("tool ok", "tool", name, "duration_ms", time.Since(started).Milliseconds())
	resp.OK = true
	resp.Value = raw
	resp.Normalize()
	return resp
}

// Start listens on the configured address and serves until ctx is canceled
// or Close is called.
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

	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("tool server stopped", "error", err)
		}
	}()

	s.log.Info("tool server listening", "addr", ln.Addr().String(), "tools", len(s.handlers))
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
