package tools_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/flowmesh/conductor/internal/tools"
	"github.com/flowmesh/conductor/internal/toolserver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// wsURL rewrites an httptest base URL into its ws:// form.
func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

type memCreds struct {
	mu     sync.Mutex
	tokens map[string]string
	sets   int
}

func (c *memCreds) ToolServerToken(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[name]
	return tok, ok
}

func (c *memCreds) SetToolServerToken(name string, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == nil {
		c.tokens = make(map[string]string)
	}
	c.tokens[name] = token
	c.sets++
	return nil
}

func newToolServer(t *testing.T, token string) (*toolserver.Server, *httptest.Server) {
	t.Helper()
	srv := toolserver.New(toolserver.Options{
		Logger:      discardLogger(),
		BearerToken: token,
		DataDir:     t.TempDir(),
	})
	srv.RegisterBuiltins()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func newRegistry(t *testing.T, servers ...tools.ServerConfig) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(servers)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func asToolError(t *testing.T, err error) *tools.Error {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var terr *tools.Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *tools.Error, got %T: %v", err, err)
	}
	return terr
}

func TestRouter_InvokeRoundTrip(t *testing.T) {
	t.Parallel()

	_, ts := newToolServer(t, "")
	reg := newRegistry(t, tools.ServerConfig{
		Name:  "utility",
		URL:   wsURL(ts),
		Tools: []string{"echo.text", "ghost.scan"},
	})
	r := tools.NewRouter(tools.RouterOptions{Registry: reg, Logger: discardLogger()})
	t.Cleanup(func() { _ = r.Close() })

	value, err := r.Invoke(context.Background(), "echo.text", map[string]any{"text": "hello tools"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := gjson.GetBytes(value, "text").String(); got != "hello tools" {
		t.Fatalf("echoed text = %q, want %q", got, "hello tools")
	}
	if got := gjson.GetBytes(value, "length").Int(); got != int64(len("hello tools")) {
		t.Fatalf("echoed length = %d", got)
	}

	// Second call reuses the connection.
	if _, err := r.Invoke(context.Background(), "echo.text", map[string]any{"text": "again"}, 5*time.Second); err != nil {
		t.Fatalf("second Invoke: %v", err)
	}

	// Claimed in the registry but not registered on the server.
	_, err = r.Invoke(context.Background(), "ghost.scan", nil, 5*time.Second)
	terr := asToolError(t, err)
	if terr.Code != tools.ErrorCodeToolError {
		t.Fatalf("code = %s, want TOOL_ERROR", terr.Code)
	}
	if terr.Retryable {
		t.Fatal("tool errors must not be retryable")
	}
}

func TestRouter_UnknownToolHasNoServer(t *testing.T) {
	t.Parallel()

	_, ts := newToolServer(t, "")
	reg := newRegistry(t, tools.ServerConfig{
		Name:  "utility",
		URL:   wsURL(ts),
		Tools: []string{"echo.text"},
	})
	r := tools.NewRouter(tools.RouterOptions{Registry: reg, Logger: discardLogger()})
	t.Cleanup(func() { _ = r.Close() })

	_, err := r.Invoke(context.Background(), "calendar.create_event", nil, time.Second)
	terr := asToolError(t, err)
	if terr.Code != tools.ErrorCodeToolError {
		t.Fatalf("code = %s, want TOOL_ERROR", terr.Code)
	}
	if !strings.Contains(terr.Message, "no tool server") {
		t.Fatalf("unexpected message: %q", terr.Message)
	}
}

func TestRouter_AuthRefreshOnce(t *testing.T) {
	t.Parallel()

	_, ts := newToolServer(t, "tok-new")

	var refreshCalls atomic.Int64
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		refreshCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"tok-new"}`)
	}))
	t.Cleanup(tokenSrv.Close)

	reg := newRegistry(t, tools.ServerConfig{
		Name: "utility",
		URL:  wsURL(ts),
		Auth: tools.AuthConfig{
			BearerToken: "tok-stale",
			TokenURL:    tokenSrv.URL,
		},
		Tools: []string{"echo.text"},
	})

	creds := &memCreds{}
	r := tools.NewRouter(tools.RouterOptions{Registry: reg, Credentials: creds, Logger: discardLogger()})
	t.Cleanup(func() { _ = r.Close() })

	value, err := r.Invoke(context.Background(), "echo.text", map[string]any{"text": "after refresh"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := gjson.GetBytes(value, "text").String(); got != "after refresh" {
		t.Fatalf("echoed text = %q", got)
	}
	if n := refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	if tok, ok := creds.ToolServerToken("utility"); !ok || tok != "tok-new" {
		t.Fatalf("refreshed token not persisted, got %q (ok=%v)", tok, ok)
	}

	// The persisted token wins on later calls; no second refresh.
	if _, err := r.Invoke(context.Background(), "echo.text", map[string]any{"text": "steady"}, 5*time.Second); err != nil {
		t.Fatalf("post-refresh Invoke: %v", err)
	}
	if n := refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls after steady state = %d, want 1", n)
	}
}

func TestRouter_AuthRefreshStopsAfterOneAttempt(t *testing.T) {
	t.Parallel()

	_, ts := newToolServer(t, "tok-real")

	var refreshCalls atomic.Int64
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		refreshCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"tok-still-wrong"}`)
	}))
	t.Cleanup(tokenSrv.Close)

	reg := newRegistry(t, tools.ServerConfig{
		Name: "utility",
		URL:  wsURL(ts),
		Auth: tools.AuthConfig{
			BearerToken: "tok-stale",
			TokenURL:    tokenSrv.URL,
		},
		Tools: []string{"echo.text"},
	})
	r := tools.NewRouter(tools.RouterOptions{Registry: reg, Logger: discardLogger()})
	t.Cleanup(func() { _ = r.Close() })

	_, err := r.Invoke(context.Background(), "echo.text", map[string]any{"text": "x"}, 5*time.Second)
	terr := asToolError(t, err)
	if terr.Code != tools.ErrorCodeAuthRequired {
		t.Fatalf("code = %s, want AUTH_REQUIRED", terr.Code)
	}
	if n := refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", n)
	}
}

func TestRouter_AuthRequiredWithoutRefreshEndpoint(t *testing.T) {
	t.Parallel()

	_, ts := newToolServer(t, "tok-real")
	reg := newRegistry(t, tools.ServerConfig{
		Name:  "utility",
		URL:   wsURL(ts),
		Auth:  tools.AuthConfig{BearerToken: "tok-stale"},
		Tools: []string{"echo.text"},
	})
	r := tools.NewRouter(tools.RouterOptions{Registry: reg, Logger: discardLogger()})
	t.Cleanup(func() { _ = r.Close() })

	_, err := r.Invoke(context.Background(), "echo.text", map[string]any{"text": "x"}, 5*time.Second)
	terr := asToolError(t, err)
	if terr.Code != tools.ErrorCodeAuthRequired {
		t.Fatalf("code = %s, want AUTH_REQUIRED", terr.Code)
	}
	if terr.Retryable {
		t.Fatal("AUTH_REQUIRED must not be marked retryable")
	}
}

func TestRouter_TimeoutThenRecovers(t *testing.T) {
	t.Parallel()

	srv, ts := newToolServer(t, "")
	srv.Register("slow.block", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(1200 * time.Millisecond):
			return map[string]any{"done": true}, nil
		}
	})

	reg := newRegistry(t, tools.ServerConfig{
		Name:  "utility",
		URL:   wsURL(ts),
		Tools: []string{"echo.text", "slow.block"},
	})
	r := tools.NewRouter(tools.RouterOptions{Registry: reg, Logger: discardLogger()})
	t.Cleanup(func() { _ = r.Close() })

	_, err := r.Invoke(context.Background(), "slow.block", nil, 150*time.Millisecond)
	terr := asToolError(t, err)
	if terr.Code != tools.ErrorCodeTimeout {
		t.Fatalf("code = %s, want TIMEOUT", terr.Code)
	}
	if !terr.Retryable {
		t.Fatal("timeouts must be retryable")
	}

	// The timed-out connection was dropped; the next call redials.
	if _, err := r.Invoke(context.Background(), "echo.text", map[string]any{"text": "back"}, 5*time.Second); err != nil {
		t.Fatalf("Invoke after timeout: %v", err)
	}
}

func TestRouter_Unreachable(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, tools.ServerConfig{
		Name:  "offline",
		URL:   "ws://127.0.0.1:1/ws",
		Tools: []string{"echo.text"},
	})
	r := tools.NewRouter(tools.RouterOptions{Registry: reg, Logger: discardLogger(), DialTimeout: time.Second})
	t.Cleanup(func() { _ = r.Close() })

	_, err := r.Invoke(context.Background(), "echo.text", nil, 2*time.Second)
	terr := asToolError(t, err)
	if terr.Code != tools.ErrorCodeUnreachable {
		t.Fatalf("code = %s, want UNREACHABLE", terr.Code)
	}
	if !terr.Retryable {
		t.Fatal("unreachable must be retryable")
	}
}

func TestRouter_HandshakeRejectionIsUnreachable(t *testing.T) {
	t.Parallel()

	// A plain HTTP endpoint that refuses the upgrade with a body. The
	// router must surface a retryable transport error, not hang on the
	// half-read handshake response.
	notWS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upgrade not supported here", http.StatusInternalServerError)
	}))
	t.Cleanup(notWS.Close)

	reg := newRegistry(t, tools.ServerConfig{
		Name:  "legacy",
		URL:   wsURL(notWS),
		Tools: []string{"echo.text"},
	})
	r := tools.NewRouter(tools.RouterOptions{Registry: reg, Logger: discardLogger()})
	t.Cleanup(func() { _ = r.Close() })

	for i := 0; i < 3; i++ {
		_, err := r.Invoke(context.Background(), "echo.text", nil, 2*time.Second)
		terr := asToolError(t, err)
		if terr.Code != tools.ErrorCodeUnreachable {
			t.Fatalf("attempt %d: code = %s, want UNREACHABLE", i+1, terr.Code)
		}
		if !terr.Retryable {
			t.Fatalf("attempt %d: handshake rejection must be retryable", i+1)
		}
	}
}

func TestRouter_ParallelCallsDoNotSerialize(t *testing.T) {
	t.Parallel()

	srv, ts := newToolServer(t, "")
	const toolDelay = 300 * time.Millisecond
	srv.Register("slow.tick", func(ctx context.Context, _ map[string]any) (any, error) {
		time.Sleep(toolDelay)
		return map[string]any{"done": true}, nil
	})

	reg := newRegistry(t, tools.ServerConfig{
		Name:  "utility",
		URL:   wsURL(ts),
		Tools: []string{"slow.tick"},
	})
	r := tools.NewRouter(tools.RouterOptions{Registry: reg, Logger: discardLogger()})
	t.Cleanup(func() { _ = r.Close() })

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Invoke(context.Background(), "slow.tick", nil, 5*time.Second)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed >= 2*toolDelay {
		t.Fatalf("parallel calls serialized: %v elapsed", elapsed)
	}
}

func TestRouter_OutOfOrderResponseDropsConn(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	confused := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			var req tools.InvokeRequest
			if err := c.ReadJSON(&req); err != nil {
				return
			}
			resp := tools.InvokeResponse{ID: "bogus"}
			resp.OK = true
			if err := c.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(confused.Close)

	reg := newRegistry(t, tools.ServerConfig{
		Name:  "confused",
		URL:   wsURL(confused),
		Tools: []string{"echo.text"},
	})
	r := tools.NewRouter(tools.RouterOptions{Registry: reg, Logger: discardLogger()})
	t.Cleanup(func() { _ = r.Close() })

	_, err := r.Invoke(context.Background(), "echo.text", nil, 2*time.Second)
	terr := asToolError(t, err)
	if terr.Code != tools.ErrorCodeUnreachable {
		t.Fatalf("code = %s, want UNREACHABLE", terr.Code)
	}
	if !strings.Contains(terr.Message, "out of order") {
		t.Fatalf("unexpected message: %q", terr.Message)
	}
}
