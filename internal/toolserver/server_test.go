package toolserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/flowmesh/conductor/internal/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := New(Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
		DataDir: t.TempDir(),
	})
	s.RegisterBuiltins()
	return s
}

func TestServer_HandleEcho(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	resp := s.handle(context.Background(), tools.InvokeRequest{
		ID:        "req_1",
		Tool:      "echo.text",
		Arguments: map[string]any{"text": "  ping  "},
	})
	if resp.ID != "req_1" {
		t.Fatalf("resp id = %q", resp.ID)
	}
	if !resp.OK {
		t.Fatalf("expected ok, got error: %+v", resp.Error)
	}
	if got := gjson.GetBytes(resp.Value, "text").String(); got != "ping" {
		t.Fatalf("text = %q, want %q", got, "ping")
	}
	if got := gjson.GetBytes(resp.Value, "length").Int(); got != 4 {
		t.Fatalf("length = %d, want 4", got)
	}

	missing := s.handle(context.Background(), tools.InvokeRequest{ID: "req_2", Tool: "echo.text"})
	if missing.OK || missing.Error == nil || missing.Error.Code != tools.ErrorCodeToolError {
		t.Fatalf("expected TOOL_ERROR for missing text, got %+v", missing)
	}
}

func TestServer_HandleUnknownTool(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	resp := s.handle(context.Background(), tools.InvokeRequest{ID: "req_1", Tool: "does.not_exist"})
	if resp.OK {
		t.Fatal("expected failure")
	}
	if resp.Error.Code != tools.ErrorCodeToolError {
		t.Fatalf("code = %s, want TOOL_ERROR", resp.Error.Code)
	}
	if !strings.Contains(resp.Error.Message, "unknown tool") {
		t.Fatalf("unexpected message: %q", resp.Error.Message)
	}
	if resp.Error.Retryable {
		t.Fatal("unknown tool must not be retryable")
	}
}

func TestServer_EmailSend(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	resp := s.handle(context.Background(), tools.InvokeRequest{
		ID:   "req_1",
		Tool: "email.send",
		Arguments: map[string]any{
			"to":         "ops@example.com",
			"subject":    "Invoice ready",
			"attachment": "file:///tmp/invoice.pdf",
		},
	})
	if !resp.OK {
		t.Fatalf("email.send failed: %+v", resp.Error)
	}
	if !gjson.GetBytes(resp.Value, "accepted").Bool() {
		t.Fatal("accepted = false")
	}
	if id := gjson.GetBytes(resp.Value, "message_id").String(); !strings.HasPrefix(id, "msg_") {
		t.Fatalf("message_id = %q", id)
	}
	if n := gjson.GetBytes(resp.Value, "attachment_count").Int(); n != 1 {
		t.Fatalf("attachment_count = %d, want 1", n)
	}

	bad := s.handle(context.Background(), tools.InvokeRequest{
		ID:        "req_2",
		Tool:      "email.send",
		Arguments: map[string]any{"to": "not-an-address", "subject": "x"},
	})
	if bad.OK || bad.Error.Code != tools.ErrorCodeToolError {
		t.Fatalf("expected TOOL_ERROR for bad recipient, got %+v", bad)
	}

	noSubject := s.handle(context.Background(), tools.InvokeRequest{
		ID:        "req_3",
		Tool:      "email.send",
		Arguments: map[string]any{"to": "ops@example.com"},
	})
	if noSubject.OK || !strings.Contains(noSubject.Error.Message, "subject") {
		t.Fatalf("expected missing-subject error, got %+v", noSubject)
	}
}

func TestServer_CreatePDF(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	resp := s.handle(context.Background(), tools.InvokeRequest{
		ID:   "req_1",
		Tool: "files.create_pdf",
		Arguments: map[string]any{
			"title":   "Q3 Report!",
			"content": "quarterly numbers",
		},
	})
	if !resp.OK {
		t.Fatalf("files.create_pdf failed: %+v", resp.Error)
	}
	if got := gjson.GetBytes(resp.Value, "filename").String(); got != "q3-report.pdf" {
		t.Fatalf("filename = %q, want q3-report.pdf", got)
	}
	if got := gjson.GetBytes(resp.Value, "format").String(); got != "pdf" {
		t.Fatalf("format = %q", got)
	}
	fileURL := gjson.GetBytes(resp.Value, "file_url").String()
	if !strings.HasPrefix(fileURL, "file://") {
		t.Fatalf("file_url = %q", fileURL)
	}
	path := strings.TrimPrefix(fileURL, "file://")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !strings.Contains(string(raw), "quarterly numbers") {
		t.Fatal("artifact missing content")
	}

	// A hostile filename stays inside the artifacts dir.
	escape := s.handle(context.Background(), tools.InvokeRequest{
		ID:        "req_2",
		Tool:      "files.create_pdf",
		Arguments: map[string]any{"filename": "../../escape"},
	})
	if !escape.OK {
		t.Fatalf("files.create_pdf failed: %+v", escape.Error)
	}
	escapeURL := gjson.GetBytes(escape.Value, "file_url").String()
	escapePath := strings.TrimPrefix(escapeURL, "file://")
	if filepath.Dir(escapePath) != filepath.Join(s.dataDir, "artifacts") {
		t.Fatalf("artifact escaped data dir: %q", escapePath)
	}
	if got := gjson.GetBytes(escape.Value, "filename").String(); got != "escape.pdf" {
		t.Fatalf("filename = %q, want escape.pdf", got)
	}
}

func TestServer_SystemHandlers(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	info := s.handle(context.Background(), tools.InvokeRequest{ID: "req_1", Tool: "system.info"})
	if !info.OK {
		t.Fatalf("system.info failed: %+v", info.Error)
	}
	if got := gjson.GetBytes(info.Value, "os").String(); got == "" {
		t.Fatal("system.info missing os")
	}
	if gjson.GetBytes(info.Value, "timestamp_ms").Int() <= 0 {
		t.Fatal("system.info missing timestamp")
	}

	loadResp := s.handle(context.Background(), tools.InvokeRequest{ID: "req_2", Tool: "system.load"})
	if !loadResp.OK {
		t.Fatalf("system.load failed: %+v", loadResp.Error)
	}
	if gjson.GetBytes(loadResp.Value, "timestamp_ms").Int() <= 0 {
		t.Fatal("system.load missing timestamp")
	}
}

func TestServer_BearerAuth(t *testing.T) {
	t.Parallel()

	s := New(Options{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
		BearerToken: "secret-token",
		DataDir:     t.TempDir(),
	})
	s.RegisterBuiltins()

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	// Missing token is rejected before the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	// Wrong token likewise.
	badHeader := http.Header{}
	badHeader.Set("Authorization", "Bearer wrong")
	_, resp, err = websocket.DefaultDialer.Dial(url, badHeader)
	if err == nil {
		t.Fatal("dial with wrong token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	// Correct token completes a full round trip.
	header := http.Header{}
	header.Set("Authorization", "Bearer secret-token")
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer c.Close()

	req := tools.InvokeRequest{ID: "req_1", Tool: "echo.text", Arguments: map[string]any{"text": "authed"}}
	if err := c.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out tools.InvokeResponse
	if err := c.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.ID != "req_1" || !out.OK {
		t.Fatalf("unexpected response: %+v", out)
	}
	if got := gjson.GetBytes(out.Value, "text").String(); got != "authed" {
		t.Fatalf("text = %q", got)
	}
}
