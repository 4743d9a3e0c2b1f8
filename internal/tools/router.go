package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultInvokeTimeout = 30 * time.Second
	refreshMaxBodyBytes  = 1 << 20 // 1 MiB
	maxConnsPerServer    = 4
)

// CredentialStore persists per-server bearer tokens across refreshes.
// Implementations must be safe for concurrent use.
type CredentialStore interface {
	ToolServerToken(serverName string) (string, bool)
	SetToolServerToken(serverName string, token string) error
}

type RouterOptions struct {
	Registry    *Registry
	Credentials CredentialStore
	Logger      *slog.Logger

	DialTimeout   time.Duration
	RefreshClient *http.Client
}

// Router dispatches tool invocations to their servers. One Router serves
// every session: each server gets a small pool of lazily dialed WebSockets,
// so concurrent plans do not queue behind a single socket.
type Router struct {
	registry      *Registry
	creds         CredentialStore
	log           *slog.Logger
	dialTimeout   time.Duration
	refreshClient *http.Client

	reqSeq atomic.Uint64

	mu     sync.Mutex
	pools  map[string]*serverPool
	closed bool
}

// serverPool hands out call slots for one server. A slot owns at most one
// WebSocket and runs one request/response pair at a time; separate slots
// dial separate connections.
type serverPool struct {
	slots chan *serverConn
}

func newServerPool() *serverPool {
	p := &serverPool{slots: make(chan *serverConn, maxConnsPerServer)}
	for i := 0; i < maxConnsPerServer; i++ {
		p.slots <- &serverConn{}
	}
	return p
}

// acquire blocks until a slot frees up, the context ends or the timeout
// elapses. A saturated pool surfaces as a retryable TIMEOUT.
func (p *serverPool) acquire(ctx context.Context, timeout time.Duration, serverName, toolName string) (*serverConn, error) {
	select {
	case sc := <-p.slots:
		return sc, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sc := <-p.slots:
		return sc, nil
	case <-ctx.Done():
		return nil, classifyTransportError(ctx, ctx.Err(), serverName, toolName)
	case <-timer.C:
		return nil, &Error{
			Code:      ErrorCodeTimeout,
			Message:   fmt.Sprintf("tool %q waited too long for a connection to server %q", toolName, serverName),
			Retryable: true,
		}
	}
}

func (p *serverPool) release(sc *serverConn) {
	p.slots <- sc
}

// closeIdle closes the sockets of every idle slot and returns the slots to
// the pool. Slots held by in-flight calls are untouched.
func (p *serverPool) closeIdle() {
	var held []*serverConn
	for {
		select {
		case sc := <-p.slots:
			sc.closeWS()
			held = append(held, sc)
		default:
			for _, sc := range held {
				p.slots <- sc
			}
			return
		}
	}
}

// drainAndClose collects every slot, waiting for in-flight calls to finish,
// and closes their sockets. The pool is unusable afterwards.
func (p *serverPool) drainAndClose() {
	for i := 0; i < maxConnsPerServer; i++ {
		sc := <-p.slots
		sc.closeWS()
	}
}

type serverConn struct {
	ws *websocket.Conn
}

func (sc *serverConn) closeWS() {
	if sc.ws != nil {
		_ = sc.ws.Close()
		sc.ws = nil
	}
}

func NewRouter(opts RouterOptions) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	refreshClient := opts.RefreshClient
	if refreshClient == nil {
		refreshClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Router{
		registry:      opts.Registry,
		creds:         opts.Credentials,
		log:           log,
		dialTimeout:   dialTimeout,
		refreshClient: refreshClient,
		pools:         make(map[string]*serverPool),
	}
}

// Invoke routes one tool call and returns the tool's result value. Failures
// are *Error values; AUTH_REQUIRED triggers one transparent credential
// refresh and retry before surfacing.
func (r *Router) Invoke(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if r == nil || r.registry == nil {
		return nil, errors.New("router not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	toolName = strings.TrimSpace(toolName)
	if toolName == "" {
		return nil, errors.New("missing tool name")
	}
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}

	server, ok := r.registry.ServerFor(toolName)
	if !ok {
		return nil, &Error{Code: ErrorCodeToolError, Message: fmt.Sprintf("no tool server provides %q", toolName)}
	}

	value, err := r.callOnce(ctx, server, toolName, args, timeout)
	if err == nil {
		return value, nil
	}

	var toolErr *Error
	if errors.As(err, &toolErr) && toolErr.Code == ErrorCodeAuthRequired {
		token, refreshed := r.refreshToken(ctx, server)
		if refreshed {
			r.log.Info("tool credential refreshed", "server", server.Name, "tool", toolName)
			r.dropConns(server.Name)
			return r.callOnce(ctx, serverWithToken(server, token), toolName, args, timeout)
		}
	}
	return nil, err
}

// serverWithToken pins a freshly refreshed token for the retry dial without
// waiting for the credential store write to land.
func serverWithToken(s ServerConfig, token string) ServerConfig {
	s.Auth.BearerToken = strings.TrimSpace(token)
	s.Auth.BearerTokenEnv = ""
	return s
}

func (r *Router) callOnce(ctx context.Context, server ServerConfig, toolName string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	pool, err := r.poolFor(server.Name)
	if err != nil {
		return nil, err
	}

	sc, err := pool.acquire(ctx, timeout, server.Name, toolName)
	if err != nil {
		return nil, err
	}
	defer pool.release(sc)

	if sc.ws == nil {
		ws, err := r.dial(ctx, server)
		if err != nil {
			return nil, err
		}
		sc.ws = ws
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := InvokeRequest{
		ID:        fmt.Sprintf("req_%d", r.reqSeq.Add(1)),
		Tool:      toolName,
		Arguments: args,
	}

	_ = sc.ws.SetWriteDeadline(deadline)
	if err := sc.ws.WriteJSON(req); err != nil {
		sc.closeWS()
		return nil, classifyTransportError(ctx, err, server.Name, toolName)
	}

	_ = sc.ws.SetReadDeadline(deadline)
	var resp InvokeResponse
	if err := sc.ws.ReadJSON(&resp); err != nil {
		sc.closeWS()
		return nil, classifyTransportError(ctx, err, server.Name, toolName)
	}
	if resp.ID != req.ID {
		sc.closeWS()
		return nil, &Error{
			Code:      ErrorCodeUnreachable,
			Message:   fmt.Sprintf("tool server %q answered out of order", server.Name),
			Retryable: true,
		}
	}

	resp.Normalize()
	if resp.OK {
		return resp.Value, nil
	}
	return nil, resp.Error
}

func (r *Router) poolFor(serverName string) (*serverPool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("router closed")
	}
	p, ok := r.pools[serverName]
	if !ok {
		p = newServerPool()
		r.pools[serverName] = p
	}
	return p, nil
}

func (r *Router) dial(ctx context.Context, server ServerConfig) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: r.dialTimeout}

	header := http.Header{}
	if token := r.tokenFor(server); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := dialer.DialContext(ctx, server.URL, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &Error{
				Code:    ErrorCodeAuthRequired,
				Message: fmt.Sprintf("tool server %q rejected credentials (status %d)", server.Name, resp.StatusCode),
			}
		}
		return nil, &Error{
			Code:      ErrorCodeUnreachable,
			Message:   fmt.Sprintf("dial tool server %q: %v", server.Name, err),
			Retryable: true,
		}
	}
	r.log.Debug("tool server connected", "server", server.Name)
	return ws, nil
}

// tokenFor resolves the bearer token: credential store first, then the
// inline registry value, then the configured environment variable.
func (r *Router) tokenFor(server ServerConfig) string {
	if r.creds != nil {
		if token, ok := r.creds.ToolServerToken(server.Name); ok && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token)
		}
	}
	if server.Auth.BearerToken != "" {
		return server.Auth.BearerToken
	}
	if server.Auth.BearerTokenEnv != "" {
		return strings.TrimSpace(os.Getenv(server.Auth.BearerTokenEnv))
	}
	return ""
}

// refreshToken fetches a fresh bearer token from the server's token_url.
// Returns false when the server has no refresh endpoint or the call fails;
// the original AUTH_REQUIRED error then surfaces unchanged.
func (r *Router) refreshToken(ctx context.Context, server ServerConfig) (string, bool) {
	if server.Auth.TokenURL == "" {
		return "", false
	}

	body := strings.NewReader(fmt.Sprintf(`{"server":%q}`, server.Name))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server.Auth.TokenURL, body)
	if err != nil {
		return "", false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.refreshClient.Do(httpReq)
	if err != nil {
		r.log.Warn("token refresh failed", "server", server.Name, "error", err)
		return "", false
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, refreshMaxBodyBytes))
	if err != nil {
		return "", false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.log.Warn("token refresh rejected", "server", server.Name, "status", resp.StatusCode)
		return "", false
	}

	var decoded struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", false
	}
	token := strings.TrimSpace(decoded.Token)
	if token == "" {
		token = strings.TrimSpace(decoded.AccessToken)
	}
	if token == "" {
		return "", false
	}

	if r.creds != nil {
		if err := r.creds.SetToolServerToken(server.Name, token); err != nil {
			r.log.Warn("token refresh not persisted", "server", server.Name, "error", err)
		}
	}
	return token, true
}

// dropConns closes the idle connections of one server so the next calls
// redial, typically with a refreshed credential.
func (r *Router) dropConns(serverName string) {
	r.mu.Lock()
	p := r.pools[serverName]
	r.mu.Unlock()
	if p != nil {
		p.closeIdle()
	}
}

// Close tears down every server connection, waiting for in-flight calls to
// finish their round trip. The router is unusable after.
func (r *Router) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	pools := make([]*serverPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.closed = true
	r.pools = make(map[string]*serverPool)
	r.mu.Unlock()

	for _, p := range pools {
		p.drainAndClose()
	}
	return nil
}

func classifyTransportError(ctx context.Context, err error, serverName string, toolName string) *Error {
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return &Error{
			Code:      ErrorCodeTimeout,
			Message:   fmt.Sprintf("tool %q timed out on server %q", toolName, serverName),
			Retryable: true,
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{
			Code:      ErrorCodeTimeout,
			Message:   fmt.Sprintf("tool %q timed out on server %q", toolName, serverName),
			Retryable: true,
		}
	}
	return &Error{
		Code:      ErrorCodeUnreachable,
		Message:   fmt.Sprintf("tool server %q: %v", serverName, err),
		Retryable: true,
	}
}
