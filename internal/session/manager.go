package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmesh/conductor/internal/auditlog"
	"github.com/flowmesh/conductor/internal/engine"
	"github.com/flowmesh/conductor/internal/planner"
)

const defaultHistoryPlans = 10

// ToolCatalog names the tools the planner may use. tools.Registry
// satisfies it; entries may be registry patterns like "files.*".
type ToolCatalog interface {
	ToolNames() []string
}

type Options struct {
	Logger  *slog.Logger
	Engine  *engine.Service
	Planner planner.Planner

	// Catalog is optional; without one the planner sees no tool list
	// and assumes the built-in set.
	Catalog ToolCatalog

	// Audit is optional.
	Audit *auditlog.Store

	// HistoryPlans caps how many past plans seed the planner context.
	HistoryPlans int
}

// Manager tracks live sessions so shutdown can close them all. It does
// not cap the number of sessions; each one costs a goroutine pair and
// an outbound buffer.
type Manager struct {
	log     *slog.Logger
	engine  *engine.Service
	planner planner.Planner
	catalog ToolCatalog
	audit   *auditlog.Store

	historyPlans int

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		return nil, errors.New("missing Logger")
	}
	if opts.Engine == nil {
		return nil, errors.New("missing Engine")
	}
	if opts.Planner == nil {
		return nil, errors.New("missing Planner")
	}
	historyPlans := opts.HistoryPlans
	if historyPlans <= 0 {
		historyPlans = defaultHistoryPlans
	}

	return &Manager{
		log:          opts.Logger,
		engine:       opts.Engine,
		planner:      opts.Planner,
		catalog:      opts.Catalog,
		audit:        opts.Audit,
		historyPlans: historyPlans,
		sessions:     make(map[string]*Session),
	}, nil
}

// Open binds a fresh session to the connection. A blank chatID mints a
// new chat; a known one reattaches to its history. The caller runs the
// returned session's Run method; the manager owns the rest of the
// lifecycle.
func (m *Manager) Open(ctx context.Context, conn *websocket.Conn, chatID string) (*Session, error) {
	if m == nil {
		return nil, errors.New("manager not initialized")
	}
	if conn == nil {
		return nil, errors.New("missing connection")
	}

	chat, err := m.engine.EnsureChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("manager closed")
	}
	s := newSession(m, conn, chat.ChatID)
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.wg.Add(1)
	go s.writeLoop()
	s.send(ServerFrame{
		Type:      FrameSession,
		SessionID: s.id,
		ChatID:    s.chatID,
		AtUnixMs:  time.Now().UnixMilli(),
	})

	m.audit.Append(auditlog.Entry{
		Action:    auditlog.ActionSessionOpened,
		SessionID: s.id,
		ChatID:    s.chatID,
	})
	m.log.Info("session opened", "session_id", s.id, "chat_id", s.chatID)
	return s, nil
}

func (m *Manager) remove(id string, s *Session) {
	if m == nil || id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.sessions[id]; existing == s {
		delete(m.sessions, id)
	}
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every session and rejects new ones. It returns after all
// sessions have torn down, including plans finishing their in-flight
// action.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
}

func (m *Manager) toolDefs() []planner.ToolDef {
	if m == nil || m.catalog == nil {
		return nil
	}
	names := m.catalog.ToolNames()
	defs := make([]planner.ToolDef, 0, len(names))
	for _, name := range names {
		defs = append(defs, planner.ToolDef{Name: name})
	}
	return defs
}
