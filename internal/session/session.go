package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmesh/conductor/internal/auditlog"
	"github.com/flowmesh/conductor/internal/engine"
	"github.com/flowmesh/conductor/internal/planner"
	"github.com/flowmesh/conductor/internal/store"
)

const (
	outboundBuffer  = 64
	writeTimeout    = 10 * time.Second
	planningTimeout = 90 * time.Second
	maxInboundBytes = 64 << 10
)

// Session is one live connection bound to one chat. The read loop runs
// on the caller's goroutine (Run); writes go through a single writer
// goroutine because the connection allows one concurrent writer.
type Session struct {
	id     string
	chatID string

	mgr  *Manager
	log  *slog.Logger
	conn *websocket.Conn

	// ctx ends when the connection is gone. The engine uses it to stop
	// scheduling further actions of a running plan.
	ctx    context.Context
	cancel context.CancelFunc

	outbound chan ServerFrame
	busy     atomic.Bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newSessionID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return "sess_" + base64.RawURLEncoding.EncodeToString(buf)
}

func newSession(mgr *Manager, conn *websocket.Conn, chatID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       newSessionID(),
		chatID:   chatID,
		mgr:      mgr,
		log:      mgr.log,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan ServerFrame, outboundBuffer),
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// ChatID returns the chat this session is bound to.
func (s *Session) ChatID() string {
	if s == nil {
		return ""
	}
	return s.chatID
}

// Run reads frames until the connection dies, then tears the session
// down. It returns after any plan still running has finished its
// in-flight action and persisted it.
func (s *Session) Run() {
	if s == nil {
		return
	}
	defer s.close()

	s.conn.SetReadLimit(maxInboundBytes)
	for {
		var frame ClientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info("session read ended", "session_id", s.id, "error", err)
			}
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame ClientFrame) {
	switch strings.TrimSpace(frame.Type) {
	case FrameMessage:
		text := strings.TrimSpace(frame.Text)
		if text == "" {
			s.send(errorFrame(CodeBadRequest, "message text is empty"))
			return
		}
		if !s.busy.CompareAndSwap(false, true) {
			s.send(errorFrame(CodeBusy, "a plan is already running on this session"))
			return
		}
		s.wg.Add(1)
		go s.runPlan(text)
	default:
		s.send(errorFrame(CodeBadRequest, "unknown frame type "+strings.TrimSpace(frame.Type)))
	}
}

// runPlan drives one message end to end: plan, persist, execute,
// report. It owns the busy flag for its whole duration.
func (s *Session) runPlan(text string) {
	defer s.wg.Done()
	defer s.busy.Store(false)

	planCtx, cancel := context.WithTimeout(s.ctx, planningTimeout)
	pl, err := s.mgr.planner.Plan(planCtx, planner.Request{
		Message: text,
		History: s.history(planCtx),
		Tools:   s.mgr.toolDefs(),
	})
	cancel()
	if err != nil {
		s.log.Warn("planning failed", "session_id", s.id, "chat_id", s.chatID, "error", err)
		s.mgr.audit.Append(auditlog.Entry{
			Action:    auditlog.ActionPlanCreated,
			Status:    "failure",
			Error:     err.Error(),
			SessionID: s.id,
			ChatID:    s.chatID,
		})
		s.send(errorFrame(CodePlanRejected, err.Error()))
		return
	}

	plan, actions, err := s.mgr.engine.CreatePlan(s.ctx, s.chatID, text, pl)
	if err != nil {
		s.log.Error("plan persist failed", "session_id", s.id, "chat_id", s.chatID, "error", err)
		s.send(errorFrame(CodeInternal, "could not persist the plan"))
		return
	}
	s.mgr.audit.Append(auditlog.Entry{
		Action:    auditlog.ActionPlanCreated,
		SessionID: s.id,
		ChatID:    s.chatID,
		PlanID:    plan.PlanID,
		Detail:    map[string]any{"actions": len(actions), "title": pl.Title},
	})

	res, err := s.mgr.engine.ExecutePlan(s.ctx, plan.PlanID, s.handleEvent)
	if err != nil {
		s.log.Error("plan execution failed", "session_id", s.id, "plan_id", plan.PlanID, "error", err)
		s.send(errorFrame(CodeInternal, "plan execution failed"))
		return
	}
	s.send(resultFrame(pl.Title, res))
}

// handleEvent runs on the engine's goroutine. Status frames may be
// dropped when the client cannot keep up; the audit trail and the
// final result frame never are.
func (s *Session) handleEvent(ev engine.Event) {
	s.trySend(statusFrame(ev))

	entry := auditlog.Entry{
		SessionID: s.id,
		ChatID:    ev.ChatID,
		PlanID:    ev.PlanID,
		ActionID:  ev.ActionID,
		ToolName:  ev.ToolName,
		Error:     ev.ErrorText,
	}
	switch {
	case ev.Kind == engine.EventPlanStatus && ev.Status == store.PlanStatusCompleted:
		entry.Action = auditlog.ActionPlanCompleted
	case ev.Kind == engine.EventPlanStatus && ev.Status == store.PlanStatusFailed:
		entry.Action = auditlog.ActionPlanFailed
		entry.Status = "failure"
	case ev.Kind == engine.EventActionStatus && ev.Status == store.ActionStatusInProgress:
		entry.Action = auditlog.ActionActionStarted
	case ev.Kind == engine.EventActionStatus && ev.Status == store.ActionStatusCompleted:
		entry.Action = auditlog.ActionActionDone
	case ev.Kind == engine.EventActionStatus && ev.Status == store.ActionStatusFailed:
		entry.Action = auditlog.ActionActionFailed
		entry.Status = "failure"
	default:
		return
	}
	s.mgr.audit.Append(entry)
}

// history turns the chat's recent plans into planner turns, oldest
// first, so the model sees what was already asked and how it went.
func (s *Session) history(ctx context.Context) []planner.Turn {
	plans, err := s.mgr.engine.RecentPlans(ctx, s.chatID, s.mgr.historyPlans)
	if err != nil {
		s.log.Warn("history load failed", "chat_id", s.chatID, "error", err)
		return nil
	}
	turns := make([]planner.Turn, 0, len(plans)*2)
	for i := len(plans) - 1; i >= 0; i-- {
		p := plans[i]
		turns = append(turns, planner.Turn{Role: "user", Text: p.UserQuery})
		turns = append(turns, planner.Turn{Role: "assistant", Text: planOutcomeText(p)})
	}
	return turns
}

func planOutcomeText(p store.Plan) string {
	switch p.Status {
	case store.PlanStatusCompleted:
		return "Plan completed."
	case store.PlanStatusFailed:
		if p.Error != "" {
			return "Plan failed: " + p.Error
		}
		return "Plan failed."
	default:
		return "Plan " + p.Status + "."
	}
}

// send enqueues a frame, waiting for buffer space. It reports false
// when the session is already gone.
func (s *Session) send(f ServerFrame) bool {
	select {
	case s.outbound <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// trySend enqueues without waiting and drops the frame when the buffer
// is full.
func (s *Session) trySend(f ServerFrame) {
	select {
	case s.outbound <- f:
	default:
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(f); err != nil {
				s.log.Info("session write failed", "session_id", s.id, "error", err)
				s.cancel()
				return
			}
		}
	}
}

// close tears the session down exactly once: cancel, close the
// connection, wait for the writer and any running plan, deregister.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		s.wg.Wait()
		s.mgr.remove(s.id, s)
		s.mgr.audit.Append(auditlog.Entry{
			Action:    auditlog.ActionSessionClosed,
			SessionID: s.id,
			ChatID:    s.chatID,
		})
		s.log.Info("session closed", "session_id", s.id, "chat_id", s.chatID)
	})
}

// stop closes the session from outside the read loop, e.g. on server
// shutdown. Closing the connection makes Run return, which performs
// the actual teardown.
func (s *Session) stop() {
	if s == nil {
		return
	}
	s.close()
}

func errorFrame(code, message string) ServerFrame {
	return ServerFrame{
		Type:     FrameError,
		Code:     code,
		Message:  message,
		AtUnixMs: time.Now().UnixMilli(),
	}
}

func statusFrame(ev engine.Event) ServerFrame {
	return ServerFrame{
		Type:     FrameStatus,
		ChatID:   ev.ChatID,
		PlanID:   ev.PlanID,
		ActionID: ev.ActionID,
		ToolName: ev.ToolName,
		Status:   ev.Status,
		Error:    ev.ErrorText,
		AtUnixMs: ev.AtUnixMs,
	}
}

func resultFrame(title string, res *engine.Result) ServerFrame {
	reports := make([]ActionReport, 0, len(res.Actions))
	for _, a := range res.Actions {
		r := ActionReport{
			ActionID: a.ActionID,
			ToolName: a.ToolName,
			Status:   a.Status,
			Error:    a.Error,
		}
		if strings.TrimSpace(a.ResultJSON) != "" {
			r.Result = json.RawMessage(a.ResultJSON)
		}
		reports = append(reports, r)
	}
	return ServerFrame{
		Type:       FrameResult,
		ChatID:     res.Plan.ChatID,
		PlanID:     res.Plan.PlanID,
		PlanStatus: res.Plan.Status,
		Title:      title,
		Actions:    reports,
		Error:      res.Plan.Error,
		AtUnixMs:   time.Now().UnixMilli(),
	}
}
