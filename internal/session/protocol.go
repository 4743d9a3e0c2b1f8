// Package session owns one websocket chat connection. A session reads
// user messages, asks the planner for a plan, hands the plan to the
// engine and streams progress frames back while it runs. Each session
// executes at most one plan at a time; messages arriving while a plan
// runs are rejected with a busy error and the connection stays open.
package session

import "encoding/json"

// Frame types.
const (
	// FrameMessage is the only client frame: a natural-language request.
	FrameMessage = "message"

	// FrameSession is the hello frame carrying the session and chat ids.
	FrameSession = "session"
	// FrameStatus mirrors one plan or action transition.
	FrameStatus = "status"
	// FrameResult is the terminal frame of one message: the full plan outcome.
	FrameResult = "result"
	// FrameError reports a request that produced no plan.
	FrameError = "error"
)

// Error codes carried by error frames.
const (
	CodeBadRequest   = "bad_request"
	CodeBusy         = "busy"
	CodePlanRejected = "plan_rejected"
	CodeInternal     = "internal"
)

// ClientFrame is an inbound frame.
type ClientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ActionReport is one action's final state inside a result frame.
type ActionReport struct {
	ActionID string          `json:"action_id"`
	ToolName string          `json:"tool_name"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ServerFrame is an outbound frame. Type selects which fields are set.
type ServerFrame struct {
	Type string `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`

	PlanID   string `json:"plan_id,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	Status   string `json:"status,omitempty"`

	PlanStatus string         `json:"plan_status,omitempty"`
	Title      string         `json:"title,omitempty"`
	Actions    []ActionReport `json:"actions,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Error    string `json:"error,omitempty"`
	AtUnixMs int64  `json:"at_unix_ms,omitempty"`
}
