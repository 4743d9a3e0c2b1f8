package tools

import (
	"encoding/json"
	"strings"
)

// ErrorCode is a stable, machine-readable tool invocation error code.
type ErrorCode string

const (
	// ErrorCodeUnreachable covers dial, write and read failures on the way
	// to the tool server. Retryable.
	ErrorCodeUnreachable ErrorCode = "UNREACHABLE"
	// ErrorCodeAuthRequired means the server rejected our credential. The
	// router refreshes and retries once before surfacing it.
	ErrorCodeAuthRequired ErrorCode = "AUTH_REQUIRED"
	// ErrorCodeToolError is a business failure reported by the tool itself.
	// Never retried.
	ErrorCodeToolError ErrorCode = "TOOL_ERROR"
	// ErrorCodeTimeout means the call exceeded its deadline. Retryable.
	ErrorCodeTimeout ErrorCode = "TIMEOUT"
)

// Error carries structured failure metadata for one invocation.
type Error struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "tool error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "tool call failed"
	}
	if e.Code == "" {
		return msg
	}
	return string(e.Code) + ": " + msg
}

func (e *Error) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "tool call failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeToolError
	}
	switch e.Code {
	case ErrorCodeUnreachable, ErrorCodeTimeout:
		e.Retryable = true
	case ErrorCodeAuthRequired, ErrorCodeToolError:
		e.Retryable = false
	}
	if len(e.Detail) == 0 {
		e.Detail = nil
	}
}

// Envelope is the tagged result of one tool invocation: exactly one of
// Value (ok) or Error (not ok) is meaningful.
type Envelope struct {
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

func (e *Envelope) Normalize() {
	if e == nil {
		return
	}
	if e.OK {
		e.Error = nil
		if len(e.Value) == 0 {
			e.Value = json.RawMessage("null")
		}
		return
	}
	if e.Error == nil {
		e.Error = &Error{}
	}
	e.Error.Normalize()
	e.Value = nil
}

// InvokeRequest is one wire frame from router to tool server.
type InvokeRequest struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// InvokeResponse is the matching wire frame from tool server to router.
type InvokeResponse struct {
	ID string `json:"id"`
	Envelope
}
