package engine

import (
	"time"

	"github.com/flowmesh/conductor/internal/store"
)

// Event kinds.
const (
	EventPlanStatus   = "plan_status"
	EventActionStatus = "action_status"
)

// Event is a progress notification emitted while a plan runs. Events
// mirror transitions that are already durable in the store; dropping
// them loses visibility, never state.
type Event struct {
	Kind string `json:"kind"`

	ChatID   string `json:"chat_id"`
	PlanID   string `json:"plan_id"`
	ActionID string `json:"action_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`

	Status    string `json:"status"`
	ErrorText string `json:"error,omitempty"`

	AtUnixMs int64 `json:"at_unix_ms"`
}

// EmitFunc receives events in execution order. It is called from the
// executing goroutine and must not block for long.
type EmitFunc func(Event)

func planEvent(chatID, planID, status, errText string) Event {
	return Event{
		Kind:      EventPlanStatus,
		ChatID:    chatID,
		PlanID:    planID,
		Status:    status,
		ErrorText: errText,
		AtUnixMs:  time.Now().UnixMilli(),
	}
}

func actionEvent(chatID, planID string, a *store.Action, status, errText string) Event {
	return Event{
		Kind:      EventActionStatus,
		ChatID:    chatID,
		PlanID:    planID,
		ActionID:  a.ActionID,
		ToolName:  a.ToolName,
		Status:    status,
		ErrorText: errText,
		AtUnixMs:  time.Now().UnixMilli(),
	}
}
