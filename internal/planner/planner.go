// Package planner turns a user message into an ordered plan of tool
// invocations. Implementations range from a deterministic keyword planner
// (offline, tests) to LLM-backed planners speaking the OpenAI or Anthropic
// APIs.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxPlanActions = 20

// ToolDef describes one invocable tool to the planner.
type ToolDef struct {
	Name        string
	Description string
}

// Turn is one prior conversation exchange, oldest first.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

type Request struct {
	Message string
	History []Turn
	Tools   []ToolDef
}

// Action is one planned tool call. ID is the planner's symbolic name for
// the step ("a1"); later actions may reference it in template placeholders.
type Action struct {
	ID                 string
	ToolName           string
	Arguments          map[string]any
	ResultVariableName string
}

type Plan struct {
	Title   string
	Actions []Action
}

type Planner interface {
	Plan(ctx context.Context, req Request) (Plan, error)
}

// normalizePlan trims and validates a parsed plan in place.
func normalizePlan(p *Plan) error {
	if p == nil {
		return errors.New("nil plan")
	}
	p.Title = strings.TrimSpace(p.Title)
	if len(p.Actions) == 0 {
		return errors.New("plan has no actions")
	}
	if len(p.Actions) > maxPlanActions {
		return fmt.Errorf("plan has %d actions (max %d)", len(p.Actions), maxPlanActions)
	}
	for i := range p.Actions {
		a := &p.Actions[i]
		a.ID = strings.TrimSpace(a.ID)
		a.ToolName = strings.TrimSpace(a.ToolName)
		a.ResultVariableName = strings.TrimSpace(a.ResultVariableName)
		if a.ToolName == "" {
			return fmt.Errorf("actions[%d]: missing tool", i)
		}
		if a.Arguments == nil {
			a.Arguments = map[string]any{}
		}
	}
	return nil
}

type planPayload struct {
	Title   string          `json:"title"`
	Actions []actionPayload `json:"actions"`
}

type actionPayload struct {
	ID                 string         `json:"id"`
	Tool               string         `json:"tool"`
	Arguments          map[string]any `json:"arguments"`
	ResultVariableName string         `json:"result_variable_name"`
}

// parsePlanPayload decodes a model's plan response. Markdown fences and
// surrounding prose are tolerated; the payload itself must be one JSON
// object with title and actions.
func parsePlanPayload(raw string) (Plan, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return Plan{}, errors.New("empty plan response")
	}

	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```JSON")
		candidate = strings.TrimPrefix(candidate, "```")
		candidate = strings.TrimSuffix(candidate, "```")
		candidate = strings.TrimSpace(candidate)
	}

	parse := func(text string) (planPayload, error) {
		var payload planPayload
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			return planPayload{}, err
		}
		return payload, nil
	}

	payload, err := parse(candidate)
	if err != nil {
		embedded := extractFirstJSONObject(candidate)
		if embedded == "" {
			return Plan{}, fmt.Errorf("invalid plan response: %w", err)
		}
		payload, err = parse(embedded)
		if err != nil {
			return Plan{}, fmt.Errorf("invalid plan JSON payload: %w", err)
		}
	}

	plan := Plan{Title: payload.Title}
	for _, a := range payload.Actions {
		plan.Actions = append(plan.Actions, Action{
			ID:                 a.ID,
			ToolName:           a.Tool,
			Arguments:          a.Arguments,
			ResultVariableName: a.ResultVariableName,
		})
	}
	if err := normalizePlan(&plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// extractFirstJSONObject returns the first balanced top-level {...} in raw,
// skipping braces inside string literals.
func extractFirstJSONObject(raw string) string {
	text := strings.TrimSpace(raw)
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range text {
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch r {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				return text[start : i+len("}")]
			}
		}
	}
	return ""
}

// planInstructions is the system prompt shared by the LLM planners.
func planInstructions(tools []ToolDef) string {
	lines := []string{
		"You plan tool calls for an orchestration engine that executes them strictly in order.",
		"Return exactly one JSON object with keys: title, actions.",
		"title is a short human-readable summary of the plan.",
		"actions is an array; each element has: id (a short symbolic name like \"a1\"), tool (one of the available tools), arguments (a JSON object), and optionally result_variable_name (snake_case; set it when a later step or the user needs the result).",
		"Arguments may reference an earlier action's result with {{id.path}} placeholders, for example {\"attachment\": \"{{a1.file_url}}\"}.",
		"Use only the available tools listed below. Never invent tool names.",
		"Do not include markdown or any text outside the JSON object.",
		"",
		"Available tools:",
	}
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			lines = append(lines, "- "+name)
			continue
		}
		lines = append(lines, "- "+name+": "+desc)
	}
	return strings.Join(lines, "\n")
}
