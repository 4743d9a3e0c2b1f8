package planner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Static is a deterministic keyword planner. It maps recognizable requests
// onto the bundled tools without any model call, which makes it the default
// for offline runs and the fixture for end-to-end tests.
//
// Recognized intents, in plan order:
//   - system.info for "system", "uptime", "memory", "hostname"
//   - system.load for "load", "cpu", "usage"
//   - files.create_pdf for "pdf", "report", "document"
//   - email.send when the message contains a recipient address; the email
//     references the newest prior step ({{aN.file_url}} attachment for a
//     PDF, {{aN}} body otherwise)
//   - echo.text when nothing else matched
type Static struct{}

func NewStatic() *Static {
	return &Static{}
}

var recipientRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

func (s *Static) Plan(_ context.Context, req Request) (Plan, error) {
	if s == nil {
		return Plan{}, errors.New("nil planner")
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return Plan{}, errors.New("empty message")
	}
	lower := strings.ToLower(msg)

	available := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		available[strings.TrimSpace(t.Name)] = true
	}
	// An empty tool list means "everything bundled is available". Tool
	// catalogs may carry registry patterns like "files.*".
	has := func(name string) bool {
		if len(available) == 0 || available[name] {
			return true
		}
		for pattern := range available {
			if strings.HasSuffix(pattern, ".*") && strings.HasPrefix(name, strings.TrimSuffix(pattern, "*")) {
				return true
			}
		}
		return false
	}
	containsAny := func(tokens ...string) bool {
		for _, token := range tokens {
			if strings.Contains(lower, token) {
				return true
			}
		}
		return false
	}

	var actions []Action
	addAction := func(tool string, args map[string]any, saveAs string) string {
		id := fmt.Sprintf("a%d", len(actions)+1)
		actions = append(actions, Action{ID: id, ToolName: tool, Arguments: args, ResultVariableName: saveAs})
		return id
	}

	wantsLoad := has("system.load") && containsAny("load", "cpu", "usage")
	wantsInfo := has("system.info") &&
		(containsAny("system info", "uptime", "memory", "hostname") ||
			(strings.Contains(lower, "system") && !wantsLoad))
	wantsPDF := has("files.create_pdf") && containsAny("pdf", "report", "document")
	recipient := recipientRe.FindString(msg)
	mentionsEmail := containsAny("email", "mail ", "send to")

	if wantsInfo {
		addAction("system.info", map[string]any{}, "system_info")
	}
	if wantsLoad {
		addAction("system.load", map[string]any{}, "system_load")
	}

	pdfID := ""
	if wantsPDF {
		args := map[string]any{"title": titleFrom(msg)}
		if n := len(actions); n > 0 {
			args["content"] = "{{" + actions[n-1].ID + "}}"
		} else {
			args["content"] = msg
		}
		pdfID = addAction("files.create_pdf", args, "document")
	}

	if recipient != "" && has("email.send") {
		args := map[string]any{"to": recipient, "subject": titleFrom(msg)}
		switch {
		case pdfID != "":
			args["attachment"] = "{{" + pdfID + ".file_url}}"
		case len(actions) > 0:
			args["body"] = "{{" + actions[len(actions)-1].ID + "}}"
		default:
			args["body"] = msg
		}
		addAction("email.send", args, "")
	} else if mentionsEmail && recipient == "" && has("email.send") {
		return Plan{}, errors.New("message asks for an email but names no recipient address")
	}

	if len(actions) == 0 {
		if !has("echo.text") {
			return Plan{}, errors.New("no suitable tools for this message")
		}
		addAction("echo.text", map[string]any{"text": msg}, "")
	}

	plan := Plan{Title: titleFrom(msg), Actions: actions}
	if err := normalizePlan(&plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// titleFrom condenses a message into a short plan title.
func titleFrom(msg string) string {
	fields := strings.Fields(msg)
	title := strings.Join(fields, " ")
	runes := []rune(title)
	if len(runes) > 60 {
		title = strings.TrimSpace(string(runes[:60]))
	}
	if title == "" {
		title = "Plan"
	}
	return title
}
