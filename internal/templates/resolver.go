// Package templates expands {{identifier.path}} placeholders inside action
// arguments. Identifiers resolve against the current plan's completed actions
// first and fall back to the chat's memory entries, so a plan can reference
// results produced by earlier plans of the same conversation.
package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const defaultMaxDepth = 8

// placeholderRe matches {{ identifier[.path] }} with optional inner spaces.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.\-]*)\s*\}\}`)

// positionalRe matches action_N / step_N synonyms (1-based).
var positionalRe = regexp.MustCompile(`^(?:action|step)_([0-9]+)$`)

// ActionResult is a completed action's stored result.
type ActionResult struct {
	ActionID   string
	ResultJSON string
}

// MemoryValue is a memory entry's stored value.
type MemoryValue struct {
	Key       string
	ValueJSON string
}

// ActionSource looks up completed actions of the plan being executed.
// Lookups that find nothing return ok=false with a nil error.
type ActionSource interface {
	CompletedByID(ctx context.Context, id string) (ActionResult, bool, error)
	CompletedByAlias(ctx context.Context, alias string) (ActionResult, bool, error)
	CompletedByOrder(ctx context.Context, orderIndex int) (ActionResult, bool, error)
	CompletedByTool(ctx context.Context, tool string) (ActionResult, bool, error)
}

// MemorySource looks up memory entries of the owning chat.
type MemorySource interface {
	EntryByKey(ctx context.Context, key string) (MemoryValue, bool, error)
	EntryByTool(ctx context.Context, tool string) (MemoryValue, bool, error)
	EntryByTags(ctx context.Context, tags []string) (MemoryValue, bool, error)
}

// Resolver walks dicts, lists and strings recursively and substitutes every
// placeholder. Either source may be nil; its strategies are then skipped.
type Resolver struct {
	Actions ActionSource
	Memory  MemorySource

	// MaxDepth bounds re-expansion of resolved values that themselves
	// contain placeholders. Zero means the default.
	MaxDepth int
}

// ResolutionError reports an unresolved placeholder together with every
// strategy that was attempted, for user-facing diagnostics.
type ResolutionError struct {
	Identifier string
	Path       string
	Tried      []string
	Reason     string
}

func (e *ResolutionError) Error() string {
	if e == nil {
		return "resolution error"
	}
	ref := e.Identifier
	if e.Path != "" {
		ref += "." + e.Path
	}
	msg := fmt.Sprintf("cannot resolve {{%s}}: %s", ref, e.Reason)
	if len(e.Tried) > 0 {
		msg += " (tried " + strings.Join(e.Tried, ", ") + ")"
	}
	return msg
}

// ResolveArguments resolves a full argument map. It never mutates the input.
func (r *Resolver) ResolveArguments(ctx context.Context, args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	v, err := r.Resolve(ctx, args)
	if err != nil {
		return nil, err
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("resolved arguments are not an object")
	}
	return out, nil
}

// Resolve expands every placeholder inside value and returns the resolved
// copy. Map keys are left untouched; only values are expanded.
func (r *Resolver) Resolve(ctx context.Context, value any) (any, error) {
	if r == nil {
		return nil, errors.New("nil resolver")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	w := &walker{r: r, inFlight: make(map[string]bool)}
	return w.resolveValue(ctx, value, 0)
}

type walker struct {
	r        *Resolver
	inFlight map[string]bool
}

func (w *walker) maxDepth() int {
	if w.r.MaxDepth > 0 {
		return w.r.MaxDepth
	}
	return defaultMaxDepth
}

func (w *walker) resolveValue(ctx context.Context, value any, depth int) (any, error) {
	if depth > w.maxDepth() {
		return nil, &ResolutionError{Reason: fmt.Sprintf("max template depth %d exceeded", w.maxDepth())}
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := w.resolveValue(ctx, item, depth)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := w.resolveValue(ctx, item, depth)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		return w.resolveString(ctx, v, depth)
	default:
		// Numbers, booleans and nulls pass through untouched.
		return value, nil
	}
}

func (w *walker) resolveString(ctx context.Context, s string, depth int) (any, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string that is exactly one placeholder resolves to the typed value,
	// so {{pdf.size_bytes}} can stay a number.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := s[matches[0][2]:matches[0][3]]
		return w.expand(ctx, ref, depth)
	}

	// Embedded placeholders splice stringified values.
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		ref := s[m[2]:m[3]]
		v, err := w.expand(ctx, ref, depth)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])

	out := b.String()
	if placeholderRe.MatchString(out) {
		return w.resolveValue(ctx, out, depth+1)
	}
	return out, nil
}

// expand resolves one identifier[.path] reference to its fully resolved
// value. The identifier stays in flight while nested placeholders inside the
// looked-up value expand, which is what turns self-references into a
// circular-reference error instead of a depth blowup.
func (w *walker) expand(ctx context.Context, ref string, depth int) (any, error) {
	identifier, path, _ := strings.Cut(strings.TrimSpace(ref), ".")
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, &ResolutionError{Path: path, Reason: "empty identifier"}
	}
	if w.inFlight[identifier] {
		return nil, &ResolutionError{Identifier: identifier, Path: path, Reason: "circular reference"}
	}
	w.inFlight[identifier] = true
	defer delete(w.inFlight, identifier)

	var tried []string

	if w.r.Actions != nil {
		res, ok, err := w.r.Actions.CompletedByID(ctx, identifier)
		if err != nil {
			return nil, err
		}
		tried = append(tried, "completed action id")
		if !ok {
			res, ok, err = w.r.Actions.CompletedByAlias(ctx, identifier)
			if err != nil {
				return nil, err
			}
			tried = append(tried, "action alias")
		}
		if !ok {
			if idx, isPos := positionalIndex(identifier); isPos {
				res, ok, err = w.r.Actions.CompletedByOrder(ctx, idx)
				if err != nil {
					return nil, err
				}
				tried = append(tried, "action position")
			}
		}
		if !ok {
			res, ok, err = w.r.Actions.CompletedByTool(ctx, identifier)
			if err != nil {
				return nil, err
			}
			tried = append(tried, "completed action tool name")
		}
		if ok {
			v, err := valueAtPath(res.ResultJSON, path)
			if err != nil {
				return nil, &ResolutionError{
					Identifier: identifier,
					Path:       path,
					Reason:     fmt.Sprintf("field %q not found in result of action %q", path, res.ActionID),
				}
			}
			return w.resolveValue(ctx, v, depth+1)
		}
	}

	if w.r.Memory != nil {
		entry, ok, err := w.r.Memory.EntryByKey(ctx, identifier)
		if err != nil {
			return nil, err
		}
		tried = append(tried, "memory key")
		if !ok {
			entry, ok, err = w.r.Memory.EntryByTool(ctx, identifier)
			if err != nil {
				return nil, err
			}
			tried = append(tried, "memory source tool")
		}
		if !ok {
			tags := identifierTags(identifier)
			entry, ok, err = w.r.Memory.EntryByTags(ctx, tags)
			if err != nil {
				return nil, err
			}
			tried = append(tried, fmt.Sprintf("memory tags %v", tags))
		}
		if ok {
			v, err := valueAtPath(entry.ValueJSON, path)
			if err != nil {
				return nil, &ResolutionError{
					Identifier: identifier,
					Path:       path,
					Reason:     fmt.Sprintf("field %q not found in memory entry %q", path, entry.Key),
				}
			}
			return w.resolveValue(ctx, v, depth+1)
		}
	}

	return nil, &ResolutionError{
		Identifier: identifier,
		Path:       path,
		Tried:      tried,
		Reason:     fmt.Sprintf("unresolved identifier %q", identifier),
	}
}

// valueAtPath extracts the value at a dotted gjson path. An empty path
// returns the whole document.
func valueAtPath(raw string, path string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "null"
	}
	if path == "" {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	res := gjson.Get(raw, path)
	if !res.Exists() {
		return nil, fmt.Errorf("path %q not found", path)
	}
	return res.Value(), nil
}

func positionalIndex(identifier string) (int, bool) {
	m := positionalRe.FindStringSubmatch(strings.ToLower(identifier))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, false
	}
	return n - 1, true
}

// fileishTokens are identifier tokens that imply a file-like memory entry.
var fileishTokens = map[string]bool{
	"file":       true,
	"attachment": true,
	"document":   true,
	"doc":        true,
	"pdf":        true,
	"report":     true,
}

// identifierTags derives the tag candidates for the memory fallback:
// the identifier itself, its tokens, and the file synonyms when any token
// implies one.
func identifierTags(identifier string) []string {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" {
		return nil
	}

	seen := map[string]bool{}
	var tags []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		tags = append(tags, t)
	}

	add(identifier)
	fileish := false
	for _, tok := range strings.FieldsFunc(identifier, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	}) {
		add(tok)
		if fileishTokens[tok] {
			fileish = true
		}
	}
	if fileish {
		add("file")
		add("pdf")
		add("document")
	}
	return tags
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
