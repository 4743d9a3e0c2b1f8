package templates

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type fakeActions struct {
	byID    map[string]ActionResult
	byAlias map[string]ActionResult
	byOrder map[int]ActionResult
	byTool  map[string]ActionResult
}

func (f *fakeActions) CompletedByID(_ context.Context, id string) (ActionResult, bool, error) {
	r, ok := f.byID[id]
	return r, ok, nil
}

func (f *fakeActions) CompletedByAlias(_ context.Context, alias string) (ActionResult, bool, error) {
	r, ok := f.byAlias[alias]
	return r, ok, nil
}

func (f *fakeActions) CompletedByOrder(_ context.Context, idx int) (ActionResult, bool, error) {
	r, ok := f.byOrder[idx]
	return r, ok, nil
}

func (f *fakeActions) CompletedByTool(_ context.Context, tool string) (ActionResult, bool, error) {
	r, ok := f.byTool[tool]
	return r, ok, nil
}

type fakeMemory struct {
	byKey  map[string]MemoryValue
	byTool map[string]MemoryValue
	byTag  map[string]MemoryValue
}

func (f *fakeMemory) EntryByKey(_ context.Context, key string) (MemoryValue, bool, error) {
	v, ok := f.byKey[key]
	return v, ok, nil
}

func (f *fakeMemory) EntryByTool(_ context.Context, tool string) (MemoryValue, bool, error) {
	v, ok := f.byTool[tool]
	return v, ok, nil
}

func (f *fakeMemory) EntryByTags(_ context.Context, tags []string) (MemoryValue, bool, error) {
	for _, t := range tags {
		if v, ok := f.byTag[t]; ok {
			return v, true, nil
		}
	}
	return MemoryValue{}, false, nil
}

func TestResolver_PassthroughWithoutPlaceholders(t *testing.T) {
	t.Parallel()

	r := &Resolver{}
	in := map[string]any{
		"to":      "a@b.com",
		"retries": float64(3),
		"nested":  map[string]any{"flag": true},
	}
	out, err := r.ResolveArguments(context.Background(), in)
	if err != nil {
		t.Fatalf("ResolveArguments: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("out=%v, want unchanged input", out)
	}
}

func TestResolver_WholePlaceholderKeepsType(t *testing.T) {
	t.Parallel()

	r := &Resolver{Actions: &fakeActions{
		byID: map[string]ActionResult{
			"act_1": {ActionID: "act_1", ResultJSON: `{"file_url":"s3://x","size_bytes":1024,"meta":{"pages":3}}`},
		},
	}}

	out, err := r.ResolveArguments(context.Background(), map[string]any{
		"attachment": "{{act_1.file_url}}",
		"size":       "{{act_1.size_bytes}}",
		"meta":       "{{act_1.meta}}",
	})
	if err != nil {
		t.Fatalf("ResolveArguments: %v", err)
	}
	if out["attachment"] != "s3://x" {
		t.Fatalf("attachment=%v, want s3://x", out["attachment"])
	}
	if got, ok := out["size"].(float64); !ok || got != 1024 {
		t.Fatalf("size=%v (%T), want float64 1024", out["size"], out["size"])
	}
	meta, ok := out["meta"].(map[string]any)
	if !ok || meta["pages"] != float64(3) {
		t.Fatalf("meta=%v, want object with pages=3", out["meta"])
	}
}

func TestResolver_EmbeddedPlaceholderSplices(t *testing.T) {
	t.Parallel()

	r := &Resolver{Actions: &fakeActions{
		byAlias: map[string]ActionResult{
			"pdf": {ActionID: "act_1", ResultJSON: `{"file_url":"s3://x","size_bytes":1024}`},
		},
	}}

	out, err := r.Resolve(context.Background(), "download {{pdf.file_url}} ({{pdf.size_bytes}} bytes)")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out != "download s3://x (1024 bytes)" {
		t.Fatalf("out=%q", out)
	}
}

func TestResolver_StrategyOrder(t *testing.T) {
	t.Parallel()

	actions := &fakeActions{
		byID:    map[string]ActionResult{"act_9": {ActionID: "act_9", ResultJSON: `{"v":"by-id"}`}},
		byAlias: map[string]ActionResult{"pdf": {ActionID: "act_1", ResultJSON: `{"v":"by-alias"}`}},
		byOrder: map[int]ActionResult{0: {ActionID: "act_1", ResultJSON: `{"v":"by-order"}`}},
		byTool:  map[string]ActionResult{"sendmail": {ActionID: "act_2", ResultJSON: `{"v":"by-tool"}`}},
	}
	memory := &fakeMemory{
		byKey:  map[string]MemoryValue{"report": {Key: "report", ValueJSON: `{"v":"by-key"}`}},
		byTool: map[string]MemoryValue{"crm.lookup": {Key: "crm", ValueJSON: `{"v":"by-mem-tool"}`}},
		byTag:  map[string]MemoryValue{"file": {Key: "old_pdf", ValueJSON: `{"v":"by-tag"}`}},
	}
	r := &Resolver{Actions: actions, Memory: memory}
	ctx := context.Background()

	cases := []struct {
		ref  string
		want string
	}{
		{"{{act_9.v}}", "by-id"},
		{"{{pdf.v}}", "by-alias"},
		{"{{action_1.v}}", "by-order"},
		{"{{step_1.v}}", "by-order"},
		{"{{sendmail.v}}", "by-tool"},
		{"{{report.v}}", "by-key"},
		{"{{attachment.v}}", "by-tag"},
	}
	for _, tc := range cases {
		got, err := r.Resolve(ctx, tc.ref)
		if err != nil {
			t.Fatalf("Resolve %s: %v", tc.ref, err)
		}
		if got != tc.want {
			t.Fatalf("Resolve %s = %v, want %s", tc.ref, got, tc.want)
		}
	}
}

func TestResolver_UnresolvedDiagnosticNamesStrategies(t *testing.T) {
	t.Parallel()

	r := &Resolver{Actions: &fakeActions{}, Memory: &fakeMemory{}}
	_, err := r.Resolve(context.Background(), "{{mystery.value}}")
	if err == nil {
		t.Fatalf("Resolve succeeded, want error")
	}
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("err=%T, want *ResolutionError", err)
	}
	if resErr.Identifier != "mystery" {
		t.Fatalf("Identifier=%q, want mystery", resErr.Identifier)
	}
	msg := err.Error()
	for _, want := range []string{"mystery", "completed action id", "memory key", "memory tags"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not mention %q", msg, want)
		}
	}
}

func TestResolver_PathMissNamesField(t *testing.T) {
	t.Parallel()

	r := &Resolver{Actions: &fakeActions{
		byID: map[string]ActionResult{"act_1": {ActionID: "act_1", ResultJSON: `{"file_url":"s3://x"}`}},
	}}
	_, err := r.Resolve(context.Background(), "{{act_1.download_url}}")
	if err == nil {
		t.Fatalf("Resolve succeeded, want error")
	}
	if !strings.Contains(err.Error(), `"download_url"`) || !strings.Contains(err.Error(), "act_1") {
		t.Fatalf("error %q should name the missing field and the action", err)
	}
}

func TestResolver_CircularReference(t *testing.T) {
	t.Parallel()

	r := &Resolver{Memory: &fakeMemory{
		byKey: map[string]MemoryValue{
			"a": {Key: "a", ValueJSON: `"{{b}}"`},
			"b": {Key: "b", ValueJSON: `"{{a}}"`},
		},
	}}
	_, err := r.Resolve(context.Background(), "{{a}}")
	if err == nil {
		t.Fatalf("Resolve succeeded, want circular reference error")
	}
	if !strings.Contains(err.Error(), "circular") {
		t.Fatalf("err=%q, want circular reference", err)
	}
}

func TestResolver_DepthGuard(t *testing.T) {
	t.Parallel()

	// Each key expands to the next; depth 3 cannot reach the end of a
	// five-link chain.
	mem := &fakeMemory{byKey: map[string]MemoryValue{}}
	keys := []string{"k0", "k1", "k2", "k3", "k4"}
	for i := 0; i < len(keys)-1; i++ {
		mem.byKey[keys[i]] = MemoryValue{Key: keys[i], ValueJSON: `"{{` + keys[i+1] + `}}"`}
	}
	mem.byKey["k4"] = MemoryValue{Key: "k4", ValueJSON: `"done"`}

	r := &Resolver{Memory: mem, MaxDepth: 3}
	_, err := r.Resolve(context.Background(), "{{k0}}")
	if err == nil {
		t.Fatalf("Resolve succeeded, want depth error")
	}
	if !strings.Contains(err.Error(), "depth") {
		t.Fatalf("err=%q, want max depth", err)
	}

	deep := &Resolver{Memory: mem, MaxDepth: 16}
	out, err := deep.Resolve(context.Background(), "{{k0}}")
	if err != nil {
		t.Fatalf("Resolve with larger depth: %v", err)
	}
	if out != "done" {
		t.Fatalf("out=%v, want done", out)
	}
}

func TestResolver_NestedStructures(t *testing.T) {
	t.Parallel()

	r := &Resolver{Actions: &fakeActions{
		byAlias: map[string]ActionResult{
			"pdf": {ActionID: "act_1", ResultJSON: `{"file_url":"s3://x"}`},
		},
	}}

	out, err := r.ResolveArguments(context.Background(), map[string]any{
		"message": map[string]any{
			"attachments": []any{"{{pdf.file_url}}", "static.txt"},
			"body":        "see {{pdf.file_url}}",
		},
	})
	if err != nil {
		t.Fatalf("ResolveArguments: %v", err)
	}
	msg := out["message"].(map[string]any)
	atts := msg["attachments"].([]any)
	if atts[0] != "s3://x" || atts[1] != "static.txt" {
		t.Fatalf("attachments=%v", atts)
	}
	if msg["body"] != "see s3://x" {
		t.Fatalf("body=%v", msg["body"])
	}
}
