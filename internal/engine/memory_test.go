package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/flowmesh/conductor/internal/planner"
	"github.com/flowmesh/conductor/internal/store"
)

func TestDeriveTags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		tool      string
		key       string
		valueJSON string
		want      []string
		wantNot   []string
	}{
		{
			name:      "pdf result",
			tool:      "files.create_pdf",
			key:       "q3_report",
			valueJSON: `{"file_url":"file:///tmp/q3.pdf","filename":"q3.pdf","format":"pdf"}`,
			want:      []string{"q3", "report", "files", "create", "pdf", "file", "document"},
		},
		{
			name:      "plain result",
			tool:      "system.load",
			key:       "load_snapshot",
			valueJSON: `{"cpu_usage":12.5}`,
			want:      []string{"load", "snapshot", "system"},
			wantNot:   []string{"file", "document"},
		},
		{
			name:      "format inferred from filename",
			tool:      "files.export",
			key:       "notes",
			valueJSON: `{"filename":"notes.csv"}`,
			want:      []string{"notes", "file", "csv"},
		},
		{
			name:      "invalid json",
			tool:      "echo.text",
			key:       "echoed",
			valueJSON: "not json",
			want:      []string{"echoed", "echo", "text"},
			wantNot:   []string{"file"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveTags(tt.tool, tt.key, tt.valueJSON)
			if len(got) > maxDerivedTags {
				t.Fatalf("too many tags: %v", got)
			}
			set := map[string]bool{}
			for _, g := range got {
				set[g] = true
			}
			for _, w := range tt.want {
				if !set[w] {
					t.Fatalf("tags %v missing %q", got, w)
				}
			}
			for _, w := range tt.wantNot {
				if set[w] {
					t.Fatalf("tags %v must not contain %q", got, w)
				}
			}
		})
	}
}

func TestExecutePlan_WritesMemoryEntry(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{handler: func(call int, tool string, args map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{"file_url":"file:///tmp/q3.pdf","format":"pdf"}`), nil
	}}
	svc, st := newTestService(t, inv)
	ctx := context.Background()
	chat := mustEnsureChat(t, svc, "")

	plan := mustCreatePlan(t, svc, chat.ChatID, "save it", []planner.Action{
		{ID: "a1", ToolName: "files.create_pdf", Arguments: map[string]any{"title": "Q3"}, ResultVariableName: "q3_report"},
	})
	if _, err := svc.ExecutePlan(ctx, plan.PlanID, nil); err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}

	entry, err := st.GetMemoryByKey(ctx, chat.ChatID, "q3_report")
	if err != nil {
		t.Fatalf("GetMemoryByKey: %v", err)
	}
	if entry == nil {
		t.Fatalf("memory entry missing")
	}
	if !strings.Contains(entry.ValueJSON, "file:///tmp/q3.pdf") {
		t.Fatalf("ValueJSON=%s", entry.ValueJSON)
	}
	if entry.SourceTool != "files.create_pdf" {
		t.Fatalf("SourceTool=%q", entry.SourceTool)
	}
	if entry.SourceActionID == "" {
		t.Fatalf("SourceActionID empty")
	}
	tagSet := map[string]bool{}
	for _, tag := range entry.Tags {
		tagSet[tag] = true
	}
	for _, want := range []string{"pdf", "file", "document", "report"} {
		if !tagSet[want] {
			t.Fatalf("tags %v missing %q", entry.Tags, want)
		}
	}
}

func TestExecutePlan_NoMemoryWithoutResultVariable(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t, &fakeInvoker{})
	ctx := context.Background()
	chat := mustEnsureChat(t, svc, "")

	plan := mustCreatePlan(t, svc, chat.ChatID, "ephemeral", []planner.Action{
		{ID: "a1", ToolName: "echo.text", Arguments: map[string]any{"text": "hi"}},
	})
	if _, err := svc.ExecutePlan(ctx, plan.PlanID, nil); err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}

	entries, err := st.SearchMemory(ctx, chat.ChatID, store.MemoryQuery{})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries=%d, want 0", len(entries))
	}
}

func TestExecutePlan_CrossPlanMemoryByKey(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{handler: func(call int, tool string, args map[string]any) (json.RawMessage, error) {
		if tool == "files.create_pdf" {
			return json.RawMessage(`{"file_url":"file:///tmp/q3.pdf","format":"pdf"}`), nil
		}
		return json.RawMessage(`{"accepted":true}`), nil
	}}
	svc, _ := newTestService(t, inv)
	ctx := context.Background()
	chat := mustEnsureChat(t, svc, "")

	first := mustCreatePlan(t, svc, chat.ChatID, "make the report", []planner.Action{
		{ID: "a1", ToolName: "files.create_pdf", Arguments: map[string]any{"title": "Q3"}, ResultVariableName: "q3_report"},
	})
	if _, err := svc.ExecutePlan(ctx, first.PlanID, nil); err != nil {
		t.Fatalf("ExecutePlan first: %v", err)
	}

	// A later plan in the same chat reaches the stored result by key.
	second := mustCreatePlan(t, svc, chat.ChatID, "send it", []planner.Action{
		{ID: "a1", ToolName: "email.send", Arguments: map[string]any{
			"to":         "bob@example.com",
			"attachment": "{{q3_report.file_url}}",
		}},
	})
	res, err := svc.ExecutePlan(ctx, second.PlanID, nil)
	if err != nil {
		t.Fatalf("ExecutePlan second: %v", err)
	}
	if res.Plan.Status != store.PlanStatusCompleted {
		t.Fatalf("plan status=%q error=%q", res.Plan.Status, res.Plan.Error)
	}
	if got := inv.call(t, 1).Args["attachment"]; got != "file:///tmp/q3.pdf" {
		t.Fatalf("attachment=%v", got)
	}
}

func TestExecutePlan_CrossPlanMemoryByTagFallback(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{handler: func(call int, tool string, args map[string]any) (json.RawMessage, error) {
		if tool == "files.create_pdf" {
			return json.RawMessage(`{"file_url":"file:///tmp/q3.pdf","format":"pdf"}`), nil
		}
		return json.RawMessage(`{"accepted":true}`), nil
	}}
	svc, _ := newTestService(t, inv)
	ctx := context.Background()
	chat := mustEnsureChat(t, svc, "")

	first := mustCreatePlan(t, svc, chat.ChatID, "make the report", []planner.Action{
		{ID: "a1", ToolName: "files.create_pdf", Arguments: map[string]any{"title": "Q3"}, ResultVariableName: "q3_report"},
	})
	if _, err := svc.ExecutePlan(ctx, first.PlanID, nil); err != nil {
		t.Fatalf("ExecutePlan first: %v", err)
	}

	// {{the_pdf}} matches no key and no tool; the file synonym tags
	// find the entry.
	second := mustCreatePlan(t, svc, chat.ChatID, "send that pdf", []planner.Action{
		{ID: "a1", ToolName: "email.send", Arguments: map[string]any{
			"to":         "bob@example.com",
			"attachment": "{{the_pdf.file_url}}",
		}},
	})
	res, err := svc.ExecutePlan(ctx, second.PlanID, nil)
	if err != nil {
		t.Fatalf("ExecutePlan second: %v", err)
	}
	if res.Plan.Status != store.PlanStatusCompleted {
		t.Fatalf("plan status=%q error=%q", res.Plan.Status, res.Plan.Error)
	}
	if got := inv.call(t, 1).Args["attachment"]; got != "file:///tmp/q3.pdf" {
		t.Fatalf("attachment=%v", got)
	}
}

func TestExecutePlan_CrossPlanMemoryByToolSegment(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{handler: func(call int, tool string, args map[string]any) (json.RawMessage, error) {
		if tool == "files.create_pdf" {
			return json.RawMessage(`{"file_url":"file:///tmp/q3.pdf","format":"pdf"}`), nil
		}
		return json.RawMessage(`{"accepted":true}`), nil
	}}
	svc, _ := newTestService(t, inv)
	ctx := context.Background()
	chat := mustEnsureChat(t, svc, "")

	first := mustCreatePlan(t, svc, chat.ChatID, "make the report", []planner.Action{
		{ID: "a1", ToolName: "files.create_pdf", Arguments: map[string]any{"title": "Q3"}, ResultVariableName: "artifact"},
	})
	if _, err := svc.ExecutePlan(ctx, first.PlanID, nil); err != nil {
		t.Fatalf("ExecutePlan first: %v", err)
	}

	second := mustCreatePlan(t, svc, chat.ChatID, "send it", []planner.Action{
		{ID: "a1", ToolName: "email.send", Arguments: map[string]any{
			"to":         "bob@example.com",
			"attachment": "{{create_pdf.file_url}}",
		}},
	})
	res, err := svc.ExecutePlan(ctx, second.PlanID, nil)
	if err != nil {
		t.Fatalf("ExecutePlan second: %v", err)
	}
	if res.Plan.Status != store.PlanStatusCompleted {
		t.Fatalf("plan status=%q error=%q", res.Plan.Status, res.Plan.Error)
	}
	if got := inv.call(t, 1).Args["attachment"]; got != "file:///tmp/q3.pdf" {
		t.Fatalf("attachment=%v", got)
	}
}

func TestExecutePlan_MemoryIsolatedPerChat(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{handler: func(call int, tool string, args map[string]any) (json.RawMessage, error) {
		if tool == "files.create_pdf" {
			return json.RawMessage(`{"file_url":"file:///tmp/q3.pdf","format":"pdf"}`), nil
		}
		return json.RawMessage(`{"accepted":true}`), nil
	}}
	svc, _ := newTestService(t, inv)
	ctx := context.Background()

	chatA := mustEnsureChat(t, svc, "")
	chatB := mustEnsureChat(t, svc, "")

	planA := mustCreatePlan(t, svc, chatA.ChatID, "make the report", []planner.Action{
		{ID: "a1", ToolName: "files.create_pdf", Arguments: map[string]any{"title": "Q3"}, ResultVariableName: "q3_report"},
	})
	if _, err := svc.ExecutePlan(ctx, planA.PlanID, nil); err != nil {
		t.Fatalf("ExecutePlan A: %v", err)
	}

	// Chat B cannot see chat A's memory; the reference stays dangling
	// and the plan fails instead of leaking across chats.
	planB := mustCreatePlan(t, svc, chatB.ChatID, "send it", []planner.Action{
		{ID: "a1", ToolName: "email.send", Arguments: map[string]any{
			"to":         "bob@example.com",
			"attachment": "{{q3_report.file_url}}",
		}},
	})
	res, err := svc.ExecutePlan(ctx, planB.PlanID, nil)
	if err != nil {
		t.Fatalf("ExecutePlan B: %v", err)
	}
	if res.Plan.Status != store.PlanStatusFailed {
		t.Fatalf("plan status=%q, want failed", res.Plan.Status)
	}
	if !strings.Contains(res.Plan.Error, "cannot resolve") {
		t.Fatalf("plan error=%q", res.Plan.Error)
	}
}
