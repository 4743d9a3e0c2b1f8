package engine

import (
	"context"
	"strings"

	"github.com/flowmesh/conductor/internal/store"
	"github.com/flowmesh/conductor/internal/templates"
)

// runActionSource resolves action references against the actions the
// current run has completed so far. Plans execute strictly in order and
// only from the new state, so the in-run slice is the complete set;
// actions of other plans are reachable through memory only.
type runActionSource struct {
	run *planRun
}

func (src *runActionSource) CompletedByID(ctx context.Context, id string) (templates.ActionResult, bool, error) {
	for i := range src.run.completed {
		a := &src.run.completed[i]
		if a.ActionID == id {
			return templates.ActionResult{ActionID: a.ActionID, ResultJSON: a.ResultJSON}, true, nil
		}
	}
	return templates.ActionResult{}, false, nil
}

func (src *runActionSource) CompletedByAlias(ctx context.Context, alias string) (templates.ActionResult, bool, error) {
	if alias == "" {
		return templates.ActionResult{}, false, nil
	}
	for i := range src.run.completed {
		a := &src.run.completed[i]
		if a.Alias == alias {
			return templates.ActionResult{ActionID: a.ActionID, ResultJSON: a.ResultJSON}, true, nil
		}
	}
	return templates.ActionResult{}, false, nil
}

func (src *runActionSource) CompletedByOrder(ctx context.Context, orderIndex int) (templates.ActionResult, bool, error) {
	for i := range src.run.completed {
		a := &src.run.completed[i]
		if a.OrderIndex == orderIndex {
			return templates.ActionResult{ActionID: a.ActionID, ResultJSON: a.ResultJSON}, true, nil
		}
	}
	return templates.ActionResult{}, false, nil
}

// CompletedByTool prefers the most recently completed match so that
// "last result of this tool" is what a bare tool reference means.
func (src *runActionSource) CompletedByTool(ctx context.Context, tool string) (templates.ActionResult, bool, error) {
	for i := len(src.run.completed) - 1; i >= 0; i-- {
		a := &src.run.completed[i]
		if toolNameMatches(a.ToolName, tool) {
			return templates.ActionResult{ActionID: a.ActionID, ResultJSON: a.ResultJSON}, true, nil
		}
	}
	return templates.ActionResult{}, false, nil
}

// toolNameMatches accepts the full dotted name or its last segment, so
// {{create_pdf}} finds the result of files.create_pdf.
func toolNameMatches(full, ref string) bool {
	if full == ref {
		return true
	}
	if i := strings.LastIndex(full, "."); i >= 0 && full[i+1:] == ref {
		return true
	}
	return false
}

// chatMemorySource resolves memory references against the owning
// chat's entries. Lookups cross plan boundaries; this is how a later
// plan reaches results of an earlier one.
type chatMemorySource struct {
	svc    *Service
	chatID string
}

func (m *chatMemorySource) EntryByKey(ctx context.Context, key string) (templates.MemoryValue, bool, error) {
	e, err := m.svc.store.GetMemoryByKey(ctx, m.chatID, key)
	if err != nil {
		return templates.MemoryValue{}, false, err
	}
	if e == nil {
		return templates.MemoryValue{}, false, nil
	}
	return templates.MemoryValue{Key: e.Key, ValueJSON: e.ValueJSON}, true, nil
}

func (m *chatMemorySource) EntryByTool(ctx context.Context, tool string) (templates.MemoryValue, bool, error) {
	entries, err := m.svc.store.SearchMemory(ctx, m.chatID, store.MemoryQuery{Tool: tool, Limit: 1})
	if err != nil {
		return templates.MemoryValue{}, false, err
	}
	if len(entries) > 0 {
		return memoryValue(entries[0]), true, nil
	}
	if strings.Contains(tool, ".") {
		return templates.MemoryValue{}, false, nil
	}

	// Unqualified reference: match the last segment of qualified tools.
	entries, err = m.svc.store.SearchMemory(ctx, m.chatID, store.MemoryQuery{Limit: 50})
	if err != nil {
		return templates.MemoryValue{}, false, err
	}
	for _, e := range entries {
		if toolNameMatches(e.SourceTool, tool) {
			return memoryValue(e), true, nil
		}
	}
	return templates.MemoryValue{}, false, nil
}

// EntryByTags tries the candidate tags in priority order; within one
// tag the store already returns the most recent entry first.
func (m *chatMemorySource) EntryByTags(ctx context.Context, tags []string) (templates.MemoryValue, bool, error) {
	for _, tag := range tags {
		entries, err := m.svc.store.SearchMemory(ctx, m.chatID, store.MemoryQuery{Tag: tag, Limit: 1})
		if err != nil {
			return templates.MemoryValue{}, false, err
		}
		if len(entries) > 0 {
			return memoryValue(entries[0]), true, nil
		}
	}
	return templates.MemoryValue{}, false, nil
}

func memoryValue(e store.MemoryEntry) templates.MemoryValue {
	return templates.MemoryValue{Key: e.Key, ValueJSON: e.ValueJSON}
}
