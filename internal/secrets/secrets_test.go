package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_PlannerKeyRoundTrip(t *testing.T) {
	t.Parallel()

	st := NewStore(filepath.Join(t.TempDir(), "secrets.json"))

	if _, ok, err := st.PlannerAPIKey("openai"); err != nil || ok {
		t.Fatalf("fresh store: ok=%v err=%v", ok, err)
	}
	if err := st.SetPlannerAPIKey("openai", "sk-test-123"); err != nil {
		t.Fatalf("SetPlannerAPIKey: %v", err)
	}

	key, ok, err := st.PlannerAPIKey("openai")
	if err != nil || !ok || key != "sk-test-123" {
		t.Fatalf("PlannerAPIKey = %q ok=%v err=%v", key, ok, err)
	}
	if has, err := st.HasPlannerAPIKey("openai"); err != nil || !has {
		t.Fatalf("HasPlannerAPIKey = %v err=%v", has, err)
	}

	if err := st.ClearPlannerAPIKey("openai"); err != nil {
		t.Fatalf("ClearPlannerAPIKey: %v", err)
	}
	if has, err := st.HasPlannerAPIKey("openai"); err != nil || has {
		t.Fatalf("key survived clear: has=%v err=%v", has, err)
	}
}

func TestStore_ToolServerTokenPersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "secrets.json")
	st := NewStore(path)

	if _, ok := st.ToolServerToken("builtin"); ok {
		t.Fatal("fresh store reported a token")
	}
	if err := st.SetToolServerToken("builtin", "tok-abc"); err != nil {
		t.Fatalf("SetToolServerToken: %v", err)
	}

	// A separate instance on the same path sees the persisted token.
	again := NewStore(path)
	if tok, ok := again.ToolServerToken("builtin"); !ok || tok != "tok-abc" {
		t.Fatalf("ToolServerToken = %q ok=%v", tok, ok)
	}
}

func TestStore_RejectsBlankInputs(t *testing.T) {
	t.Parallel()

	st := NewStore(filepath.Join(t.TempDir(), "secrets.json"))

	if err := st.SetPlannerAPIKey(" ", "key"); err == nil {
		t.Fatal("expected error for blank provider id")
	}
	if err := st.SetPlannerAPIKey("openai", "  "); err == nil {
		t.Fatal("expected error for blank api key")
	}
	if err := st.SetToolServerToken("", "tok"); err == nil {
		t.Fatal("expected error for blank server name")
	}
	if err := st.SetToolServerToken("builtin", ""); err == nil {
		t.Fatal("expected error for blank token")
	}
}

func TestStore_FileIsOwnerOnly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "secrets.json")
	st := NewStore(path)
	if err := st.SetPlannerAPIKey("anthropic", "sk-ant-test"); err != nil {
		t.Fatalf("SetPlannerAPIKey: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("secrets file mode = %o", perm)
	}
}
