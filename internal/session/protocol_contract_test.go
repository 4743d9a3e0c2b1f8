package session

import (
	"reflect"
	"strings"
	"testing"
)

// Clients are written against these json names; renaming a field is a
// breaking protocol change and must show up here.
func TestServerFrameJSONContract(t *testing.T) {
	t.Parallel()

	expected := map[string]string{
		"Type":       "type",
		"SessionID":  "session_id",
		"ChatID":     "chat_id",
		"PlanID":     "plan_id",
		"ActionID":   "action_id",
		"ToolName":   "tool_name",
		"Status":     "status",
		"PlanStatus": "plan_status",
		"Title":      "title",
		"Actions":    "actions",
		"Code":       "code",
		"Message":    "message",
		"Error":      "error",
		"AtUnixMs":   "at_unix_ms",
	}

	typ := reflect.TypeOf(ServerFrame{})
	seen := make(map[string]struct{}, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		gotTag := strings.TrimSpace(f.Tag.Get("json"))
		gotName := strings.TrimSpace(strings.Split(gotTag, ",")[0])

		wantName, ok := expected[f.Name]
		if !ok {
			t.Fatalf("unexpected field in ServerFrame: %s (json=%q)", f.Name, gotTag)
		}
		if gotName != wantName {
			t.Fatalf("ServerFrame.%s json tag mismatch: got=%q want=%q", f.Name, gotName, wantName)
		}
		if f.Name != "Type" && !strings.Contains(gotTag, "omitempty") {
			t.Fatalf("ServerFrame.%s must be omitempty (full tag=%q)", f.Name, gotTag)
		}
		seen[f.Name] = struct{}{}
	}

	for name := range expected {
		if _, ok := seen[name]; !ok {
			t.Fatalf("missing field in ServerFrame: %s", name)
		}
	}
}

func TestActionReportJSONContract(t *testing.T) {
	t.Parallel()

	expected := map[string]string{
		"ActionID": "action_id",
		"ToolName": "tool_name",
		"Status":   "status",
		"Result":   "result",
		"Error":    "error",
	}

	typ := reflect.TypeOf(ActionReport{})
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		gotName := strings.TrimSpace(strings.Split(f.Tag.Get("json"), ",")[0])
		wantName, ok := expected[f.Name]
		if !ok {
			t.Fatalf("unexpected field in ActionReport: %s", f.Name)
		}
		if gotName != wantName {
			t.Fatalf("ActionReport.%s json tag mismatch: got=%q want=%q", f.Name, gotName, wantName)
		}
	}
}
