package endcall

import (
	"context"
	"encoding/json"
	"testing"
)

func TestTool_Definition(t *testing.T) {
	t.Parallel()

	tool := Tool()
	if tool.Definition.Name != Name {
		t.Errorf("Name = %q, want %q", tool.Definition.Name, Name)
	}
	if tool.Definition.Description == "" {
		t.Error("Description is empty")
	}
	if tool.Definition.Parameters["type"] != "object" {
		t.Errorf("Parameters[type] = %v, want object", tool.Definition.Parameters["type"])
	}
	if tool.Handler == nil {
		t.Error("Handler is nil")
	}
}

func TestHandle_Acknowledges(t *testing.T) {
	t.Parallel()

	res, err := handle(context.Background(), `{"reason":"caller_goodbye"}`)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	var got struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(res), &got); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if got.Status != "ending_call" {
		t.Errorf("status = %q, want ending_call", got.Status)
	}
	if got.Reason != "caller_goodbye" {
		t.Errorf("reason = %q, want caller_goodbye", got.Reason)
	}
}

func TestHandle_ToleratesMalformedArgs(t *testing.T) {
	t.Parallel()

	for _, args := range []string{"", "{not json", "null"} {
		res, err := handle(context.Background(), args)
		if err != nil {
			t.Errorf("handle(%q): %v", args, err)
			continue
		}
		var got map[string]any
		if err := json.Unmarshal([]byte(res), &got); err != nil {
			t.Errorf("handle(%q) result is not valid JSON: %v", args, err)
		}
	}
}
