// Package endcall provides the builtin "end_call" tool the LLM calls to hang
// up gracefully. The dialog layer watches for the tool name on completed tool
// calls and winds the call down after the farewell finishes playing; the
// handler itself only acknowledges, so the model receives a well-formed tool
// result for its final turn.
package endcall

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vocero-ai/vocero/internal/mcp/mcphost"
	"github.com/vocero-ai/vocero/pkg/provider/llm"
)

// Name is the tool name the dialog layer intercepts to end the call.
const Name = "end_call"

// args is the JSON-decoded input for the "end_call" tool.
type args struct {
	// Reason optionally records why the call is ending.
	Reason string `json:"reason,omitempty"`
}

// result is the acknowledgment returned to the LLM.
type result struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Tool returns the end_call tool in registration-ready form for
// [mcphost.Host.RegisterBuiltin].
func Tool() mcphost.BuiltinTool {
	return mcphost.BuiltinTool{
		Definition: Definition(),
		Handler:    handle,
		DeclaredMs: 1,
	}
}

// Definition returns the LLM-facing schema for the end_call tool.
func Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        Name,
		Description: "End the phone call. Call this after saying goodbye, when the caller asks to hang up, or when the conversation has clearly concluded.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason the call is ending, e.g. caller_goodbye, request_completed.",
				},
			},
		},
	}
}

// handle acknowledges the hangup request. Malformed arguments are tolerated
// since the call ends either way.
func handle(_ context.Context, rawArgs string) (string, error) {
	var a args
	if rawArgs != "" {
		_ = json.Unmarshal([]byte(rawArgs), &a)
	}

	res, err := json.Marshal(result{Status: "ending_call", Reason: a.Reason})
	if err != nil {
		return "", fmt.Errorf("endcall: encode result: %w", err)
	}
	return string(res), nil
}
