// Package mock provides an in-memory test double for the [mcp.Host] interface.
//
// [Host] records every method call for assertion in tests and exposes exported
// fields that control what the mock returns. It is safe for concurrent use via
// an internal [sync.Mutex].
//
// Typical usage:
//
//	h := &mock.Host{}
//	h.ListToolsResult = []llm.ToolDefinition{{Name: "dblookup"}}
//	h.Results = map[string]*mcp.ToolResult{
//	    "dblookup": {Content: `{"balance":"120.50"}`},
//	}
//
//	// inject h into the system under test …
//
//	if got := h.CallCount("ExecuteTool"); got != 1 {
//	    t.Errorf("expected 1 ExecuteTool call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/vocero-ai/vocero/internal/mcp"
	"github.com/vocero-ai/vocero/pkg/provider/llm"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Host is a configurable test double for [mcp.Host].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil / zero values.
type Host struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// ──── ListTools ────────────────────────────────────────────────────────

	// ListToolsResult is returned by [Host.ListTools].
	// When nil, ListTools returns an empty non-nil slice.
	ListToolsResult []llm.ToolDefinition

	// ──── ExecuteTool ──────────────────────────────────────────────────────

	// Results maps a tool name to the result [Host.ExecuteTool] returns for
	// it. Names missing from the map fall back to ExecuteToolResult.
	Results map[string]*mcp.ToolResult

	// ExecuteToolResult is returned by [Host.ExecuteTool] for tools without a
	// Results entry, when ExecuteToolErr is nil.
	// When nil, a not-available ToolResult with IsError set is returned,
	// matching the real host's behaviour for unknown tool names.
	ExecuteToolResult *mcp.ToolResult

	// ExecuteToolErr is returned by [Host.ExecuteTool] when non-nil.
	ExecuteToolErr error

	// ──── ExpectedDurationMs ───────────────────────────────────────────────

	// Durations maps a tool name to the value [Host.ExpectedDurationMs]
	// returns for it. Names missing from the map return 0.
	Durations map[string]int64

	// ──── Close ────────────────────────────────────────────────────────────

	// CloseErr is returned by [Host.Close] when non-nil.
	CloseErr error
}

// Calls returns a copy of all recorded method invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// ListTools implements [mcp.Host].
func (h *Host) ListTools() []llm.ToolDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "ListTools", Args: nil})
	if h.ListToolsResult == nil {
		return []llm.ToolDefinition{}
	}
	out := make([]llm.ToolDefinition, len(h.ListToolsResult))
	copy(out, h.ListToolsResult)
	return out
}

// ExecuteTool implements [mcp.Host].
func (h *Host) ExecuteTool(_ context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "ExecuteTool", Args: []any{name, args}})
	if h.ExecuteToolErr != nil {
		return nil, h.ExecuteToolErr
	}
	if r, ok := h.Results[name]; ok && r != nil {
		cp := *r
		return &cp, nil
	}
	if h.ExecuteToolResult == nil {
		return &mcp.ToolResult{
			Content: fmt.Sprintf("tool %q is not available", name),
			IsError: true,
		}, nil
	}
	// Return a copy so the caller cannot mutate the configured result.
	cp := *h.ExecuteToolResult
	return &cp, nil
}

// ExpectedDurationMs implements [mcp.Host].
func (h *Host) ExpectedDurationMs(name string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "ExpectedDurationMs", Args: []any{name}})
	return h.Durations[name]
}

// Close implements [mcp.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "Close", Args: nil})
	return h.CloseErr
}

// Ensure Host satisfies the interface at compile time.
var _ mcp.Host = (*Host)(nil)
