// Package mcp defines the interface for the tool host.
//
// The tool host manages connections to one or more Model Context Protocol
// (MCP) servers, merges their tool catalogues with builtin in-process tools,
// and executes tool calls on behalf of the conversation loop. Tool failures
// are conversational data, not pipeline errors: an unknown tool name or an
// application-level tool error comes back inside [ToolResult] so the model
// can recover in its next response.
//
// Lifecycle:
//
//  1. Register servers and builtin tools at startup (see package mcphost).
//  2. Use [Host.ListTools] to obtain the definitions offered to the LLM.
//  3. Use [Host.ExecuteTool] to run tools during a turn.
//  4. Call [Host.Close] to release all connections.
//
// All methods must be safe for concurrent use; multiple calls execute tools
// through the same host.
package mcp

import (
	"context"

	"github.com/vocero-ai/vocero/pkg/provider/llm"
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the human-readable identifier for this server.
	// Must be unique within a single [Host]. Used in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path (and optional arguments) used when
	// Transport is [TransportStdio].
	// Example: "/usr/local/bin/mcp-server --config /etc/mcp.json"
	// Ignored for streamable-http transport.
	Command string

	// URL is the endpoint address used when Transport is
	// [TransportStreamableHTTP]. Ignored for stdio transport.
	URL string

	// Token is a static Bearer token attached to every request when
	// Transport is [TransportStreamableHTTP]. Ignored for stdio transport.
	Token string

	// Env holds additional environment variables injected into the server
	// process when Transport is [TransportStdio]. May be nil.
	Env map[string]string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically a JSON string or
	// human-readable text ready for insertion into an LLM context window.
	Content string

	// IsError indicates that the tool returned an application-level error
	// (as opposed to a transport or protocol failure returned via the Go error
	// return value). When IsError is true, Content contains the error message.
	IsError bool

	// DurationMs is the wall-clock time in milliseconds from when the request
	// was dispatched until the full response was received.
	DurationMs int64
}

// Host manages MCP server connections and builtin tools, and routes tool
// calls from the conversation loop.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// ListTools returns the definitions of every registered tool, sorted by
	// name, in the shape offered to the LLM.
	ListTools() []llm.ToolDefinition

	// ExecuteTool calls the named tool with JSON-encoded args and returns the
	// result. args must be a valid JSON object string; an empty object ("{}")
	// is valid for parameter-less tools.
	//
	// A non-nil *ToolResult is returned even when [ToolResult.IsError] is
	// true (application-level error, including unknown tool names). A Go
	// error is returned only on transport or protocol failure.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// ExpectedDurationMs estimates how long a call to the named tool will
	// take, preferring measured latency over the tool's declared estimate.
	// Returns 0 when nothing is known. Used to decide whether hold audio
	// should cover a pending invocation.
	ExpectedDurationMs(name string) int64

	// Close shuts down all server connections and releases associated
	// resources. After Close returns the Host must not be used again.
	Close() error
}
