// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o, a Groq
// endpoint, or a local Ollama instance) and exposes a uniform streaming interface
// for the conversation pipeline without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. The channel returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// FinishReason indicates why a streaming completion terminated.
// The zero value marks a non-terminal chunk.
type FinishReason string

const (
	// FinishStop is the natural end of generation.
	FinishStop FinishReason = "stop"
	// FinishLength means the MaxTokens cap was reached.
	FinishLength FinishReason = "length"
	// FinishToolCalls means the model requested one or more tool invocations.
	FinishToolCalls FinishReason = "tool_calls"
	// FinishError means the stream failed mid-generation; Chunk.Err carries the cause.
	FinishError FinishReason = "error"
)

// Request carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type Request struct {
	// SystemPrompt is a high-priority instruction injected before the
	// conversation history. Providers without a dedicated system field prepend
	// it as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" or "tool" role and drives the response.
	Messages []Message

	// Tools is the set of function definitions offered to the model.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0].
	// Zero requests the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion. A non-terminal
// chunk carries either Content or a ToolCall fragment, never both. The terminal
// chunk carries FinishReason and may additionally carry trailing content.
type Chunk struct {
	// Content is the incremental text content of this chunk.
	Content string

	// ToolCall is one streamed tool-call fragment. Consumers accumulate
	// fragments by ToolCall.Index until the terminal chunk arrives with
	// FinishReason == FinishToolCalls.
	ToolCall *ToolCallDelta

	// FinishReason is non-empty only on the terminal chunk.
	FinishReason FinishReason

	// Err is set when FinishReason == FinishError and carries the classified
	// stream error (a *frame.PortError where the adapter can classify).
	Err error
}

// Terminal reports whether this chunk ends the stream.
func (c Chunk) Terminal() bool { return c.FinishReason != "" }

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled;
	// cancellation must propagate within 100 ms.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a terminal Chunk with
	// FinishReason == FinishError; the initial error return is non-nil only
	// for failures that prevent the stream from starting (e.g., invalid
	// credentials, malformed request).
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)
}
