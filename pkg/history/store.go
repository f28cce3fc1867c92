// Package history defines the append-only persistence sink for per-call
// conversation records.
//
// The orchestrator feeds a Store through a buffered reporter tap that sits
// off the audio hot path: one TurnRecord per completed exchange, one
// CallRecord when the call ends. Implementations must be safe for concurrent
// use and must never be relied on for read paths during a live call.
package history

import (
	"context"
	"time"
)

// ToolCallRecord captures a single tool invocation made during a turn.
type ToolCallRecord struct {
	// Name is the tool name as offered to the language model.
	Name string `json:"name"`

	// Arguments is the raw JSON argument payload sent to the tool host.
	Arguments string `json:"arguments,omitempty"`

	// Result is the textual tool output (or error text when IsError).
	Result string `json:"result,omitempty"`

	// IsError reports whether the tool host returned a failure result.
	IsError bool `json:"is_error,omitempty"`

	// DurationMs is the wall-clock execution time of the invocation.
	DurationMs int64 `json:"duration_ms"`
}

// LatencyBreakdown holds the headline latency measurements of one turn,
// all in milliseconds from the end of user speech.
type LatencyBreakdown struct {
	// STTFirstResultMs is the time until the first transcript (partial or
	// final) arrived from the speech-to-text port.
	STTFirstResultMs int64 `json:"stt_first_result_ms"`

	// LLMFirstTokenMs is the time until the first completion token arrived.
	LLMFirstTokenMs int64 `json:"llm_first_token_ms"`

	// TTSFirstAudioMs is the time until the first synthesized audio byte was
	// handed to the transport.
	TTSFirstAudioMs int64 `json:"tts_first_audio_ms"`

	// TurnTotalMs is the time until playback of the reply finished.
	TurnTotalMs int64 `json:"turn_total_ms"`
}

// TurnRecord is one completed user/assistant exchange.
type TurnRecord struct {
	CallID        string
	TraceID       string
	StartedAt     time.Time
	EndedAt       time.Time
	UserText      string
	AssistantText string
	ToolCalls     []ToolCallRecord
	Latency       LatencyBreakdown

	// Interrupted reports whether the user barged in before the reply
	// finished playing; AssistantText then holds only the sentences that
	// were actually spoken.
	Interrupted bool
}

// CallRecord summarizes a finished call.
type CallRecord struct {
	CallID      string
	StartedAt   time.Time
	EndedAt     time.Time
	Turns       int
	IdleRetries int

	// EndReason names why the call ended, e.g. "caller_hangup",
	// "end_call_tool", "max_duration", "idle_timeout", "fatal_error".
	EndReason string
}

// Store is the append-only persistence sink for conversation history.
// Implementations must be safe for concurrent use.
type Store interface {
	// AppendTurn persists one completed turn.
	AppendTurn(ctx context.Context, turn TurnRecord) error

	// FinishCall persists the call summary once the call has ended.
	// Implementations must tolerate a retried flush of the same call.
	FinishCall(ctx context.Context, call CallRecord) error

	// Close releases any resources held by the store.
	Close(ctx context.Context) error
}
