// Package frame defines the typed messages that flow through a call's
// processing pipeline, plus the out-of-band control messages and the error
// taxonomy shared by every port.
//
// Frames are the atomic unit of pipeline flow: audio captured from the
// transport, speech events from the VAD stage, transcripts from STT, chunks
// from the LLM, and synthesis brackets from TTS. Every frame carries the
// trace id of the turn it belongs to and a monotonic timestamp, and is
// immutable after emission — processors emit new frames rather than mutate
// received ones.
//
// Trace-id rules: a processor that produces a frame in response to an input
// frame copies the input's trace id; the VAD stage mints a fresh id via
// [NewTraceID] when it confirms the start of a new user turn.
package frame

import (
	"time"

	"github.com/google/uuid"
)

// epoch anchors the monotonic timestamps stamped onto frames. All timestamps
// are nanoseconds since process start, never wall-clock, so they are immune
// to clock adjustments and strictly ordered within one process.
var epoch = time.Now()

// Now returns the current monotonic pipeline timestamp in nanoseconds.
func Now() int64 {
	return int64(time.Since(epoch))
}

// NewTraceID mints a fresh per-turn trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// Frame is implemented by every message flowing on the data queues.
type Frame interface {
	// TraceID identifies the turn this frame belongs to.
	TraceID() string

	// Timestamp is the monotonic emission time in nanoseconds since process
	// start. Strictly increasing between frames emitted by one producer.
	Timestamp() int64
}

// meta carries the fields common to all frames. It is embedded by value so
// concrete frames stay plain comparable structs.
type meta struct {
	traceID string
	ts      int64
}

func newMeta(traceID string) meta {
	return meta{traceID: traceID, ts: Now()}
}

func (m meta) TraceID() string  { return m.traceID }
func (m meta) Timestamp() int64 { return m.ts }

// AudioFrame is a slice of raw PCM audio. Samples are 16-bit little-endian.
// Typical rates: 8000 Hz on the telephony leg, 16000 Hz on the browser leg.
type AudioFrame struct {
	meta

	// PCM is the raw sample data, 2 bytes per sample per channel.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count; the pipeline operates on mono (1).
	Channels int
}

// NewAudio builds an AudioFrame under the given trace.
func NewAudio(traceID string, pcm []byte, sampleRate, channels int) AudioFrame {
	return AudioFrame{meta: newMeta(traceID), PCM: pcm, SampleRate: sampleRate, Channels: channels}
}

// DurationMs returns the playback duration of the frame in milliseconds.
func (f AudioFrame) DurationMs() float64 {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.PCM) / 2 / f.Channels
	return float64(samples) * 1000 / float64(f.SampleRate)
}

// TextFrame carries transcribed or generated text. Partial frames may be
// superseded by later frames of the same turn; only non-partial frames are
// committed to the conversation context.
type TextFrame struct {
	meta

	Text      string
	IsPartial bool
}

// NewText builds a TextFrame under the given trace.
func NewText(traceID, text string, partial bool) TextFrame {
	return TextFrame{meta: newMeta(traceID), Text: text, IsPartial: partial}
}

// UserStartedSpeaking is emitted by the VAD stage once per turn when the
// confirmation window is crossed. Idempotent: duplicates within one turn are
// ignored by consumers.
type UserStartedSpeaking struct {
	meta
}

// NewUserStartedSpeaking opens a turn under a freshly minted trace id.
func NewUserStartedSpeaking(traceID string) UserStartedSpeaking {
	return UserStartedSpeaking{meta: newMeta(traceID)}
}

// UserStoppedSpeaking is emitted by the VAD stage after the configured
// silence window elapses without voiced audio.
type UserStoppedSpeaking struct {
	meta

	// SilenceMs is the observed silence duration that triggered the event.
	SilenceMs int
}

// NewUserStoppedSpeaking closes the voiced span of the given turn.
func NewUserStoppedSpeaking(traceID string, silenceMs int) UserStoppedSpeaking {
	return UserStoppedSpeaking{meta: newMeta(traceID), SilenceMs: silenceMs}
}

// FinishReason is the terminal marker on an LLM stream.
type FinishReason string

// Finish reasons. The zero value marks a non-terminal chunk.
const (
	FinishNone        FinishReason = ""
	FinishStop        FinishReason = "stop"
	FinishLength      FinishReason = "length"
	FinishToolCalls   FinishReason = "tool_calls"
	FinishError       FinishReason = "error"
	FinishInterrupted FinishReason = "interrupted"
)

// FunctionCallDelta is one streamed fragment of a tool invocation. Arguments
// arrive incrementally and are accumulated by Index until the terminal chunk.
type FunctionCallDelta struct {
	// Index groups fragments belonging to the same call within one response.
	Index int

	// ID is the provider-assigned call id. Usually present only on the first
	// fragment of a call.
	ID string

	// Name is the tool name. Usually present only on the first fragment.
	Name string

	// ArgumentsPartial is the next slice of the JSON-encoded arguments.
	ArgumentsPartial string
}

// LLMChunk is one slice of an LLM response stream. Exactly one of Content or
// FunctionCall is set per chunk, except the terminal chunk, which carries
// FinishReason and may be otherwise empty.
type LLMChunk struct {
	meta

	Content      string
	FunctionCall *FunctionCallDelta
	FinishReason FinishReason
}

// NewLLMContent builds a content chunk under the given trace.
func NewLLMContent(traceID, content string) LLMChunk {
	return LLMChunk{meta: newMeta(traceID), Content: content}
}

// NewLLMFunctionCall builds a tool-call fragment chunk under the given trace.
func NewLLMFunctionCall(traceID string, delta FunctionCallDelta) LLMChunk {
	return LLMChunk{meta: newMeta(traceID), FunctionCall: &delta}
}

// NewLLMFinish builds the terminal chunk of a stream.
func NewLLMFinish(traceID string, reason FinishReason) LLMChunk {
	return LLMChunk{meta: newMeta(traceID), FinishReason: reason}
}

// Terminal reports whether the chunk ends its stream.
func (c LLMChunk) Terminal() bool { return c.FinishReason != FinishNone }

// EndCause states why a synthesized utterance ended.
type EndCause string

// Utterance end causes.
const (
	EndNatural     EndCause = "natural"
	EndInterrupted EndCause = "interrupted"
	EndError       EndCause = "error"
)

// TTSStart brackets the beginning of a synthesized utterance. The first
// outbound AudioFrame of the turn follows it.
type TTSStart struct {
	meta
}

// NewTTSStart opens the synthesis bracket for the given turn.
func NewTTSStart(traceID string) TTSStart {
	return TTSStart{meta: newMeta(traceID)}
}

// TTSEnd brackets the end of a synthesized utterance.
type TTSEnd struct {
	meta

	Cause EndCause

	// SentencesSpoken counts the sentences fully emitted to the transport
	// before the utterance ended. On interruption the context aggregator
	// truncates the committed assistant text at this boundary.
	SentencesSpoken int
}

// NewTTSEnd closes the synthesis bracket for the given turn.
func NewTTSEnd(traceID string, cause EndCause, sentencesSpoken int) TTSEnd {
	return TTSEnd{meta: newMeta(traceID), Cause: cause, SentencesSpoken: sentencesSpoken}
}

// ToolPending signals that a tool invocation is in flight and the turn will
// stay silent until its result feeds the next completion. The TTS stage loops
// hold audio, when configured, until the next content chunk arrives.
type ToolPending struct {
	meta

	// Tool is the invoked tool name.
	Tool string

	// ExpectedMs is the declared tool latency in milliseconds, 0 when unknown.
	ExpectedMs int64
}

// NewToolPending announces a slow tool invocation under the given trace.
func NewToolPending(traceID, tool string, expectedMs int64) ToolPending {
	return ToolPending{meta: newMeta(traceID), Tool: tool, ExpectedMs: expectedMs}
}

// HangupRequested reports that the model asked to end the call, either through
// the end_call tool or an inline end tag stripped from the stream. The
// orchestrator lets the in-flight utterance finish playing before tearing the
// session down.
type HangupRequested struct {
	meta

	// Reason is the model-supplied reason, empty when none was given.
	Reason string
}

// NewHangupRequested builds the hangup marker under the given trace.
func NewHangupRequested(traceID, reason string) HangupRequested {
	return HangupRequested{meta: newMeta(traceID), Reason: reason}
}

// ErrorFrame surfaces a port or processor failure into the pipeline. The
// orchestrator is the sole escalation decider; processors only report.
type ErrorFrame struct {
	meta

	// Port names the originating port or processor ("stt", "llm", "tts",
	// "transport", "vad", "tool").
	Port string

	Kind      ErrorKind
	Retryable bool
	Err       error
}

// NewError wraps err into an ErrorFrame under the given trace.
func NewError(traceID, port string, kind ErrorKind, retryable bool, err error) ErrorFrame {
	return ErrorFrame{meta: newMeta(traceID), Port: port, Kind: kind, Retryable: retryable, Err: err}
}
