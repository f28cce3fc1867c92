// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or a
// local Whisper server) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM audio
// frames and emits two streams of Transcript values — low-latency partials for
// responsiveness and authoritative finals that advance the conversation.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
)

// Transcript is a single recognition result emitted by a streaming session.
type Transcript struct {
	// Text is the recognized text. May be empty for keep-alive results.
	Text string

	// IsFinal reports whether the provider has committed to this result.
	// Partial (interim) transcripts may be revised by later results; final
	// transcripts are authoritative and advance the turn.
	IsFinal bool

	// Confidence is the provider-reported recognition confidence in [0, 1],
	// or 0 if the provider does not report one.
	Confidence float64

	// Words carries optional per-word detail. Providers that do not report
	// word timings leave it nil.
	Words []WordDetail
}

// WordDetail is per-word timing and confidence information, when the
// provider supplies it.
type WordDetail struct {
	Word       string
	StartSec   float64
	EndSec     float64
	Confidence float64
}

// WordCount returns the number of whitespace-separated words in the
// transcript text. Used to gate interruption on minimum utterance length.
func (t Transcript) WordCount() int {
	n := 0
	inWord := false
	for _, r := range t.Text {
		switch r {
		case ' ', '\t', '\n', '\r':
			inWord = false
		default:
			if !inWord {
				n++
			}
			inWord = true
		}
	}
	return n
}

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 8000
	// (telephony), 16000 (STT-optimised mono).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "es-ES"). An empty string lets the provider auto-detect the language,
	// if supported.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after CloseSend or
	// Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These are
	// suitable for barge-in word counting but must not advance the turn.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the values that advance the conversation and reach the LLM.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// CloseSend half-closes the session: no further audio will be sent, but
	// the provider keeps processing buffered audio and may still emit a
	// trailing final transcript on Finals before the channels close. Callers
	// that need the flushed final should read Finals with a deadline after
	// CloseSend returns. Calling CloseSend more than once is safe.
	CloseSend() error

	// Close terminates the session and releases all associated resources.
	// After Close returns, the Partials and Finals channels will be closed.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per active call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
