// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider converts one utterance into a stream of raw PCM audio
// chunks. The pipeline owns sentence assembly, pacing, and interruption
// handling; providers only turn text into audio. Interruption reaches a
// provider as context cancellation, so implementations must stop emitting
// and release the underlying connection promptly when ctx is cancelled.
//
// Implementors must be safe for concurrent use. Multiple synthesis streams
// may be active simultaneously (one per speaking call).
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream synthesizes req.Text and returns a read-only channel
	// that emits AudioChunk values as audio becomes available. The channel
	// is closed by the implementation when synthesis completes, fails, or
	// ctx is cancelled; cancellation mid-stream must stop emission within
	// 50 ms.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors
	// detected before any audio is produced are returned directly as
	// *frame.PortError values; errors after the stream opens surface as a
	// final AudioChunk with Err set, followed by channel close.
	//
	// The returned channel must never be nil when error is nil.
	SynthesizeStream(ctx context.Context, req Request) (<-chan AudioChunk, error)
}
