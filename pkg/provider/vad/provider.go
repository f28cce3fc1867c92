// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector (an energy model, WebRTC
// VAD, or a learned model) and surfaces it as a stateful per-stream session.
// Each session maintains its own internal state (smoothing history, noise
// floor) so concurrent calls are scored independently.
//
// Scoring is synchronous by design: Score returns immediately with a speech
// probability, making it suitable for the low-latency pipeline stage that
// gates STT input and triggers barge-in. The session does not decide whether
// a frame is "voiced" — the pipeline compares the score against the
// configured threshold and applies the confirmation and silence windows.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is owned by one pipeline goroutine and is not
// shared.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the PCM frames
	// passed to Score. Common values: 8000 (telephony), 16000 (browser).
	SampleRate int

	// Threshold is the speech probability at or above which the pipeline
	// treats a frame as voiced. Engines may use it to tune internal
	// adaptation but must still return raw scores. Typical: 0.5.
	Threshold float64
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// Score analyses one frame of 16-bit little-endian mono PCM and returns
	// its speech probability in [0, 1]. Frames may vary in length; a frame
	// must contain at least one complete sample. Score must not block.
	Score(pcm []byte) (float64, error)

	// Reset clears accumulated detection state (smoothing history, noise
	// floor) without closing the session. Used when the audio stream is
	// interrupted or restarted.
	Reset()

	// Close releases the session's resources. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
// Implementations must be safe for concurrent NewSession calls.
type Engine interface {
	// NewSession creates a session ready to accept audio frames. Returns an
	// error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
