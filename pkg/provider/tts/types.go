package tts

// VoiceSpec identifies the synthesis voice for a request.
type VoiceSpec struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Language is the BCP-47 language tag for providers that need one
	// (e.g., "en", "de"). Providers that infer language from the voice
	// ignore it.
	Language string
}

// Request describes a single synthesis call. Text carries one complete
// sentence or short utterance; sentence assembly happens upstream in the
// pipeline.
type Request struct {
	// Text is the utterance to synthesize. Must be non-empty.
	Text string

	// Voice selects the synthesis voice.
	Voice VoiceSpec

	// Rate, Pitch, and Volume are delivery multipliers relative to the
	// voice's neutral delivery. Zero means unset (treated as 1.0).
	// Providers clamp values outside their supported range.
	Rate   float64
	Pitch  float64
	Volume float64

	// Style names a provider-specific speaking style (e.g., "cheerful"),
	// and StyleDegree scales its intensity in [0, 1]. Providers without
	// named styles may map StyleDegree onto their nearest equivalent knob
	// or ignore both fields.
	Style       string
	StyleDegree float64

	// BackpressureHint signals that the outbound audio path is congested.
	// Providers may raise the effective speaking rate by up to 1.3x so the
	// queue can drain; they must never drop text.
	BackpressureHint bool

	// SampleRate is the desired output sample rate in Hz. Zero lets the
	// provider choose its native rate. Providers that cannot honor the
	// requested rate report the actual rate on each AudioChunk.
	SampleRate int
}

// AudioChunk is one slice of synthesized audio: 16-bit little-endian mono PCM.
type AudioChunk struct {
	// PCM is the raw sample data. Empty on a terminal error chunk.
	PCM []byte

	// SampleRate is the actual sample rate of PCM in Hz.
	SampleRate int

	// Err is set on the last chunk before the channel closes when
	// synthesis failed after the stream opened. It carries the classified
	// error (a *frame.PortError where the provider can classify). A stream
	// that completes normally never emits a chunk with Err set.
	Err error
}
