package resilience

import (
	"context"

	"github.com/vocero-ai/vocero/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream synthesizes req on the first healthy provider. The stream
// is held until its first audio chunk arrives, so a provider that fails before
// producing any audio is retried on the next entry; the caller hears nothing of
// the switch. Once audio has been yielded, mid-stream errors surface unchanged.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.AudioChunk, error) {
	o, err := ExecuteWithResult(f.group, func(p tts.Provider) (openedStream[tts.AudioChunk], error) {
		if err := ctx.Err(); err != nil {
			return openedStream[tts.AudioChunk]{}, err
		}
		upstream, err := p.SynthesizeStream(ctx, req)
		if err != nil {
			return openedStream[tts.AudioChunk]{}, err
		}
		return holdFirst(ctx, upstream, func(c tts.AudioChunk) error {
			return c.Err
		})
	})
	if err != nil {
		return nil, err
	}
	return pipe(ctx, o), nil
}
