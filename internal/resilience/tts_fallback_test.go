package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/tts"
	ttsmock "github.com/vocero-ai/vocero/pkg/provider/tts/mock"
)

func collectAudio(t *testing.T, ch <-chan tts.AudioChunk) []tts.AudioChunk {
	t.Helper()
	var chunks []tts.AudioChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestTTSFallback_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{
		Chunks: []tts.AudioChunk{
			{PCM: []byte("audio1"), SampleRate: 16000},
			{PCM: []byte("audio2"), SampleRate: 16000},
		},
	}
	secondary := &ttsmock.Provider{
		Chunks: []tts.AudioChunk{{PCM: []byte("fallback-audio"), SampleRate: 16000}},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audioCh, err := fb.SynthesizeStream(context.Background(), tts.Request{Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks := collectAudio(t, audioCh)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if string(chunks[0].PCM) != "audio1" {
		t.Fatalf("chunk[0] = %q, want audio1", chunks[0].PCM)
	}
	if primary.Calls() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.Calls())
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.Calls())
	}
}

func TestTTSFallback_OpenErrorFailsOver(t *testing.T) {
	primary := &ttsmock.Provider{
		Err: errors.New("primary down"),
	}
	secondary := &ttsmock.Provider{
		Chunks: []tts.AudioChunk{{PCM: []byte("fallback-audio"), SampleRate: 16000}},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audioCh, err := fb.SynthesizeStream(context.Background(), tts.Request{Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks := collectAudio(t, audioCh)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if string(chunks[0].PCM) != "fallback-audio" {
		t.Fatalf("chunk[0] = %q, want fallback-audio", chunks[0].PCM)
	}
}

func TestTTSFallback_ErrorBeforeFirstAudioFailsOver(t *testing.T) {
	// The primary opens its stream fine but fails before producing audio.
	// The caller must hear only the secondary.
	primary := &ttsmock.Provider{
		Chunks: []tts.AudioChunk{
			{Err: frame.Transient("tts", errors.New("503"))},
		},
	}
	secondary := &ttsmock.Provider{
		Chunks: []tts.AudioChunk{{PCM: []byte("rescued"), SampleRate: 16000}},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audioCh, err := fb.SynthesizeStream(context.Background(), tts.Request{Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks := collectAudio(t, audioCh)
	if len(chunks) != 1 || string(chunks[0].PCM) != "rescued" {
		t.Fatalf("chunks = %+v, want secondary audio only", chunks)
	}
	if primary.Calls() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.Calls())
	}
}

func TestTTSFallback_MidStreamErrorSurfaces(t *testing.T) {
	// Once audio has been yielded there is no hot swap: the error chunk
	// reaches the caller and the secondary stays untouched.
	primary := &ttsmock.Provider{
		Chunks: []tts.AudioChunk{
			{PCM: []byte("partial"), SampleRate: 16000},
			{Err: frame.Transient("tts", errors.New("connection reset"))},
		},
	}
	secondary := &ttsmock.Provider{
		Chunks: []tts.AudioChunk{{PCM: []byte("unused"), SampleRate: 16000}},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audioCh, err := fb.SynthesizeStream(context.Background(), tts.Request{Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks := collectAudio(t, audioCh)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[1].Err == nil {
		t.Fatal("chunks[1].Err should carry the mid-stream error")
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary called %d times, want 0 (no mid-stream swap)", secondary.Calls())
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Err: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.SynthesizeStream(context.Background(), tts.Request{Text: "hello"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
