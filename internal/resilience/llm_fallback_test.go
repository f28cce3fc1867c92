package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/llm"
	llmmock "github.com/vocero-ai/vocero/pkg/provider/llm/mock"
)

func collectChunks(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestLLMFallback_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Content: "hello from primary"},
			{FinishReason: llm.FinishStop},
		},
	}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Content: "hello from secondary"},
			{FinishReason: llm.FinishStop},
		},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := collectChunks(t, ch)
	if len(chunks) != 2 || chunks[0].Content != "hello from primary" {
		t.Fatalf("chunks = %+v, want primary content", chunks)
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.Calls())
	}
}

func TestLLMFallback_OpenErrorFailsOver(t *testing.T) {
	primary := &llmmock.Provider{
		StreamErr: errors.New("primary down"),
	}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Content: "chunk1"},
			{Content: "chunk2", FinishReason: llm.FinishStop},
		},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := collectChunks(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Content != "chunk1" {
		t.Fatalf("chunk[0].Content = %q, want chunk1", chunks[0].Content)
	}
}

func TestLLMFallback_ErrorBeforeFirstOutputFailsOver(t *testing.T) {
	// The primary opens its stream fine but dies before producing a single
	// token. The caller must see only the secondary's output.
	primary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{FinishReason: llm.FinishError, Err: frame.Transient("llm", errors.New("503"))},
		},
	}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Content: "rescued"},
			{FinishReason: llm.FinishStop},
		},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := collectChunks(t, ch)
	if len(chunks) != 2 || chunks[0].Content != "rescued" {
		t.Fatalf("chunks = %+v, want secondary content only", chunks)
	}
	if primary.Calls() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.Calls())
	}
}

func TestLLMFallback_MidStreamErrorSurfaces(t *testing.T) {
	// Once output has been yielded there is no hot swap: the error chunk
	// reaches the caller and the secondary stays untouched.
	primary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Content: "partial answer"},
			{FinishReason: llm.FinishError, Err: frame.Transient("llm", errors.New("connection reset"))},
		},
	}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Content: "unused", FinishReason: llm.FinishStop}},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := collectChunks(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[1].FinishReason != llm.FinishError {
		t.Fatalf("chunks[1].FinishReason = %q, want error", chunks[1].FinishReason)
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary called %d times, want 0 (no mid-stream swap)", secondary.Calls())
	}
}

func TestLLMFallback_EmptyStreamIsEndOfStream(t *testing.T) {
	// A stream that closes without emitting anything is treated as a normal
	// (empty) end of stream, not a failure.
	primary := &llmmock.Provider{}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Content: "unused", FinishReason: llm.FinishStop}},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks := collectChunks(t, ch); len(chunks) != 0 {
		t.Fatalf("chunks = %+v, want none", chunks)
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.Calls())
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("primary down")}
	secondary := &llmmock.Provider{StreamErr: errors.New("secondary down")}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.StreamCompletion(context.Background(), llm.Request{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_FatalOpensPrimaryBreaker(t *testing.T) {
	primary := &llmmock.Provider{
		StreamErr: frame.Fatal("llm", errors.New("401 unauthorized")),
	}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Content: "ok", FinishReason: llm.FinishStop}},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)

	// First call trips the primary's breaker and is served by the secondary.
	ch, err := fb.StreamCompletion(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collectChunks(t, ch)

	// Subsequent calls route straight to the secondary.
	ch, err = fb.StreamCompletion(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collectChunks(t, ch)

	if primary.Calls() != 1 {
		t.Fatalf("primary called %d times, want 1 (breaker should be open)", primary.Calls())
	}
	if secondary.Calls() != 2 {
		t.Fatalf("secondary called %d times, want 2", secondary.Calls())
	}
}
