package resilience

import (
	"context"
	"errors"

	"github.com/vocero-ai/vocero/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// StreamCompletion opens a completion stream on the first healthy provider.
// The stream is held until its first chunk arrives, so a provider that fails
// before producing any output is retried on the next entry without the caller
// noticing. Once output has been yielded the stream is committed: mid-stream
// errors surface to the caller as FinishError chunks, never as a hot swap.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	o, err := ExecuteWithResult(f.group, func(p llm.Provider) (openedStream[llm.Chunk], error) {
		if err := ctx.Err(); err != nil {
			return openedStream[llm.Chunk]{}, err
		}
		upstream, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return openedStream[llm.Chunk]{}, err
		}
		return holdFirst(ctx, upstream, func(c llm.Chunk) error {
			if c.Err != nil {
				return c.Err
			}
			if c.FinishReason == llm.FinishError {
				return errors.New("stream failed before first output")
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return pipe(ctx, o), nil
}
