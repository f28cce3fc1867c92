// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the pipeline sends correct
// Requests and to feed controlled chunk sequences without a live LLM backend.
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{
//	        {Content: "Hello! "},
//	        {FinishReason: llm.FinishStop},
//	    },
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/vocero-ai/vocero/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the Request passed to StreamCompletion.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause StreamCompletion to return an immediately-closed channel.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamCompletion when Streams is exhausted or unset.
	StreamChunks []llm.Chunk

	// Streams, when non-empty, supplies a distinct chunk sequence per call:
	// the first StreamCompletion consumes Streams[0], the second Streams[1],
	// and so on. Calls beyond the list fall back to StreamChunks.
	Streams [][]llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of opening a channel.
	StreamErr error

	// ChunkDelay, when positive, is slept between emitted chunks to simulate
	// generation pacing.
	ChunkDelay time.Duration

	// HoldOpen keeps the channel open after all chunks are emitted until the
	// call's context is cancelled. Use it to exercise interruption paths.
	HoldOpen bool

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and returns a channel that emits the
// scripted chunks. If StreamErr is set, it returns nil, StreamErr without
// opening a channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	call := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	script := p.StreamChunks
	if call < len(p.Streams) {
		script = p.Streams[call]
	}
	chunks := make([]llm.Chunk, len(script))
	copy(chunks, script)
	delay := p.ChunkDelay
	hold := p.HoldOpen
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Calls returns the number of StreamCompletion invocations so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// LastRequest returns the Request of the most recent call, or a zero Request
// when no call was made.
func (p *Provider) LastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StreamCalls) == 0 {
		return llm.Request{}
	}
	return p.StreamCalls[len(p.StreamCalls)-1].Req
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}
