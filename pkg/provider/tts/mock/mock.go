// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider in unit tests to verify that the pipeline sends correct
// synthesis Requests and to feed controlled PCM chunks without a live TTS
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: []tts.AudioChunk{
//	        {PCM: []byte{0x01, 0x02}, SampleRate: 16000},
//	    },
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/vocero-ai/vocero/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of SynthesizeStream.
type SynthesizeCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Req is the Request passed to SynthesizeStream.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
// Zero values cause SynthesizeStream to return an immediately-closed channel.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of AudioChunk values emitted on the channel
	// returned by SynthesizeStream when Streams is exhausted or unset.
	Chunks []tts.AudioChunk

	// Streams, when non-empty, supplies a distinct chunk sequence per call:
	// the first SynthesizeStream consumes Streams[0], the second Streams[1],
	// and so on. Calls beyond the list fall back to Chunks.
	Streams [][]tts.AudioChunk

	// Err, if non-nil, is returned as the error from SynthesizeStream
	// instead of opening a channel.
	Err error

	// ChunkDelay, when positive, is slept before each emitted chunk to
	// simulate synthesis latency.
	ChunkDelay time.Duration

	// HoldOpen keeps the channel open after all chunks are emitted until the
	// call's context is cancelled. Use it to exercise interruption paths.
	HoldOpen bool

	// --- Call records (read after test) ---

	// SynthesizeCalls records every invocation of SynthesizeStream in order.
	SynthesizeCalls []SynthesizeCall
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream records the call and returns a channel that emits the
// scripted chunks. If Err is set, it returns nil, Err without opening a
// channel.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.AudioChunk, error) {
	p.mu.Lock()
	call := len(p.SynthesizeCalls)
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	if p.Err != nil {
		err := p.Err
		p.mu.Unlock()
		return nil, err
	}
	script := p.Chunks
	if call < len(p.Streams) {
		script = p.Streams[call]
	}
	chunks := make([]tts.AudioChunk, len(script))
	copy(chunks, script)
	delay := p.ChunkDelay
	hold := p.HoldOpen
	p.mu.Unlock()

	ch := make(chan tts.AudioChunk, len(chunks))
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

// Calls returns the number of SynthesizeStream invocations so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// LastRequest returns the Request of the most recent call, or a zero Request
// when no call was made.
func (p *Provider) LastRequest() tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.SynthesizeCalls) == 0 {
		return tts.Request{}
	}
	return p.SynthesizeCalls[len(p.SynthesizeCalls)-1].Req
}

// Requests returns a copy of every recorded Request in call order.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Req
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}
