// Package pipeline provides the bounded frame queues, the out-of-band
// control channel, and the per-stage processors that make up a call's
// processing chain:
//
//	Transport(in) → VAD → STT → ContextAggregator → LLM → TTS → Transport(out)
//
// Data flows as [frame.Frame] values over bounded [Queue] hops. Control
// signals (interrupt, cancel, emergency stop) travel on a separate
// [ControlChannel] that bypasses the data path entirely, so a barge-in is
// observed even when every data queue is full.
//
// Each processor is a long-lived goroutine owned by the session's worker
// tree: it pops frames from its inbound queue, does its work, and pushes
// result frames to its outbound queue. Processors never mutate frames, never
// share state except through queues, and stop when their context is
// cancelled or their inbound queue closes.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/pkg/frame"
)

// DefaultQueueCapacity is the per-hop frame budget when the configuration
// does not override it.
const DefaultQueueCapacity = 32

// ErrQueueClosed is returned by Push and Pop after Close.
var ErrQueueClosed = errors.New("pipeline: queue closed")

// Queue is one bounded FIFO hop between two processors. A full queue applies
// backpressure to the producer; it never drops data frames silently.
//
// Queue is safe for concurrent use. Data hops wire one producer and one
// consumer; the orchestrator's event hop fans in from several producers.
type Queue struct {
	hop  string
	ch   chan frame.Frame
	done chan struct{}
	once sync.Once
	m    *observe.Metrics
}

// NewQueue creates a hop named for logging and metrics ("vad→stt",
// "tts→out"). A capacity ≤ 0 selects DefaultQueueCapacity.
func NewQueue(hop string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		hop:  hop,
		ch:   make(chan frame.Frame, capacity),
		done: make(chan struct{}),
	}
}

// Hop returns the queue's name for logs and the queue_depth metric.
func (q *Queue) Hop() string { return q.hop }

// Instrument attaches depth accounting for the queue_depth metric and
// returns the queue. Attach before the hop carries traffic, and only to
// hops whose consumer dequeues through Pop; reading Frames directly
// bypasses the accounting.
func (q *Queue) Instrument(m *observe.Metrics) *Queue {
	q.m = m
	return q
}

func (q *Queue) addDepth(ctx context.Context, delta int64) {
	if q.m != nil {
		q.m.AddQueueDepth(ctx, q.hop, delta)
	}
}

// Push enqueues f, blocking while the queue is full. It returns ctx.Err()
// if ctx is cancelled first, or ErrQueueClosed after Close.
func (q *Queue) Push(ctx context.Context, f frame.Frame) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- f:
		q.addDepth(ctx, 1)
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues f without blocking. It reports false when the queue is
// full or closed. Used by non-critical taps that must never stall the data
// path.
func (q *Queue) TryPush(f frame.Frame) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- f:
		q.addDepth(context.Background(), 1)
		return true
	default:
		return false
	}
}

// Pop dequeues the next frame, blocking while the queue is empty. Buffered
// frames are still delivered after Close; once empty, Pop returns
// ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context) (frame.Frame, error) {
	// Prefer buffered frames over the closed signal so Close does not lose
	// in-flight data.
	select {
	case f := <-q.ch:
		q.addDepth(ctx, -1)
		return f, nil
	default:
	}
	select {
	case f := <-q.ch:
		q.addDepth(ctx, -1)
		return f, nil
	case <-q.done:
		select {
		case f := <-q.ch:
			q.addDepth(ctx, -1)
			return f, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Frames exposes the underlying channel for use in select loops. Callers
// must still honour Close via Pop or the done channel.
func (q *Queue) Frames() <-chan frame.Frame { return q.ch }

// Done returns a channel closed when the queue is closed, for use in select
// loops together with Frames.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Depth returns the instantaneous number of buffered frames.
func (q *Queue) Depth() int { return len(q.ch) }

// Capacity returns the hop's frame budget.
func (q *Queue) Capacity() int { return cap(q.ch) }

// Drain discards every currently buffered frame and returns the count.
// Used on barge-in to flush unplayed outbound audio.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			if n > 0 {
				q.addDepth(context.Background(), int64(-n))
			}
			return n
		}
	}
}

// Close marks the queue closed. Pending frames remain poppable; subsequent
// Push calls fail. Close is idempotent.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

// StopCause normalises shutdown signals. A closed queue or a cancelled
// context is a clean stop for a run loop; anything else propagates as a
// failure.
func StopCause(err error) error {
	if err == nil || errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
