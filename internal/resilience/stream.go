package resilience

import "context"

// openedStream is a provider stream held at its first item. The per-port
// wrappers use it to treat a stream that dies before producing output as a
// failed attempt (eligible for failover) while leaving established streams
// untouched.
type openedStream[C any] struct {
	first    C
	hasFirst bool
	rest     <-chan C
}

// holdFirst blocks until upstream yields its first item, closes, or ctx is
// cancelled. errOf extracts a terminal error from an item; when the first item
// carries one, the attempt counts as failed and upstream is drained in the
// background so the provider goroutine can exit.
func holdFirst[C any](ctx context.Context, upstream <-chan C, errOf func(C) error) (openedStream[C], error) {
	select {
	case first, ok := <-upstream:
		if !ok {
			// Closed without output: nothing to fail over, nothing to emit.
			return openedStream[C]{}, nil
		}
		if err := errOf(first); err != nil {
			go func() {
				for range upstream {
				}
			}()
			return openedStream[C]{}, err
		}
		return openedStream[C]{first: first, hasFirst: true, rest: upstream}, nil

	case <-ctx.Done():
		go func() {
			for range upstream {
			}
		}()
		return openedStream[C]{}, ctx.Err()
	}
}

// pipe replays the held first item and then forwards the rest of the stream.
// The returned channel closes when the upstream closes or ctx is cancelled.
func pipe[C any](ctx context.Context, o openedStream[C]) <-chan C {
	out := make(chan C, 1)
	go func() {
		defer close(out)
		if o.hasFirst {
			select {
			case out <- o.first:
			case <-ctx.Done():
				return
			}
		}
		if o.rest == nil {
			return
		}
		for c := range o.rest {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
