package pipeline

import (
	"sync"

	"github.com/vocero-ai/vocero/pkg/frame"
)

// ControlChannel is the priority signalling path between producers (VAD,
// transport, lifecycle timers) and the single consumer (the orchestrator's
// state loop). It is independent of the data queues so control is observable
// even under full-queue backpressure.
//
// Semantics:
//   - Publish never blocks, regardless of consumer state.
//   - At most one signal of each kind is pending; a newer signal of the same
//     kind replaces the unread one.
//   - Take delivers pending signals in severity order: EMERGENCY_STOP, then
//     INTERRUPT, then CANCEL_TURN.
//
// The consumer selects on Notify alongside its data queues and, when woken,
// drains Take until it reports no pending signal.
type ControlChannel struct {
	mu     sync.Mutex
	slots  [3]*frame.ControlMessage
	notify chan struct{}
}

// takeOrder lists control kinds from most to least severe.
var takeOrder = [3]frame.ControlKind{
	frame.ControlEmergencyStop,
	frame.ControlInterrupt,
	frame.ControlCancelTurn,
}

// NewControlChannel creates an empty control channel.
func NewControlChannel() *ControlChannel {
	return &ControlChannel{notify: make(chan struct{}, 1)}
}

// Publish posts msg, replacing any unread signal of the same kind. It never
// blocks: if the consumer has not yet drained a prior wake-up, the pending
// notification already covers this message.
func (c *ControlChannel) Publish(msg frame.ControlMessage) {
	c.mu.Lock()
	c.slots[msg.Kind] = &msg
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Notify returns the wake-up channel. One receive may cover several pending
// signals; consumers drain via Take.
func (c *ControlChannel) Notify() <-chan struct{} {
	return c.notify
}

// Take removes and returns the most severe pending signal. ok is false when
// nothing is pending.
func (c *ControlChannel) Take() (msg frame.ControlMessage, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kind := range takeOrder {
		if m := c.slots[kind]; m != nil {
			c.slots[kind] = nil
			return *m, true
		}
	}
	return frame.ControlMessage{}, false
}

// Pending reports whether any signal is waiting, without consuming it.
func (c *ControlChannel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.slots {
		if m != nil {
			return true
		}
	}
	return false
}

// ActiveTurn publishes which assistant turn is currently in flight so that
// barge-in producers can target it without consulting the state machine. The
// orchestrator writes it on every turn boundary; the VAD stage reads it when
// deciding whether confirmed speech interrupts anything.
type ActiveTurn struct {
	mu    sync.Mutex
	trace string
	busy  bool
}

// Set records the in-flight assistant turn. busy is true from the moment a
// completion is requested until its utterance finishes or is cut.
func (a *ActiveTurn) Set(trace string, busy bool) {
	a.mu.Lock()
	a.trace, a.busy = trace, busy
	a.mu.Unlock()
}

// Get returns the in-flight turn's trace id and whether the assistant is
// busy. The trace is meaningful only while busy is true.
func (a *ActiveTurn) Get() (trace string, busy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trace, a.busy
}
