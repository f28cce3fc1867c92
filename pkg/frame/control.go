package frame

// ControlKind enumerates the out-of-band signals that bypass the data
// queues. Control messages are targeted: each carries the trace id of the
// turn it applies to, and consumers drop messages whose trace no longer
// matches the current turn.
type ControlKind int

const (
	// ControlInterrupt requests barge-in handling: stop speaking, cancel the
	// in-flight LLM and TTS streams for the targeted turn.
	ControlInterrupt ControlKind = iota

	// ControlCancelTurn abandons the targeted turn without starting a new
	// one (e.g. the turn timed out before any response was produced).
	ControlCancelTurn

	// ControlEmergencyStop terminates the session from any state. Terminal.
	ControlEmergencyStop
)

// String returns the wire-style label used in logs.
func (k ControlKind) String() string {
	switch k {
	case ControlInterrupt:
		return "INTERRUPT"
	case ControlCancelTurn:
		return "CANCEL_TURN"
	case ControlEmergencyStop:
		return "EMERGENCY_STOP"
	default:
		return "UNKNOWN"
	}
}

// ControlMessage is one signal on the control channel.
type ControlMessage struct {
	Kind ControlKind

	// TraceID targets the turn the signal applies to. EMERGENCY_STOP may
	// carry an empty trace id: it applies to the session, not a turn.
	TraceID string

	// PostedAt is the monotonic publish time, used to measure
	// publish-to-observe latency.
	PostedAt int64
}

// NewControl builds a control message stamped with the current monotonic time.
func NewControl(kind ControlKind, traceID string) ControlMessage {
	return ControlMessage{Kind: kind, TraceID: traceID, PostedAt: Now()}
}
