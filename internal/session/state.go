// Package session owns the per-call scope: the conversation state machine,
// the pipeline worker tree, and the orchestrator loop that arbitrates
// between user speech, assistant playback, and out-of-band control.
//
// One Session per call. Nothing in this package is shared between calls.
package session

import (
	"log/slog"
	"sync"

	"github.com/vocero-ai/vocero/pkg/frame"
)

// State is the global conversation state. Exactly one state holds at any
// instant; transitions are serialized by the orchestrator goroutine.
type State int

const (
	// StateIdle is the pre-start and post-stop state. Once the machine
	// returns to idle via an emergency stop it never leaves.
	StateIdle State = iota

	// StateListening means the call is waiting on user speech.
	StateListening

	// StateThinking means a user turn was committed and the assistant is
	// generating but has not yet produced audible output.
	StateThinking

	// StateSpeaking means assistant audio is flowing to the transport.
	StateSpeaking
)

// String returns the lowercase state label used in logs and history records.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Event is a stimulus applied to the state machine.
type Event int

const (
	// EventSessionStart fires once when the call bootstraps.
	EventSessionStart Event = iota

	// EventUserStartedSpeaking marks confirmed voice activity. While
	// listening it only sets the inner voiced flag; the state is unchanged.
	EventUserStartedSpeaking

	// EventUserTurnReady marks a committed, non-empty user transcript.
	EventUserTurnReady

	// EventUserTurnEmpty marks a turn end whose transcript was empty. The
	// machine stays listening and no assistant turn is dispatched.
	EventUserTurnEmpty

	// EventAssistantTurn marks the dispatch of a scripted assistant
	// utterance (greeting, idle prompt, fallback) with no user turn behind
	// it. It takes the same path through thinking so the playback brackets
	// land in a consistent state.
	EventAssistantTurn

	// EventAssistantAudio marks the first synthesized audio of the turn.
	EventAssistantAudio

	// EventAssistantIdle marks an assistant turn that finished without
	// producing any audio (model returned no speakable content).
	EventAssistantIdle

	// EventAssistantDone marks natural completion of assistant playback.
	EventAssistantDone

	// EventInterrupt marks a barge-in or cancellation cutting the current
	// assistant turn.
	EventInterrupt

	// EventEmergencyStop tears the call down. Terminal from every state.
	EventEmergencyStop
)

// String returns the snake_case event label used in logs and history records.
func (e Event) String() string {
	switch e {
	case EventSessionStart:
		return "session_start"
	case EventUserStartedSpeaking:
		return "user_started_speaking"
	case EventUserTurnReady:
		return "user_turn_ready"
	case EventUserTurnEmpty:
		return "user_turn_empty"
	case EventAssistantTurn:
		return "assistant_turn"
	case EventAssistantAudio:
		return "assistant_audio"
	case EventAssistantIdle:
		return "assistant_idle"
	case EventAssistantDone:
		return "assistant_done"
	case EventInterrupt:
		return "interrupt"
	case EventEmergencyStop:
		return "emergency_stop"
	default:
		return "unknown"
	}
}

// Transition is one recorded state change, kept for debugging and replay.
type Transition struct {
	From  State
	Event Event
	To    State

	// At is the monotonic pipeline timestamp of the transition. Strictly
	// increasing across the history, ties bumped by one nanosecond.
	At int64
}

// historyCap bounds the transition log; older entries are discarded.
const historyCap = 64

// Machine is the conversation state machine. Apply is the only mutator and
// is safe for concurrent use, though in practice a single orchestrator
// goroutine owns it.
type Machine struct {
	log *slog.Logger

	mu     sync.Mutex
	state  State
	voiced bool
	hist   []Transition
	lastAt int64
}

// NewMachine returns a machine in [StateIdle].
func NewMachine(log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{log: log, state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Voiced reports whether user speech has been confirmed since the machine
// last entered listening.
func (m *Machine) Voiced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voiced
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.hist))
	copy(out, m.hist)
	return out
}

// Terminal reports whether the machine has been emergency-stopped.
func (m *Machine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateIdle && m.lastAt > 0
}

// Apply feeds one event through the transition table. It returns the state
// after the event and whether the event was legal in the prior state.
// Illegal events are logged at warn and dropped; the state is unchanged.
func (m *Machine) Apply(ev Event) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Terminal: once stopped, nothing revives the call.
	if m.state == StateIdle && m.lastAt > 0 {
		return m.state, false
	}

	next, ok := m.nextLocked(ev)
	if !ok {
		m.log.Warn("illegal state transition dropped",
			slog.String("state", m.state.String()),
			slog.String("event", ev.String()))
		return m.state, false
	}

	m.recordLocked(ev, next)
	m.state = next
	return next, true
}

// nextLocked resolves the transition table. Caller holds mu.
func (m *Machine) nextLocked(ev Event) (State, bool) {
	if ev == EventEmergencyStop {
		return StateIdle, true
	}

	switch m.state {
	case StateIdle:
		if ev == EventSessionStart {
			return StateListening, true
		}

	case StateListening:
		switch ev {
		case EventUserStartedSpeaking:
			m.voiced = true
			return StateListening, true
		case EventUserTurnReady:
			return StateThinking, true
		case EventUserTurnEmpty:
			m.voiced = false
			return StateListening, true
		case EventAssistantTurn:
			return StateThinking, true
		}

	case StateThinking:
		switch ev {
		case EventAssistantAudio:
			return StateSpeaking, true
		case EventAssistantIdle:
			m.voiced = false
			return StateListening, true
		case EventInterrupt:
			m.voiced = false
			return StateListening, true
		}

	case StateSpeaking:
		switch ev {
		case EventAssistantDone:
			m.voiced = false
			return StateListening, true
		case EventInterrupt:
			m.voiced = false
			return StateListening, true
		}
	}
	return m.state, false
}

// recordLocked appends to the bounded history with a strictly increasing
// timestamp. Caller holds mu.
func (m *Machine) recordLocked(ev Event, to State) {
	at := frame.Now()
	if at <= m.lastAt {
		at = m.lastAt + 1
	}
	m.lastAt = at

	m.hist = append(m.hist, Transition{From: m.state, Event: ev, To: to, At: at})
	if len(m.hist) > historyCap {
		m.hist = m.hist[len(m.hist)-historyCap:]
	}
}
