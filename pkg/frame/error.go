package frame

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across every port. Kinds, not concrete
// types: adapters map vendor-specific failures onto this taxonomy so the
// resilience layer and the orchestrator can decide without knowing vendors.
type ErrorKind int

const (
	// ErrorTransport covers lost connections and malformed envelopes on the
	// call's audio transport. Terminates the session after a flush attempt.
	ErrorTransport ErrorKind = iota

	// ErrorProviderTransient covers network timeouts, 5xx responses and rate
	// limits. Retryable; counts against the provider's circuit breaker.
	ErrorProviderTransient

	// ErrorProviderFatal covers authentication failures and invalid
	// configuration. Not retryable; opens the circuit immediately.
	ErrorProviderFatal

	// ErrorProtocolViolation covers provider streams that break their
	// contract (a final before any partial, a stream ending without a finish
	// reason). Logged and treated as end-of-stream.
	ErrorProtocolViolation

	// ErrorTimeout covers missing chunks within the expected window. Cancels
	// the current stream; the turn surfaces as interrupted.
	ErrorTimeout

	// ErrorTool covers tool invocations that fail or time out. Surfaced into
	// the LLM loop as a failed tool response; never fatal to the session.
	ErrorTool

	// ErrorInternalInvariant covers illegal state transitions and contract
	// violations inside the core. The session terminates with EMERGENCY_STOP
	// to avoid corrupt history.
	ErrorInternalInvariant
)

// String returns the snake_case kind label used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case ErrorTransport:
		return "transport"
	case ErrorProviderTransient:
		return "provider_transient"
	case ErrorProviderFatal:
		return "provider_fatal"
	case ErrorProtocolViolation:
		return "protocol_violation"
	case ErrorTimeout:
		return "timeout"
	case ErrorTool:
		return "tool"
	case ErrorInternalInvariant:
		return "internal_invariant"
	default:
		return "unknown"
	}
}

// PortError is the error type returned by port adapters. It ties a vendor
// failure to the taxonomy so the fallback wrapper can do breaker accounting
// with errors.As alone.
type PortError struct {
	// Port names the originating port ("stt", "llm", "tts", "tool").
	Port string

	Kind ErrorKind

	// Retryable reports whether the failure may succeed on retry or on a
	// sibling provider. Only retryable failures count toward opening a
	// breaker through the consecutive-failure path.
	Retryable bool

	Err error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Port, e.Kind, e.Err)
}

func (e *PortError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider failure.
func Transient(port string, err error) *PortError {
	return &PortError{Port: port, Kind: ErrorProviderTransient, Retryable: true, Err: err}
}

// Fatal wraps err as a non-retryable provider failure.
func Fatal(port string, err error) *PortError {
	return &PortError{Port: port, Kind: ErrorProviderFatal, Retryable: false, Err: err}
}

// Violation wraps err as a provider protocol violation.
func Violation(port string, err error) *PortError {
	return &PortError{Port: port, Kind: ErrorProtocolViolation, Retryable: false, Err: err}
}

// TimeoutErr wraps err as a turn-level timeout.
func TimeoutErr(port string, err error) *PortError {
	return &PortError{Port: port, Kind: ErrorTimeout, Retryable: true, Err: err}
}

// KindOf extracts the taxonomy kind from err. Unclassified errors report
// ErrorProviderTransient with ok=false so callers can choose a default.
func KindOf(err error) (kind ErrorKind, ok bool) {
	var pe *PortError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return ErrorProviderTransient, false
}

// IsRetryable reports whether err is marked retryable. Unclassified errors
// are treated as retryable: transient network failures commonly surface as
// plain wrapped errors from vendor SDKs.
func IsRetryable(err error) bool {
	var pe *PortError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
