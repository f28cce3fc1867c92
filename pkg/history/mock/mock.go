// Package mock provides an in-memory test double for [history.Store].
//
// The store records every turn and call summary for assertion in tests and
// exposes per-method error fields that control what it returns. Safe for
// concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/vocero-ai/vocero/pkg/history"
)

var _ history.Store = (*Store)(nil)

// Store is a configurable in-memory [history.Store].
type Store struct {
	mu     sync.Mutex
	turns  []history.TurnRecord
	calls  []history.CallRecord
	closed bool

	// AppendTurnErr is returned by AppendTurn when non-nil.
	AppendTurnErr error

	// FinishCallErr is returned by FinishCall when non-nil.
	FinishCallErr error

	// CloseErr is returned by Close when non-nil.
	CloseErr error
}

// AppendTurn implements [history.Store].
func (s *Store) AppendTurn(_ context.Context, turn history.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendTurnErr != nil {
		return s.AppendTurnErr
	}
	s.turns = append(s.turns, turn)
	return nil
}

// FinishCall implements [history.Store].
func (s *Store) FinishCall(_ context.Context, call history.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FinishCallErr != nil {
		return s.FinishCallErr
	}
	s.calls = append(s.calls, call)
	return nil
}

// Close implements [history.Store].
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.CloseErr
}

// Turns returns a copy of all recorded turn records in append order.
func (s *Store) Turns() []history.TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.TurnRecord, len(s.turns))
	copy(out, s.turns)
	return out
}

// Calls returns a copy of all recorded call summaries in append order.
func (s *Store) Calls() []history.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.CallRecord, len(s.calls))
	copy(out, s.calls)
	return out
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reset clears all recorded state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.calls = nil
	s.closed = false
}
