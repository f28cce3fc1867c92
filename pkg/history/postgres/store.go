package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocero-ai/vocero/pkg/history"
)

var _ history.Store = (*Store)(nil)

// Store is the PostgreSQL-backed history sink. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the PostgreSQL database at dsn,
// verifies connectivity, and runs [Migrate] to ensure the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// AppendTurn implements [history.Store]. It inserts one row into the turns
// table; tool calls and the latency breakdown are stored as JSONB.
func (s *Store) AppendTurn(ctx context.Context, turn history.TurnRecord) error {
	const q = `
		INSERT INTO turns
		    (call_id, trace_id, started_at, ended_at, user_text, assistant_text, tool_calls, latency, interrupted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	toolCalls := []byte("[]")
	if len(turn.ToolCalls) > 0 {
		b, err := json.Marshal(turn.ToolCalls)
		if err != nil {
			return fmt.Errorf("history store: encode tool calls: %w", err)
		}
		toolCalls = b
	}
	latency, err := json.Marshal(turn.Latency)
	if err != nil {
		return fmt.Errorf("history store: encode latency: %w", err)
	}

	_, err = s.pool.Exec(ctx, q,
		turn.CallID,
		turn.TraceID,
		turn.StartedAt,
		turn.EndedAt,
		turn.UserText,
		turn.AssistantText,
		toolCalls,
		latency,
		turn.Interrupted,
	)
	if err != nil {
		return fmt.Errorf("history store: append turn: %w", err)
	}
	return nil
}

// FinishCall implements [history.Store]. It upserts the call summary so a
// retried flush of the same call replaces the previous row.
func (s *Store) FinishCall(ctx context.Context, call history.CallRecord) error {
	const q = `
		INSERT INTO calls
		    (call_id, started_at, ended_at, turns, idle_retries, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (call_id) DO UPDATE
		SET ended_at     = EXCLUDED.ended_at,
		    turns        = EXCLUDED.turns,
		    idle_retries = EXCLUDED.idle_retries,
		    end_reason   = EXCLUDED.end_reason`

	_, err := s.pool.Exec(ctx, q,
		call.CallID,
		call.StartedAt,
		call.EndedAt,
		call.Turns,
		call.IdleRetries,
		call.EndReason,
	)
	if err != nil {
		return fmt.Errorf("history store: finish call: %w", err)
	}
	return nil
}

// Close implements [history.Store]. It releases all connections held by the
// underlying pool.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}
