// Package postgres provides a PostgreSQL-backed implementation of
// [history.Store] on a single [pgxpool.Pool].
//
// The store is write-only: one INSERT per turn, one upsert per call summary.
// [Migrate] installs the schema and is safe to call on every start.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close(ctx)
//
//	_ = store.AppendTurn(ctx, turn)
//	_ = store.FinishCall(ctx, call)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// turns carries no foreign key to calls: turn rows are appended while the
// call is still live, before its calls row exists.
const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id             BIGSERIAL    PRIMARY KEY,
    call_id        TEXT         NOT NULL,
    trace_id       TEXT         NOT NULL,
    started_at     TIMESTAMPTZ  NOT NULL,
    ended_at       TIMESTAMPTZ  NOT NULL,
    user_text      TEXT         NOT NULL DEFAULT '',
    assistant_text TEXT         NOT NULL DEFAULT '',
    tool_calls     JSONB        NOT NULL DEFAULT '[]',
    latency        JSONB        NOT NULL DEFAULT '{}',
    interrupted    BOOLEAN      NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_turns_call_id
    ON turns (call_id);

CREATE INDEX IF NOT EXISTS idx_turns_started_at
    ON turns (started_at);
`

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id      TEXT         PRIMARY KEY,
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ  NOT NULL,
    turns        INT          NOT NULL DEFAULT 0,
    idle_retries INT          NOT NULL DEFAULT 0,
    end_reason   TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlTurns, ddlCalls} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("history migrate: %w", err)
		}
	}
	return nil
}
