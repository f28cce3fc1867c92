package postgres_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocero-ai/vocero/pkg/history"
	"github.com/vocero-ai/vocero/pkg/history/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOCERO_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOCERO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOCERO_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema and a
// bare verification pool. It registers t.Cleanup for both.
func newTestStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	dropSchema(t, ctx, pool)

	store, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store, pool
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS turns CASCADE",
		"DROP TABLE IF EXISTS calls CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func TestAppendTurn(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	turn := history.TurnRecord{
		CallID:        "call-1",
		TraceID:       "trace-1",
		StartedAt:     now.Add(-4 * time.Second),
		EndedAt:       now,
		UserText:      "what are your opening hours?",
		AssistantText: "We are open nine to five, Monday through Friday.",
		ToolCalls: []history.ToolCallRecord{
			{Name: "dblookup", Arguments: `{"query":"hours"}`, Result: "9-17", DurationMs: 42},
		},
		Latency: history.LatencyBreakdown{
			STTFirstResultMs: 180,
			LLMFirstTokenMs:  350,
			TTSFirstAudioMs:  520,
			TurnTotalMs:      3900,
		},
		Interrupted: true,
	}

	if err := store.AppendTurn(ctx, turn); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	const q = `
		SELECT trace_id, user_text, assistant_text, tool_calls, latency, interrupted
		FROM   turns
		WHERE  call_id = $1`

	var (
		traceID, userText, assistantText string
		toolCallsRaw, latencyRaw         []byte
		interrupted                      bool
	)
	err := pool.QueryRow(ctx, q, turn.CallID).Scan(
		&traceID, &userText, &assistantText, &toolCallsRaw, &latencyRaw, &interrupted,
	)
	if err != nil {
		t.Fatalf("query turn back: %v", err)
	}

	if traceID != turn.TraceID {
		t.Errorf("trace_id: want %q, got %q", turn.TraceID, traceID)
	}
	if userText != turn.UserText {
		t.Errorf("user_text: want %q, got %q", turn.UserText, userText)
	}
	if assistantText != turn.AssistantText {
		t.Errorf("assistant_text: want %q, got %q", turn.AssistantText, assistantText)
	}
	if !interrupted {
		t.Error("interrupted: want true")
	}

	var toolCalls []history.ToolCallRecord
	if err := json.Unmarshal(toolCallsRaw, &toolCalls); err != nil {
		t.Fatalf("decode tool_calls: %v", err)
	}
	if len(toolCalls) != 1 || toolCalls[0].Name != "dblookup" || toolCalls[0].DurationMs != 42 {
		t.Errorf("tool_calls round-trip: got %+v", toolCalls)
	}

	var latency history.LatencyBreakdown
	if err := json.Unmarshal(latencyRaw, &latency); err != nil {
		t.Fatalf("decode latency: %v", err)
	}
	if latency != turn.Latency {
		t.Errorf("latency round-trip: want %+v, got %+v", turn.Latency, latency)
	}
}

func TestAppendTurn_NoToolCalls(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	turn := history.TurnRecord{
		CallID:    "call-empty",
		TraceID:   "trace-empty",
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
		UserText:  "hello",
	}
	if err := store.AppendTurn(ctx, turn); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	// A nil slice must persist as an empty JSON array, not JSON null.
	var raw string
	err := pool.QueryRow(ctx,
		"SELECT tool_calls::text FROM turns WHERE call_id = $1", turn.CallID,
	).Scan(&raw)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if raw != "[]" {
		t.Errorf("tool_calls: want [], got %s", raw)
	}
}

func TestFinishCall_Upsert(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	call := history.CallRecord{
		CallID:      "call-upsert",
		StartedAt:   time.Now().Add(-time.Minute),
		EndedAt:     time.Now(),
		Turns:       3,
		IdleRetries: 1,
		EndReason:   "caller_hangup",
	}
	if err := store.FinishCall(ctx, call); err != nil {
		t.Fatalf("FinishCall: %v", err)
	}

	// A retried flush replaces the previous summary instead of failing.
	call.Turns = 4
	call.EndReason = "end_call_tool"
	if err := store.FinishCall(ctx, call); err != nil {
		t.Fatalf("FinishCall retry: %v", err)
	}

	var (
		count, turns int
		endReason    string
	)
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM calls").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("calls rows: want 1, got %d", count)
	}
	err := pool.QueryRow(ctx,
		"SELECT turns, end_reason FROM calls WHERE call_id = $1", call.CallID,
	).Scan(&turns, &endReason)
	if err != nil {
		t.Fatalf("query call back: %v", err)
	}
	if turns != 4 {
		t.Errorf("turns: want 4, got %d", turns)
	}
	if endReason != "end_call_tool" {
		t.Errorf("end_reason: want end_call_tool, got %q", endReason)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	_, pool := newTestStore(t)
	ctx := context.Background()

	// Second migration against the live schema must be a no-op.
	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate again: %v", err)
	}
}

func TestNew_BadDSN(t *testing.T) {
	_, err := postgres.New(context.Background(), "://not-a-dsn")
	if err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}
