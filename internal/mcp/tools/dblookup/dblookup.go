// Package dblookup provides the builtin "dblookup" tool: a parameterized SQL
// query against a PostgreSQL database, exposed to the LLM for data lookups
// during a call (account balances, order status, opening hours).
//
// The SQL statement comes from operator configuration, not from the model.
// The model only supplies named arguments, which are bound server-side via
// [pgx.NamedArgs], so a caller can never inject SQL through tool arguments.
//
// Results are returned as a JSON array of row objects, capped at [MaxRows] so
// a broad query cannot flood the conversation context.
package dblookup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vocero-ai/vocero/internal/mcp/mcphost"
	"github.com/vocero-ai/vocero/pkg/provider/llm"
)

// MaxRows caps the number of rows returned to the LLM from a single lookup.
const MaxRows = 20

// declaredMs is the latency estimate reported before live measurements exist.
const declaredMs = 150

// DB is the database interface used by [Tool]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Spec describes one configured lookup: the LLM-facing schema plus the SQL
// statement it runs. Placeholders in Query use the @name form and are bound
// from the identically-named keys of the tool-call arguments.
type Spec struct {
	// Name is the tool name offered to the LLM.
	Name string

	// Description tells the LLM when to call the tool.
	Description string

	// Parameters is the JSON-schema object describing the tool arguments.
	// When nil, an empty object schema is used.
	Parameters map[string]any

	// Query is the parameterized SQL statement, e.g.
	// "SELECT balance FROM accounts WHERE phone = @phone".
	Query string
}

// Tool executes a configured [Spec] against a database. The caller retains
// ownership of the connection or pool passed to [New].
type Tool struct {
	db   DB
	spec Spec
}

// New creates a lookup tool for the given database connection or pool.
func New(db DB, spec Spec) (*Tool, error) {
	if db == nil {
		return nil, fmt.Errorf("dblookup: db must not be nil")
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("dblookup: spec name must not be empty")
	}
	if spec.Query == "" {
		return nil, fmt.Errorf("dblookup: spec query must not be empty")
	}
	return &Tool{db: db, spec: spec}, nil
}

// Builtin returns the tool in registration-ready form for
// [mcphost.Host.RegisterBuiltin].
func (t *Tool) Builtin() mcphost.BuiltinTool {
	params := t.spec.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return mcphost.BuiltinTool{
		Definition: llm.ToolDefinition{
			Name:        t.spec.Name,
			Description: t.spec.Description,
			Parameters:  params,
		},
		Handler:    t.handle,
		DeclaredMs: declaredMs,
	}
}

// handle runs the configured query with the JSON-encoded tool-call arguments
// bound as named SQL parameters and returns the rows as a JSON array.
func (t *Tool) handle(ctx context.Context, args string) (string, error) {
	params := map[string]any{}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			return "", fmt.Errorf("dblookup: parse arguments: %w", err)
		}
	}

	rows, err := t.db.Query(ctx, t.spec.Query, pgx.NamedArgs(params))
	if err != nil {
		return "", fmt.Errorf("dblookup: query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, fd := range fields {
		cols[i] = fd.Name
	}

	var out []map[string]any
	for rows.Next() {
		if len(out) == MaxRows {
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return "", fmt.Errorf("dblookup: read row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if i < len(vals) {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("dblookup: iterate rows: %w", err)
	}

	if out == nil {
		out = []map[string]any{} // return empty array, not null
	}
	res, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("dblookup: encode result: %w", err)
	}
	return string(res), nil
}
