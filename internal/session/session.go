// Package session applies and clears the per-transaction configuration
// keys carried in a queue row's session_values JSON object, so downstream
// SQL (in queries and in the audit hook) can see caller-supplied context
// via current_setting().
//
// Grounded on internal/server/storage/postgres.go's query-building and
// error-wrapping conventions. set_config's arguments are ordinary text
// parameters, not identifiers, so keys and values are passed as plain
// positional pgx arguments rather than through internal/querybuilder.
package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Executor is the minimal pgx surface session needs; pgx.Tx and *pgx.Conn
// both satisfy it.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Set parses sessionValues (a JSON object, possibly nil/empty) and, for
// each key/value pair, runs `SELECT set_config($1, $2, true)` on exec so
// the setting is scoped to the current transaction (the final argument is
// is_local). A value whose text is exactly "null"/"NULL" is set as a SQL
// NULL. An empty or nil sessionValues is a no-op.
func Set(ctx context.Context, exec Executor, sessionValues []byte) error {
	return walk(ctx, exec, sessionValues, "set", func(ctx context.Context, key string, value json.RawMessage) error {
		text, isNull, err := scalarText(value)
		if err != nil {
			return err
		}
		var arg any = text
		if isNull {
			arg = nil
		}
		_, err = exec.Exec(ctx, "SELECT set_config($1, $2, true)", key, arg)
		return err
	})
}

// Clear resets every key present in sessionValues back to its prior scope
// default via `SELECT set_config($1, NULL, true)`. It iterates the same
// keys Set would have applied; an empty or nil sessionValues is a no-op.
func Clear(ctx context.Context, exec Executor, sessionValues []byte) error {
	return walk(ctx, exec, sessionValues, "clear", func(ctx context.Context, key string, _ json.RawMessage) error {
		_, err := exec.Exec(ctx, "SELECT set_config($1, NULL, true)", key)
		return err
	})
}

// walk parses sessionValues as a JSON object and invokes fn once per
// top-level key/value pair, wrapping any failure with op and the key.
func walk(ctx context.Context, exec Executor, sessionValues []byte, op string, fn func(context.Context, string, json.RawMessage) error) error {
	if len(sessionValues) == 0 {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(sessionValues, &raw); err != nil {
		return fmt.Errorf("session: %s: session_values is not a JSON object: %w", op, err)
	}

	for key, value := range raw {
		if err := fn(ctx, key, value); err != nil {
			return fmt.Errorf("session: %s: key %q: %w", op, key, err)
		}
	}
	return nil
}

// scalarText mirrors querybuilder's value normalisation: JSON null, and
// the strings "null"/"NULL", both become a SQL NULL; a JSON string value
// is unquoted; anything else (number, bool, nested object/array) is bound
// as its raw JSON text.
func scalarText(value json.RawMessage) (text string, isNull bool, err error) {
	trimmed := string(value)
	if trimmed == "null" {
		return "", true, nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return "", false, fmt.Errorf("decode string: %w", err)
		}
		if s == "null" || s == "NULL" {
			return "", true, nil
		}
		return s, false, nil
	}
	return trimmed, false, nil
}
