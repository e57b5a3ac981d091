// Package auditlabel probes, once at startup, for the optional audit
// extension's "label last transaction" SQL function and, if present,
// exposes a Label call the Action Dispatcher invokes after a successful
// query execution.
//
// # Presence probe
//
// Open queries pg_proc for the extension's labelling function. If it is
// absent, Open still returns a usable Labeler whose Label calls are
// no-ops (spec §4.7: "only if audit integration is available") rather
// than an error — the audit extension is optional infrastructure, not a
// startup dependency (SPEC_FULL.md Supplemented Features item 6).
//
// This keeps the Open/probe-once/use lifecycle shape of
// internal/audit/audit_logger.go's Open/Append/Close, but the probe
// itself has no hash-chain to carry over: there is nothing to
// hash-chain in a presence check against pg_proc, so only the lifecycle
// shape and doc-comment density are kept from that package.
package auditlabel

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DefaultFunction is the extension function probed for and invoked: a
// one-argument SQL function taking the caller-supplied label explicitly
// and the current transaction context implicitly.
const DefaultFunction = "audit.label_last_transaction"

// Labeler invokes the audit extension's labelling function within the
// caller's transaction, or is a no-op if the extension was absent at
// Open time.
type Labeler struct {
	function string
	present  bool
}

// Open probes conn once for DefaultFunction's presence via pg_proc/
// pg_namespace and returns a Labeler reflecting the result. It never
// returns an error for "extension absent" — see the package doc comment.
func Open(ctx context.Context, conn *pgx.Conn) (*Labeler, error) {
	schema, name, err := splitQualifiedName(DefaultFunction)
	if err != nil {
		return nil, fmt.Errorf("auditlabel: open: %w", err)
	}

	var present bool
	err = conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM pg_proc p
			JOIN pg_namespace n ON n.oid = p.pronamespace
			WHERE n.nspname = $1 AND p.proname = $2
		)`, schema, name).Scan(&present)
	if err != nil {
		return nil, fmt.Errorf("auditlabel: probe %s: %w", DefaultFunction, err)
	}

	return &Labeler{function: DefaultFunction, present: present}, nil
}

// Present reports whether the audit extension was found at Open time.
func (l *Labeler) Present() bool {
	return l != nil && l.present
}

// Label calls the extension's labelling function with label, scoped to
// tx. It is a no-op returning nil if the extension was absent at Open
// time.
func (l *Labeler) Label(ctx context.Context, tx pgx.Tx, label string) error {
	if !l.Present() {
		return nil
	}
	if _, err := tx.Exec(ctx, "SELECT "+l.function+"($1)", label); err != nil {
		return fmt.Errorf("auditlabel: label: %w", err)
	}
	return nil
}

// splitQualifiedName splits "schema.function" into its two parts.
func splitQualifiedName(qualified string) (schema, name string, err error) {
	for i := len(qualified) - 1; i >= 0; i-- {
		if qualified[i] == '.' {
			return qualified[:i], qualified[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("not a schema-qualified name: %q", qualified)
}
