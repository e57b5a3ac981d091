// Package dispatcher implements the Action Dispatcher (spec §4.7): it
// decides, per work item, whether to run a SQL query or an HTTP call, and
// on a successful query invokes the optional audit-labelling hook.
//
// Grounded on Design Notes §9 ("Dynamic dispatch") directly; transaction
// and bind sequencing follows internal/queue's event handler.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spd010273/event-manager/internal/httpexec"
	"github.com/spd010273/event-manager/internal/querybuilder"
	"github.com/spd010273/event-manager/internal/queue"
	"github.com/spd010273/event-manager/internal/session"
)

// ErrNoAction is returned when an ActionDescriptor has neither Query nor
// URI populated (spec §3: "a conflicting combination is logged and treated
// as failure" — the same applies to the absent-both case).
var ErrNoAction = errors.New("dispatcher: action descriptor has neither query nor uri")

// ErrAmbiguousAction is returned when an ActionDescriptor has both Query
// and URI populated.
var ErrAmbiguousAction = errors.New("dispatcher: action descriptor has both query and uri")

// AuditLabeler invokes the extension's "label last transaction" SQL
// function, if the audit integration is present. A nil AuditLabeler (or
// one backed by an absent extension) is a no-op, per spec §4.7 ("only if
// audit integration is available").
type AuditLabeler interface {
	Label(ctx context.Context, tx pgx.Tx, label string) error
}

// UIDSetter fetches the configured SQL function name used to set the
// caller UID for the remainder of the transaction (spec §4.7 "UID
// setter"). The returned template contains a `?uid?` placeholder and
// possibly other placeholders filled from session_values. The lookup is
// read through the dispatch's own in-flight transaction, not a side
// connection, so a transient failure there shares the same retry-on-whole-
// transaction treatment as the rest of the dispatch.
type UIDSetter interface {
	FunctionTemplate(ctx context.Context, tx pgx.Tx) (string, error)
}

// Dispatcher resolves an ActionDescriptor to a concrete execution: a SQL
// query run in the caller's transaction, or an HTTP call via httpexec.
type Dispatcher struct {
	HTTP      *httpexec.Client
	UIDSetter UIDSetter
	Audit     AuditLabeler
	Logger    *slog.Logger

	// OnQueryResult, if set, is called once per query-branch dispatch with
	// whether it ultimately succeeded, so callers can feed a metrics
	// counter without this package importing one directly.
	OnQueryResult func(success bool)
}

// Dispatch implements queue.Dispatch: it is handed directly to
// queue.ProcessWork as the per-row callback.
func (d *Dispatcher) Dispatch(ctx context.Context, tx pgx.Tx, item queue.WorkItem, action queue.ActionDescriptor) error {
	correlationID := uuid.New().String()
	logger := d.Logger.With("correlation_id", correlationID, "action", item.Action)

	switch {
	case action.Query != nil && action.URI != nil:
		logger.Warn("action descriptor has both query and uri; treating as failure")
		return ErrAmbiguousAction
	case action.Query != nil:
		return d.dispatchQuery(ctx, tx, item, action, logger)
	case action.URI != nil:
		return d.HTTP.Execute(ctx, httpexec.Request{
			URI:              *action.URI,
			Method:           action.Method,
			UseSSL:           action.UseSSL,
			Parameters:       item.Parameters,
			StaticParameters: action.StaticParameters,
			SessionValues:    item.SessionValues,
		})
	default:
		logger.Warn("action descriptor has neither query nor uri")
		return ErrNoAction
	}
}

// dispatchQuery runs the spec §4.7 query branch: apply session, bind uid/
// recorded/transaction_label then parameters/static_parameters/
// session_values, finalise, set the caller UID, execute, clear session,
// and on success call the audit hook.
func (d *Dispatcher) dispatchQuery(ctx context.Context, tx pgx.Tx, item queue.WorkItem, action queue.ActionDescriptor, logger *slog.Logger) (err error) {
	if d.OnQueryResult != nil {
		defer func() { d.OnQueryResult(err == nil) }()
	}

	if err = session.Set(ctx, tx, item.SessionValues); err != nil {
		return fmt.Errorf("dispatcher: apply session: %w", err)
	}

	q := querybuilder.New(*action.Query)
	q.Bind("uid", uidOrNull(item.UID))
	q.Bind("recorded", item.Recorded)
	q.Bind("transaction_label", transactionLabelOrNull(item.TransactionLabel))
	if err = q.BindJSON(item.Parameters, ""); err != nil {
		return fmt.Errorf("dispatcher: bind parameters: %w", err)
	}
	if err = q.BindJSON(action.StaticParameters, ""); err != nil {
		return fmt.Errorf("dispatcher: bind static_parameters: %w", err)
	}
	if err = q.BindJSON(item.SessionValues, ""); err != nil {
		return fmt.Errorf("dispatcher: bind session_values: %w", err)
	}
	q.Finalise()

	if d.UIDSetter != nil {
		if err = d.setCallerUID(ctx, tx, item); err != nil {
			return fmt.Errorf("dispatcher: set caller uid: %w", err)
		}
	}

	tmpl, params := q.Build()
	if _, execErr := tx.Exec(ctx, tmpl, params...); execErr != nil {
		err = fmt.Errorf("dispatcher: execute action query: %w", execErr)
		return err
	}

	if err = session.Clear(ctx, tx, item.SessionValues); err != nil {
		return fmt.Errorf("dispatcher: clear session: %w", err)
	}

	if d.Audit != nil && item.TransactionLabel != nil {
		if auditErr := d.Audit.Label(ctx, tx, *item.TransactionLabel); auditErr != nil {
			logger.Warn("audit label hook failed", "error", auditErr)
			err = fmt.Errorf("dispatcher: audit label: %w", auditErr)
			return err
		}
	}
	return nil
}

// setCallerUID fetches the configured UID-setter function template,
// builds `SELECT <fn>`, binds uid and session_values, finalises, and
// executes it (spec §4.7 "UID setter").
func (d *Dispatcher) setCallerUID(ctx context.Context, tx pgx.Tx, item queue.WorkItem) error {
	tmplText, err := d.UIDSetter.FunctionTemplate(ctx, tx)
	if err != nil {
		return fmt.Errorf("fetch uid-setter template: %w", err)
	}

	q := querybuilder.New("SELECT " + tmplText)
	q.Bind("uid", uidOrNull(item.UID))
	if err := q.BindJSON(item.SessionValues, ""); err != nil {
		return fmt.Errorf("bind session_values: %w", err)
	}
	q.Finalise()

	tmpl, params := q.Build()
	if _, err := tx.Exec(ctx, tmpl, params...); err != nil {
		return fmt.Errorf("execute uid-setter: %w", err)
	}
	return nil
}

func uidOrNull(uid *int64) any {
	if uid == nil {
		return querybuilder.Null
	}
	return *uid
}

func transactionLabelOrNull(label *string) any {
	if label == nil {
		return querybuilder.Null
	}
	return *label
}
