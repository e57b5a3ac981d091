package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/spd010273/event-manager/internal/dbclient"
	"github.com/spd010273/event-manager/internal/querybuilder"
	"github.com/spd010273/event-manager/internal/session"
)

// EventTable, WorkTable, and ActionTable name the three schema objects the
// worker depends on (spec §6: "schema names are determined by the database
// extension's installation namespace"). They are package variables, but
// the dequeue, insert, and delete statements in this package name the
// tables literally and do not read them, so rebinding them does not change
// which tables the handlers use.
var (
	EventTable  = "event_queue"
	WorkTable   = "work_queue"
	ActionTable = "action"
)

const dequeueEventSQL = `
SELECT event_table_work_item, uid, recorded, pk_value, op, action,
       transaction_label, work_item_query, execute_asynchronously,
       old, new, session_values, ctid::text
FROM event_queue
ORDER BY recorded DESC
LIMIT 1
FOR UPDATE SKIP LOCKED`

const deleteEventSQL = `
DELETE FROM event_queue
WHERE event_table_work_item = $1
  AND uid IS NOT DISTINCT FROM $2
  AND recorded = $3
  AND pk_value = $4
  AND op = $5
  AND old IS NOT DISTINCT FROM $6
  AND new IS NOT DISTINCT FROM $7
  AND session_values IS NOT DISTINCT FROM $8
  AND ctid::text = $9`

const insertWorkRowSQL = `
INSERT INTO work_queue (parameters, uid, recorded, transaction_label, action, session_values, execute_asynchronously)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// ProcessEvent runs the Event Queue Handler state machine (spec §4.5) once,
// through client.WithTx: dequeue one event row, apply session variables,
// build and run its work-item query, insert one work row per result row,
// delete the event row, clear session variables, commit. It returns 1 on
// success, 0 on an empty/spurious dequeue, and an error for anything that
// forces a rollback after the retry budget is exhausted — callers
// (internal/notify.Handler) treat a non-nil error as a HandlerFail per
// spec §7, logging it and continuing the loop.
//
// Any step that fails with SQLSTATE admin_shutdown or query_canceled
// causes client.WithTx to roll back, reconnect, and run this whole
// function body again from a fresh dequeue, up to the client's retry
// budget (spec §4.1 "THE CORE" retry engineering) — not just the one
// failing statement, since the transaction is aborted the moment any
// statement in it fails.
func ProcessEvent(ctx context.Context, client *dbclient.Client, logger *slog.Logger) (int, error) {
	return client.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) (int, error) {
		item, ok, err := dequeueEvent(ctx, tx)
		if err != nil {
			return 0, fmt.Errorf("queue: dequeue event: %w", err)
		}
		if !ok {
			return 0, nil
		}

		if err := session.Set(ctx, tx, item.SessionValues); err != nil {
			return 0, fmt.Errorf("queue: apply session: %w", err)
		}

		q := querybuilder.New(item.WorkItemQuery)
		q.Bind("event_table_work_item", item.EventTableWorkItem)
		q.Bind("uid", uidParam(item.UID))
		q.Bind("op", string(item.Op))
		q.Bind("pk_value", item.PKValue)
		q.Bind("recorded", item.Recorded)
		if err := q.BindJSON(item.New, "NEW."); err != nil {
			return 0, fmt.Errorf("queue: bind new: %w", err)
		}
		if err := q.BindJSON(item.Old, "OLD."); err != nil {
			return 0, fmt.Errorf("queue: bind old: %w", err)
		}
		if err := q.BindJSON(item.SessionValues, ""); err != nil {
			return 0, fmt.Errorf("queue: bind session_values: %w", err)
		}
		q.Finalise()
		tmpl, params := q.Build()

		rows, err := tx.Query(ctx, tmpl, params...)
		if err != nil {
			return 0, fmt.Errorf("queue: execute work-item query: %w", err)
		}
		var produced [][]byte
		for rows.Next() {
			var parameters []byte
			if err := rows.Scan(&parameters); err != nil {
				rows.Close()
				return 0, fmt.Errorf("queue: scan work-item row: %w", err)
			}
			produced = append(produced, parameters)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("queue: work-item rows: %w", err)
		}

		for _, parameters := range produced {
			if _, err := tx.Exec(ctx, insertWorkRowSQL,
				parameters, uidParam(item.UID), item.Recorded, item.TransactionLabel,
				item.Action, nullableJSON(item.SessionValues), item.ExecuteAsynchronously,
			); err != nil {
				return 0, fmt.Errorf("queue: insert work row: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, deleteEventSQL,
			item.EventTableWorkItem, uidParam(item.UID), item.Recorded, item.PKValue,
			string(item.Op), nullableJSON(item.Old), nullableJSON(item.New),
			nullableJSON(item.SessionValues), item.CTID,
		); err != nil {
			return 0, fmt.Errorf("queue: delete event row: %w", err)
		}

		if err := session.Clear(ctx, tx, item.SessionValues); err != nil {
			return 0, fmt.Errorf("queue: clear session: %w", err)
		}

		logger.Info("event processed", "event_table_work_item", item.EventTableWorkItem, "produced", len(produced))
		return 1, nil
	})
}

// dequeueEvent claims the next event row, if any, under SKIP LOCKED. ok is
// false with no error when the queue is empty.
func dequeueEvent(ctx context.Context, tx pgx.Tx) (EventItem, bool, error) {
	row := tx.QueryRow(ctx, dequeueEventSQL)

	var item EventItem
	var op string
	err := row.Scan(
		&item.EventTableWorkItem, &item.UID, &item.Recorded, &item.PKValue, &op,
		&item.Action, &item.TransactionLabel, &item.WorkItemQuery,
		&item.ExecuteAsynchronously, &item.Old, &item.New, &item.SessionValues,
		&item.CTID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return EventItem{}, false, nil
	}
	if err != nil {
		return EventItem{}, false, err
	}
	if len(op) > 0 {
		item.Op = Op(op[0])
	}
	return item, true, nil
}

// uidParam returns the uid value to bind, or the NULL sentinel when nil.
func uidParam(uid *int64) any {
	if uid == nil {
		return querybuilder.Null
	}
	return *uid
}

// nullableJSON returns raw as a bindable value, turning an empty/nil slice
// into an explicit SQL NULL rather than an empty string.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
