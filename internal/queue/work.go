package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/spd010273/event-manager/internal/dbclient"
)

// DefaultBaseURL is the compiled-in fallback used to resolve a
// __BASE_URL__ token when neither the work item's session_values nor the
// server-wide GUC supply one (SPEC_FULL.md Supplemented Features item 7).
const DefaultBaseURL = "http://localhost"

// baseURLGUC is the server-wide configuration key probed as the second
// link in the __BASE_URL__ fallback chain.
const baseURLGUC = "event_manager.base_url"

const baseURLToken = "__BASE_URL__"

const dequeueWorkSQL = `
WITH claimed AS (
	SELECT ctid, parameters, uid, recorded, transaction_label, action, session_values, execute_asynchronously
	FROM work_queue
	ORDER BY recorded DESC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
SELECT claimed.parameters, claimed.uid, claimed.recorded, claimed.transaction_label,
       claimed.action, claimed.session_values, claimed.execute_asynchronously, claimed.ctid::text,
       a.query, a.uri, a.method, a.use_ssl, a.static_parameters
FROM claimed
JOIN action a ON a.id = claimed.action`

const deleteWorkSQL = `
DELETE FROM work_queue
WHERE uid IS NOT DISTINCT FROM $1
  AND recorded = $2
  AND transaction_label IS NOT DISTINCT FROM $3
  AND action = $4
  AND session_values IS NOT DISTINCT FROM $5
  AND execute_asynchronously IS NOT DISTINCT FROM $6
  AND ctid::text = $7`

// claimedWork pairs a WorkItem with the ActionDescriptor its Action field
// resolved to, joined in the same dequeue query.
type claimedWork struct {
	item   WorkItem
	action ActionDescriptor
}

// Dispatch is the function the Action Dispatcher exposes to
// ProcessWork (spec §4.6 hands each dequeued row to §4.7's dispatcher).
// It returns nil on success; any error forces the whole transaction to
// roll back, per spec §5 ("A new transaction must not be started while
// another is open").
type Dispatch func(ctx context.Context, tx pgx.Tx, item WorkItem, action ActionDescriptor) error

// ProcessWork runs the Work Queue Handler (spec §4.6) once through
// client.WithTx: dequeue up to batchSize work rows joined with their action
// descriptor, dispatch each, delete the row on success, commit. It returns
// the number of rows successfully processed and deleted (0 on an
// empty/spurious dequeue), and an error for anything that forces a
// rollback after the retry budget is exhausted.
//
// A transient SQLSTATE anywhere in the loop re-runs the whole batch from a
// fresh dequeue (see ProcessEvent's doc comment for why that is the
// correct retry granularity), so dispatch handlers downstream must be safe
// to invoke more than once for the same row on retry.
func ProcessWork(ctx context.Context, client *dbclient.Client, batchSize int, dispatch Dispatch, logger *slog.Logger) (int, error) {
	if batchSize < 1 {
		batchSize = 1
	}

	return client.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) (int, error) {
		claimed, err := dequeueWork(ctx, tx, batchSize)
		if err != nil {
			return 0, fmt.Errorf("queue: dequeue work: %w", err)
		}
		if len(claimed) == 0 {
			return 0, nil
		}

		processed := 0
		for _, c := range claimed {
			resolved, err := resolveBaseURL(ctx, tx, c.action, c.item.SessionValues)
			if err != nil {
				return 0, fmt.Errorf("queue: resolve base url: %w", err)
			}
			c.action = resolved

			if err := dispatch(ctx, tx, c.item, c.action); err != nil {
				return 0, fmt.Errorf("queue: dispatch work item: %w", err)
			}

			if _, err := tx.Exec(ctx, deleteWorkSQL,
				uidParam(c.item.UID), c.item.Recorded, c.item.TransactionLabel,
				c.item.Action, nullableJSON(c.item.SessionValues), c.item.ExecuteAsynchronously, c.item.CTID,
			); err != nil {
				return 0, fmt.Errorf("queue: delete work row: %w", err)
			}
			processed++
		}

		logger.Info("work batch processed", "rows", processed)
		return processed, nil
	})
}

func dequeueWork(ctx context.Context, tx pgx.Tx, batchSize int) ([]claimedWork, error) {
	rows, err := tx.Query(ctx, dequeueWorkSQL, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []claimedWork
	for rows.Next() {
		var c claimedWork
		if err := rows.Scan(
			&c.item.Parameters, &c.item.UID, &c.item.Recorded, &c.item.TransactionLabel,
			&c.item.Action, &c.item.SessionValues, &c.item.ExecuteAsynchronously, &c.item.CTID,
			&c.action.Query, &c.action.URI, &c.action.Method, &c.action.UseSSL,
			&c.action.StaticParameters,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// resolveBaseURL rewrites a "__BASE_URL__" token in action.URI using the
// fallback chain from SPEC_FULL.md Supplemented Features item 7: the work
// item's own session_values->>'base_url', else the server-wide GUC
// event_manager.base_url, else DefaultBaseURL. Actions with a nil URI (SQL
// actions) or a URI with no token are returned unchanged.
func resolveBaseURL(ctx context.Context, tx pgx.Tx, action ActionDescriptor, sessionValues json.RawMessage) (ActionDescriptor, error) {
	if action.URI == nil || !strings.Contains(*action.URI, baseURLToken) {
		return action, nil
	}

	base, err := sessionBaseURL(sessionValues)
	if err != nil {
		return action, err
	}
	if base == "" {
		base, err = guBaseURL(ctx, tx)
		if err != nil {
			return action, err
		}
	}
	if base == "" {
		base = DefaultBaseURL
	}

	rewritten := strings.ReplaceAll(*action.URI, baseURLToken, base)
	action.URI = &rewritten
	return action, nil
}

func sessionBaseURL(sessionValues json.RawMessage) (string, error) {
	if len(sessionValues) == 0 {
		return "", nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(sessionValues, &raw); err != nil {
		return "", fmt.Errorf("session_values is not a JSON object: %w", err)
	}
	v, ok := raw["base_url"]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", nil // not a string value; fall through the chain
	}
	return s, nil
}

func guBaseURL(ctx context.Context, tx pgx.Tx) (string, error) {
	var value *string
	err := tx.QueryRow(ctx, "SELECT current_setting($1, true)", baseURLGUC).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}
