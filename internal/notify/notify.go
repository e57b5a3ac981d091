// Package notify implements the LISTEN/NOTIFY wake-up loop the Supervisor
// runs the event or work handler under: subscribe once, drain whatever is
// already queued, then block for notifications and drain again on each
// wake-up until the handler reports the queue empty.
//
// This is grounded on the chartsmith listener package's Start/
// processNotifications/WaitForNotification loop, trimmed to this worker's
// single-connection, single-channel, single-handler shape (spec §4.2 has no
// notion of per-channel worker pools or lock keys, so that machinery is not
// carried over).
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Handler drains one unit of work per call and reports how many rows it
// processed. Returning 0 means the queue is empty (or the wake-up was
// spurious) and the caller should stop draining until the next
// notification; returning a positive count means the caller should call
// Handler again immediately.
type Handler func(ctx context.Context) (int, error)

// WaitTimeout bounds each call to WaitForNotification so the loop can
// re-check ctx.Done() even when no notification ever arrives; it does not
// represent a protocol timeout.
const WaitTimeout = 2 * time.Minute

// Loop subscribes to channel on conn, pre-drains any already-queued work,
// then alternates between waiting for a notification and draining with
// handler until ctx is cancelled.
//
// Loop issues LISTEN exactly once, at the top, per spec §4.2. It does not
// attempt to reconnect conn itself; a caller that needs reconnect-on-drop
// behaviour should wrap conn acquisition (internal/dbclient.Client.Conn
// handles that) and call Loop again with the fresh connection.
func Loop(ctx context.Context, conn *pgx.Conn, channel string, handler Handler, logger *slog.Logger) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return errors.New("notify: LISTEN " + channel + ": " + err.Error())
	}

	drain(ctx, handler, logger)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		waitCtx, cancel := context.WithTimeout(ctx, WaitTimeout)
		_, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				// Normal during idle periods; loop back to the
				// top-of-loop cancellation check.
				continue
			}
			return errors.New("notify: wait for notification: " + err.Error())
		}

		drain(ctx, handler, logger)
	}
}

// drain calls handler repeatedly until it reports zero rows processed,
// honouring ctx cancellation between calls (spec §4.2: "honour the
// termination flag between iterations").
func drain(ctx context.Context, handler Handler, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := handler(ctx)
		if err != nil {
			logger.Error("handler error during drain", "error", err)
			return
		}
		if n == 0 {
			return
		}
	}
}

func isTimeout(err error) bool {
	return strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "timeout")
}
