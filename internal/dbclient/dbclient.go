// Package dbclient owns the worker's single long-lived PostgreSQL
// connection: it connects lazily, classifies errors into retryable and
// fatal, and retries a whole transaction attempt — fresh connection, fresh
// transaction, fresh call to the caller's handler — when that
// classification comes back transient.
//
// This mirrors internal/server/storage/postgres.go's New/Close lifecycle
// shape, but swaps its pgxpool.Pool (a dashboard ingesting concurrent
// writes) for a single *pgx.Conn, since the worker's connection is
// deliberately process-global and single-threaded (spec §4.1's "the handle
// is process-global by design; concurrent use is out of scope").
package dbclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultRetryBudget is the number of retries attempted against a
// transient (admin_shutdown/query_canceled) failure before WithTx gives
// up, per spec §4.1 ("a small retry count (default 3)").
const DefaultRetryBudget = 3

const (
	sqlStateAdminShutdown = "57P01"
	sqlStateQueryCanceled = "57014"
)

// Client owns one lazily-connected *pgx.Conn and the retry policy around
// it. The zero value is not usable; construct with New.
type Client struct {
	connString  string
	retryBudget int

	mu   sync.Mutex
	conn *pgx.Conn
	// inTx is set for the duration of a WithTx call's fn. Nothing in this
	// package reads it; a connection drop mid-transaction surfaces as fn's
	// error and is not redialed inside that attempt (see WithTx).
	inTx bool

	// OnRetry, if set, is called once per transient-error retry attempt
	// inside WithTx, so callers can feed a metrics counter without this
	// package importing one directly.
	OnRetry func()
}

// New returns a Client that will lazily dial connString on first use.
// retryBudget <= 0 is replaced with DefaultRetryBudget.
func New(connString string, retryBudget int) *Client {
	if retryBudget <= 0 {
		retryBudget = DefaultRetryBudget
	}
	return &Client{connString: connString, retryBudget: retryBudget}
}

// Close closes the underlying connection, if one is open. It is safe to
// call on a Client that never connected.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}

// ensureConnected returns the live connection, dialing it if this is the
// first call or the previous connection was dropped.
func (c *Client) ensureConnected(ctx context.Context) (*pgx.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := pgx.Connect(ctx, c.connString)
	if err != nil {
		return nil, fmt.Errorf("dbclient: connect: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// dropConn discards the current connection so the next ensureConnected
// call redials. Called after a connection-loss error.
func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(context.Background())
	}
	c.conn = nil
}

// Conn returns the live *pgx.Conn, connecting it if necessary. It is for
// callers that need the connection itself rather than a transaction —
// LISTEN/WaitForNotification and the one-shot startup probes. Statement
// work inside a transaction goes through WithTx instead, so it gets the
// SQLSTATE retry treatment spec §4.1 requires.
func (c *Client) Conn(ctx context.Context) (*pgx.Conn, error) {
	return c.ensureConnected(ctx)
}

func (c *Client) setInTx(v bool) {
	c.mu.Lock()
	c.inTx = v
	c.mu.Unlock()
}

// WithTx begins a transaction on the managed connection and calls fn,
// which returns the number of rows it processed. A nil fn error commits;
// any other error rolls back.
//
// An fn error (after rollback) or a commit error classified as transient (SQLSTATE
// admin_shutdown 57P01 or query_canceled 57014, spec §4.1's retry
// budget) drops the connection and retries the whole attempt — a fresh
// connection, a fresh transaction, and a fresh call to fn — with
// exponential backoff, up to the client's retry budget. This is the
// only correct granularity for retry: once a statement inside a
// transaction fails, the transaction itself is aborted, so the unit of
// retry has to be "dequeue and process again," not "resend the one
// statement."
//
// A Begin failure is not retried: per spec §4.5/§4.6 it simply yields an
// empty result for this poll (0, nil).
func (c *Client) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) (int, error)) (int, error) {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.retryBudget))

	var (
		result  int
		lastErr error
	)

	op := func() error {
		conn, err := c.ensureConnected(ctx)
		if err != nil {
			lastErr = err
			return err
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			result, lastErr = 0, nil
			return nil
		}

		c.setInTx(true)
		n, fnErr := fn(ctx, tx)
		c.setInTx(false)

		if fnErr != nil {
			_ = tx.Rollback(ctx)
			lastErr = fnErr
			return c.retryOrGiveUp(fnErr)
		}

		if commitErr := tx.Commit(ctx); commitErr != nil {
			lastErr = commitErr
			return c.retryOrGiveUp(commitErr)
		}

		result, lastErr = n, nil
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return 0, fmt.Errorf("dbclient: transaction: %w", lastErr)
	}
	return result, nil
}

// retryOrGiveUp classifies err: a transient SQLSTATE drops the current
// connection and counts a retry, returning err unwrapped so
// backoff.Retry tries again; anything else is wrapped permanent so
// backoff.Retry stops immediately.
func (c *Client) retryOrGiveUp(err error) error {
	if Classify(err) != ClassTransient {
		return backoff.Permanent(err)
	}
	if c.OnRetry != nil {
		c.OnRetry()
	}
	c.dropConn()
	return err
}

// ErrorClass distinguishes the retryable SQLSTATEs from every other
// failure, per spec §4.1's "Retry budget" (SPEC_FULL.md Supplemented
// Features item 4).
type ErrorClass int

const (
	// ClassFatal is any error that should not be retried.
	ClassFatal ErrorClass = iota
	// ClassTransient is admin_shutdown or query_canceled: worth retrying.
	ClassTransient
)

// Classify inspects err for a *pgconn.PgError carrying SQLSTATE
// admin_shutdown (57P01) or query_canceled (57014); any other error,
// including a non-PgError, classifies as ClassFatal.
func Classify(err error) ErrorClass {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ClassFatal
	}
	switch pgErr.Code {
	case sqlStateAdminShutdown, sqlStateQueryCanceled:
		return ClassTransient
	default:
		return ClassFatal
	}
}
