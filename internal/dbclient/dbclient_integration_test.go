//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/dbclient/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package dbclient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/spd010273/event-manager/internal/dbclient"
)

func startPostgres(t *testing.T) (connStr string, cleanup func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("eventmanager_test"),
		tcpostgres.WithUsername("eventmanager"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	return connStr, func() { _ = pgContainer.Terminate(ctx) }
}

func TestWithTxLazilyConnectsCommitsAndReturnsCount(t *testing.T) {
	connStr, cleanup := startPostgres(t)
	defer cleanup()

	c := dbclient.New(connStr, 3)
	defer c.Close(context.Background())

	n, err := c.WithTx(context.Background(), func(ctx context.Context, tx pgx.Tx) (int, error) {
		if _, err := tx.Exec(ctx, "CREATE TABLE t (id int)"); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, "INSERT INTO t (id) VALUES ($1)", 1); err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
}

func TestWithTxRollsBackOnFnError(t *testing.T) {
	connStr, cleanup := startPostgres(t)
	defer cleanup()

	c := dbclient.New(connStr, 3)
	defer c.Close(context.Background())

	if _, err := c.WithTx(context.Background(), func(ctx context.Context, tx pgx.Tx) (int, error) {
		if _, err := tx.Exec(ctx, "CREATE TABLE t (id int)"); err != nil {
			return 0, err
		}
		return 0, nil
	}); err != nil {
		t.Fatalf("create table: %v", err)
	}

	conn, err := c.Conn(context.Background())
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}

	boom := errors.New("boom")
	if _, err := c.WithTx(context.Background(), func(ctx context.Context, tx pgx.Tx) (int, error) {
		if _, err := tx.Exec(ctx, "INSERT INTO t (id) VALUES ($1)", 1); err != nil {
			return 0, err
		}
		return 1, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want %v", err, boom)
	}

	var count int
	if err := conn.QueryRow(context.Background(), "SELECT count(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 (rollback)", count)
	}
}
