//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/queue/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package queue_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/spd010273/event-manager/internal/dbclient"
	"github.com/spd010273/event-manager/internal/queue"
)

// testdataDir returns the absolute path to db/testdata relative to this
// test file, so the tests work regardless of the working directory.
func testdataDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "db", "testdata")
}

// setupDB returns a raw conn for test seeding/assertions and a separate
// *dbclient.Client, pointed at the same database, for exercising
// queue.ProcessEvent/ProcessWork through their real retry-aware wrapper.
func setupDB(t *testing.T) (conn *pgx.Conn, client *dbclient.Client, cleanup func()) {
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

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for migrations: %v", err)
	}
	applyMigrations(t, ctx, rawPool, testdataDir(t))
	rawPool.Close()

	conn, err = pgx.Connect(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect: %v", err)
	}

	client = dbclient.New(connStr, 3)

	cleanup = func() {
		conn.Close(ctx)
		client.Close(ctx)
		_ = pgContainer.Terminate(ctx)
	}
	return conn, client, cleanup
}

func applyMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dir string) {
	t.Helper()
	files := []string{
		"001_event_queue.sql",
		"002_work_queue.sql",
		"003_action.sql",
	}
	for _, f := range files {
		path := filepath.Join(dir, f)
		sql, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply migration %s: %v", f, err)
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessEventEmptyQueueReturnsZero(t *testing.T) {
	_, client, cleanup := setupDB(t)
	defer cleanup()

	n, err := queue.ProcessEvent(context.Background(), client, discardLogger())
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0 on empty queue", n)
	}
}

func TestProcessEventDequeuesBuildsAndInsertsWorkRow(t *testing.T) {
	conn, client, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := conn.Exec(ctx, `
		INSERT INTO event_queue
			(event_table_work_item, uid, recorded, pk_value, op, action,
			 transaction_label, work_item_query, execute_asynchronously, old, new, session_values)
		VALUES
			(1, 7, now(), 100, 'I', 1, 'label-1',
			 'SELECT json_build_object(''pk'', ?pk_value?, ''who'', ?uid?) AS parameters',
			 false, NULL, '{"name":"created"}'::jsonb, '{"app.tenant":"acme"}'::jsonb)
	`)
	if err != nil {
		t.Fatalf("seed event row: %v", err)
	}

	n, err := queue.ProcessEvent(ctx, client, discardLogger())
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}

	var remaining int
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM event_queue").Scan(&remaining); err != nil {
		t.Fatalf("count event_queue: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("event_queue still has %d rows, want 0", remaining)
	}

	var workRows int
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM work_queue").Scan(&workRows); err != nil {
		t.Fatalf("count work_queue: %v", err)
	}
	if workRows != 1 {
		t.Fatalf("work_queue has %d rows, want 1", workRows)
	}
}

func TestProcessWorkEmptyQueueReturnsZero(t *testing.T) {
	_, client, cleanup := setupDB(t)
	defer cleanup()

	dispatch := func(ctx context.Context, tx pgx.Tx, item queue.WorkItem, action queue.ActionDescriptor) error {
		t.Fatal("dispatch should not be called on an empty queue")
		return nil
	}

	n, err := queue.ProcessWork(context.Background(), client, 1, dispatch, discardLogger())
	if err != nil {
		t.Fatalf("ProcessWork: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0 on empty queue", n)
	}
}

func TestProcessWorkDequeuesDispatchesAndDeletes(t *testing.T) {
	conn, client, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := conn.Exec(ctx, `INSERT INTO action (id, query) VALUES (1, 'SELECT 1')`)
	if err != nil {
		t.Fatalf("seed action: %v", err)
	}
	_, err = conn.Exec(ctx, `
		INSERT INTO work_queue (parameters, uid, recorded, transaction_label, action, session_values)
		VALUES ('{"k":"v"}'::jsonb, 7, now(), 'label-1', 1, NULL)
	`)
	if err != nil {
		t.Fatalf("seed work row: %v", err)
	}

	var dispatched int
	dispatch := func(ctx context.Context, tx pgx.Tx, item queue.WorkItem, action queue.ActionDescriptor) error {
		dispatched++
		return nil
	}

	n, err := queue.ProcessWork(ctx, client, 1, dispatch, discardLogger())
	if err != nil {
		t.Fatalf("ProcessWork: %v", err)
	}
	if n != 1 || dispatched != 1 {
		t.Fatalf("n = %d dispatched = %d, want 1 and 1", n, dispatched)
	}

	var remaining int
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM work_queue").Scan(&remaining); err != nil {
		t.Fatalf("count work_queue: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("work_queue still has %d rows, want 0", remaining)
	}
}

func TestProcessWorkRollsBackOnDispatchError(t *testing.T) {
	conn, client, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := conn.Exec(ctx, `INSERT INTO action (id, query) VALUES (1, 'SELECT 1')`)
	if err != nil {
		t.Fatalf("seed action: %v", err)
	}
	_, err = conn.Exec(ctx, `
		INSERT INTO work_queue (parameters, uid, recorded, transaction_label, action, session_values)
		VALUES ('{"k":"v"}'::jsonb, 7, now(), 'label-1', 1, NULL)
	`)
	if err != nil {
		t.Fatalf("seed work row: %v", err)
	}

	dispatch := func(ctx context.Context, tx pgx.Tx, item queue.WorkItem, action queue.ActionDescriptor) error {
		return context.DeadlineExceeded
	}

	if _, err := queue.ProcessWork(ctx, client, 1, dispatch, discardLogger()); err == nil {
		t.Fatal("expected ProcessWork to propagate the dispatch error")
	}

	var remaining int
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM work_queue").Scan(&remaining); err != nil {
		t.Fatalf("count work_queue: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("work_queue has %d rows after rollback, want 1 (unchanged)", remaining)
	}
}
