package dbclient

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyAdminShutdownIsTransient(t *testing.T) {
	err := &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"}
	if got := Classify(err); got != ClassTransient {
		t.Fatalf("Classify(57P01) = %v, want ClassTransient", got)
	}
}

func TestClassifyQueryCanceledIsTransient(t *testing.T) {
	err := &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"}
	if got := Classify(err); got != ClassTransient {
		t.Fatalf("Classify(57014) = %v, want ClassTransient", got)
	}
}

func TestClassifyOtherPgErrorIsFatal(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	if got := Classify(err); got != ClassFatal {
		t.Fatalf("Classify(23505) = %v, want ClassFatal", got)
	}
}

func TestClassifyNonPgErrorIsFatal(t *testing.T) {
	if got := Classify(errors.New("boom")); got != ClassFatal {
		t.Fatalf("Classify(plain error) = %v, want ClassFatal", got)
	}
}

func TestClassifyWrappedPgErrorIsUnwrapped(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), &pgconn.PgError{Code: "57P01"})
	if got := Classify(wrapped); got != ClassTransient {
		t.Fatalf("Classify(wrapped) = %v, want ClassTransient", got)
	}
}

func TestNewAppliesDefaultRetryBudget(t *testing.T) {
	c := New("postgres://", 0)
	if c.retryBudget != DefaultRetryBudget {
		t.Fatalf("retryBudget = %d, want %d", c.retryBudget, DefaultRetryBudget)
	}
}

func TestNewKeepsExplicitRetryBudget(t *testing.T) {
	c := New("postgres://", 7)
	if c.retryBudget != 7 {
		t.Fatalf("retryBudget = %d, want 7", c.retryBudget)
	}
}

func TestCloseOnNeverConnectedClientIsNoOp(t *testing.T) {
	c := New("postgres://", 1)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close on unconnected client: %v", err)
	}
}
