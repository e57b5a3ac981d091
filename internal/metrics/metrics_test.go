package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerServesRegisteredFamilies(t *testing.T) {
	r := New()
	r.DequeueAttempts.WithLabelValues("event").Inc()
	r.RowsProcessed.WithLabelValues("event").Add(3)
	r.Connected.Set(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"eventmanager_dequeue_attempts_total",
		"eventmanager_rows_processed_total",
		"eventmanager_connected 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}

func TestNewRegistersDistinctFamilies(t *testing.T) {
	// New twice should not panic: each call creates its own registry.
	New()
	New()
}
