// Package metrics exposes the worker's operational counters and gauges on
// a dedicated HTTP listener, the same "serve a metrics handler off the main
// loop" shape as agent/internal/transport/metrics.go — but, where that
// package hand-rolled its own Prometheus text exposition, this one is
// wired to the real prometheus/client_golang registry and handler, a
// pack-enrichment dependency (jordigilh-kubernaut uses it directly).
//
// # Metric catalogue
//
//	eventmanager_dequeue_attempts_total{queue}   – counter: dequeue calls made (event or work)
//	eventmanager_dequeue_empty_total{queue}      – counter: dequeue calls that found no row
//	eventmanager_rows_processed_total{queue}     – counter: rows successfully committed
//	eventmanager_retries_total                   – counter: dbclient retry attempts (admin_shutdown/query_canceled)
//	eventmanager_http_calls_total{outcome}       – counter: HTTP executor calls, labelled success/failure
//	eventmanager_query_executions_total{outcome} – counter: action-query executions, labelled success/failure
//	eventmanager_connected                       – gauge: 1 while the DB connection is live, 0 otherwise
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups the worker's metric families and the registerer they are
// registered against. The zero value is not usable; construct with New.
type Registry struct {
	DequeueAttempts  *prometheus.CounterVec
	DequeueEmpty     *prometheus.CounterVec
	RowsProcessed    *prometheus.CounterVec
	Retries          prometheus.Counter
	HTTPCalls        *prometheus.CounterVec
	QueryExecutions  *prometheus.CounterVec
	Connected        prometheus.Gauge

	registry *prometheus.Registry
}

// New allocates and registers every metric family against a fresh
// registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		DequeueAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventmanager_dequeue_attempts_total",
			Help: "Total number of dequeue calls made, labelled by queue (event or work).",
		}, []string{"queue"}),
		DequeueEmpty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventmanager_dequeue_empty_total",
			Help: "Total number of dequeue calls that found no claimable row.",
		}, []string{"queue"}),
		RowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventmanager_rows_processed_total",
			Help: "Total number of queue rows successfully committed.",
		}, []string{"queue"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventmanager_retries_total",
			Help: "Total number of dbclient retry attempts after a transient SQLSTATE.",
		}),
		HTTPCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventmanager_http_calls_total",
			Help: "Total number of HTTP executor calls, labelled by outcome (success or failure).",
		}, []string{"outcome"}),
		QueryExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventmanager_query_executions_total",
			Help: "Total number of action-query executions, labelled by outcome (success or failure).",
		}, []string{"outcome"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventmanager_connected",
			Help: "1 while the worker's database connection is live, 0 otherwise.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		r.DequeueAttempts, r.DequeueEmpty, r.RowsProcessed,
		r.Retries, r.HTTPCalls, r.QueryExecutions, r.Connected,
	)
	return r
}

// Handler returns an http.Handler serving the registry in Prometheus text
// exposition format, suitable for mounting at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server on addr exposing /metrics, and shuts it down
// when ctx is cancelled. It mirrors cmd/server/main.go's pattern of running
// a secondary listener alongside the main loop.
func Serve(ctx context.Context, addr string, r *Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
