// Command eventmanager is the external queue worker Supervisor (spec
// §4.9): it parses CLI flags, opens the single worker database connection,
// performs a one-shot extension presence check and audit-integration
// probe, installs signal handlers, and runs the Notification Loop over
// exactly one of the event or work handlers.
//
// Grounded on cmd/server/main.go's flag-parse/connect/signal-select
// shape, trimmed to a single DB connection and a single background loop
// instead of a gRPC+REST server pair.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spd010273/event-manager/internal/auditlabel"
	"github.com/spd010273/event-manager/internal/config"
	"github.com/spd010273/event-manager/internal/dbclient"
	"github.com/spd010273/event-manager/internal/dispatcher"
	"github.com/spd010273/event-manager/internal/httpexec"
	"github.com/spd010273/event-manager/internal/logging"
	"github.com/spd010273/event-manager/internal/metrics"
	"github.com/spd010273/event-manager/internal/notify"
	"github.com/spd010273/event-manager/internal/queue"
)

// eventManagerExtension is the name probed for in pg_extension at startup
// (SPEC_FULL.md Supplemented Features item 5). A worker cannot usefully run
// against a database that lacks its own SQL-side schema objects.
const eventManagerExtension = "event_manager"

const (
	eventChannel = "new_event_queue_item"
	workChannel  = "new_work_queue_item"
)

func main() {
	result, err := config.Parse(os.Args[1:], os.Stderr)
	if err != nil || result.PrintUsage {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if result.PrintVersion {
		fmt.Println("eventmanager version 1.0.0")
		os.Exit(0)
	}

	cfg := result.Config
	logger := logging.New(cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	client := dbclient.New(cfg.ConnString(), 0)
	client.OnRetry = func() { reg.Retries.Inc() }
	defer client.Close(context.Background())

	conn, err := client.Conn(ctx)
	if err != nil {
		logging.Fatal(logger, "connect to database", "error", err)
	}
	reg.Connected.Set(1)

	if err := probeExtension(ctx, conn, eventManagerExtension); err != nil {
		logging.Fatal(logger, "extension presence check failed", "error", err)
	}

	audit, err := auditlabel.Open(ctx, conn)
	if err != nil {
		logging.Fatal(logger, "audit integration probe failed", "error", err)
	}
	logger.Info("audit integration probe complete", "present", audit.Present())

	var reloadFlag atomic.Bool
	installSignalHandlers(cancel, &reloadFlag, logger)

	httpClient := httpexec.New(30*time.Second, "", 0)
	httpClient.OnResult = func(success bool) {
		reg.HTTPCalls.WithLabelValues(outcomeLabel(success)).Inc()
	}

	disp := &dispatcher.Dispatcher{
		HTTP:      httpClient,
		UIDSetter: connUIDSetter{},
		Audit:     audit,
		Logger:    logger,
		OnQueryResult: func(success bool) {
			reg.QueryExecutions.WithLabelValues(outcomeLabel(success)).Inc()
		},
	}

	var queueName, channel string
	switch cfg.Mode {
	case config.ModeEvent:
		queueName, channel = "event", eventChannel
	case config.ModeWork:
		queueName, channel = "work", workChannel
	}

	// The notification loop is re-entered on every non-fatal error so a
	// dropped connection (picked up by client.Conn below) resumes
	// processing instead of exiting the process; LISTEN has to be
	// reissued on the fresh connection, so Loop itself is called again
	// rather than patched in place (see notify.Loop's doc comment).
	for {
		conn, err = client.Conn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logging.Fatal(logger, "reconnect to database", "error", err)
		}
		reg.Connected.Set(1)

		handler := buildHandler(cfg.Mode, client, cfg.BatchSize, disp, reg, queueName, logger)

		logger.Info("starting notification loop", "mode", cfg.Mode.String(), "channel", channel)
		loopErr := notify.Loop(ctx, conn, channel, handler, logger)
		if ctx.Err() != nil {
			break
		}
		if loopErr != nil {
			reg.Connected.Set(0)
			logger.Error("notification loop exited with error; reconnecting", "error", loopErr)
			client.Close(context.Background())
			continue
		}
	}

	reg.Connected.Set(0)
	logger.Info("shutdown complete")
	os.Exit(1)
}

// buildHandler wraps queue.ProcessEvent/ProcessWork with the dequeue-attempt,
// dequeue-empty, and rows-processed counters for queueName.
func buildHandler(mode config.Mode, client *dbclient.Client, batchSize int, disp *dispatcher.Dispatcher, reg *metrics.Registry, queueName string, logger *slog.Logger) notify.Handler {
	return func(ctx context.Context) (int, error) {
		reg.DequeueAttempts.WithLabelValues(queueName).Inc()

		var n int
		var err error
		switch mode {
		case config.ModeEvent:
			n, err = queue.ProcessEvent(ctx, client, logger)
		case config.ModeWork:
			n, err = queue.ProcessWork(ctx, client, batchSize, disp.Dispatch, logger)
		}

		if err != nil {
			return n, err
		}
		if n == 0 {
			reg.DequeueEmpty.WithLabelValues(queueName).Inc()
			return 0, nil
		}
		reg.RowsProcessed.WithLabelValues(queueName).Add(float64(n))
		return n, nil
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// probeExtension checks pg_extension for name's presence (SPEC_FULL.md
// Supplemented Features item 5).
func probeExtension(ctx context.Context, conn *pgx.Conn, name string) error {
	var present bool
	if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = $1)", name).Scan(&present); err != nil {
		return fmt.Errorf("query pg_extension: %w", err)
	}
	if !present {
		return fmt.Errorf("required extension %q is not installed", name)
	}
	return nil
}

// installSignalHandlers wires SIGTERM/SIGINT to cancel (spec §4.9
// "terminate signal sets a termination flag and triggers graceful
// shutdown") and SIGHUP to reloadFlag (spec §4.9 "hang-up signal sets a
// reload flag observed by the loop"; spec §6: "observed but not acted on
// beyond logging").
func installSignalHandlers(cancel context.CancelFunc, reloadFlag *atomic.Bool, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				reloadFlag.Store(true)
				logger.Info("received SIGHUP; reload flag set")
			default:
				logger.Info("received shutdown signal", "signal", sig.String())
				cancel()
				return
			}
		}
	}()
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "usage: eventmanager -U <user> -h <host> -p <port> -d <dbname> (-E | -W) [-b <n>] [-debug] [-m <addr>]")
	fmt.Fprintln(w, "  -v  print version and exit")
	fmt.Fprintln(w, "  -?  print this usage and exit")
}
