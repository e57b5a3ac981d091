// Package config parses the event-manager CLI flags (spec §6) into a
// validated connection descriptor and run mode.
//
// This supersedes the teacher's YAML-file internal/config package: spec §6
// states plainly that "everything flows through CLI and the database," so
// there is no configuration file surface in this worker.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// Mode selects which queue this worker instance drains.
type Mode int

const (
	// ModeEvent drains the event queue (-E).
	ModeEvent Mode = iota
	// ModeWork drains the work queue (-W).
	ModeWork
)

func (m Mode) String() string {
	if m == ModeEvent {
		return "event"
	}
	return "work"
}

// Config is the fully parsed, validated runtime configuration for one
// worker process.
type Config struct {
	// User is the database role to connect as (-U, default "postgres").
	User string
	// Host is the database server host (-h, default "localhost").
	Host string
	// Port is the database server port (-p, default 5432).
	Port int
	// Database is the database name to connect to (-d, defaults to User).
	Database string
	// Mode is ModeEvent or ModeWork, set by -E / -W.
	Mode Mode
	// BatchSize is the maximum number of work-queue rows claimed per
	// dequeue (-b, default 1). It has no effect in ModeEvent, which always
	// dequeues one event row per spec §4.5. See SPEC_FULL.md "Supplemented
	// features" item 8.
	BatchSize int
	// Debug enables DEBUG-level log output (-debug).
	Debug bool
	// MetricsAddr, when non-empty, serves Prometheus metrics on this
	// address (-m). Empty disables the metrics listener.
	MetricsAddr string
}

// ConnString returns a libpq-style connection string built from the parsed
// flags. Password, if any, is expected to arrive via the standard libpq
// environment/.pgpass mechanisms, which pgx honours natively; the CLI
// never accepts or logs a password (spec §6 lists no such flag).
func (c *Config) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s", c.Host, c.Port, c.User, c.Database)
}

// ParseResult distinguishes the three outcomes of Parse: a valid Config to
// run with, a request to print the version and exit 0 (-v), a request to
// print usage and exit 1 (-?), or a fatal parse/
// validation error that should print usage and exit 1.
type ParseResult struct {
	Config      *Config
	PrintUsage  bool // -? or an invalid flag combination
	PrintVersion bool // -v
}

// Parse parses args (typically os.Args[1:]) against the flag set described
// in spec §6 and returns a ParseResult. errOut receives flag-package usage
// text; it does not receive the worker's own diagnostics, which callers
// render themselves via internal/logging so the FATAL/usage format matches
// spec §6 exactly.
func Parse(args []string, errOut io.Writer) (ParseResult, error) {
	fs := flag.NewFlagSet("event-manager", flag.ContinueOnError)
	fs.SetOutput(errOut)

	user := fs.String("U", "postgres", "database user")
	host := fs.String("h", "localhost", "database host")
	port := fs.Int("p", 5432, "database port")
	dbname := fs.String("d", "", "database name (defaults to -U)")
	eventMode := fs.Bool("E", false, "run the event queue processor")
	workMode := fs.Bool("W", false, "run the work queue processor")
	batchSize := fs.Int("b", 1, "work queue rows claimed per dequeue (work mode only)")
	debug := fs.Bool("debug", false, "enable DEBUG log output")
	metricsAddr := fs.String("m", "", "address to serve Prometheus metrics on (empty disables)")
	version := fs.Bool("v", false, "print version and exit")
	usage := fs.Bool("?", false, "print usage and exit")

	if err := fs.Parse(args); err != nil {
		return ParseResult{PrintUsage: true}, err
	}

	if *usage {
		return ParseResult{PrintUsage: true}, nil
	}
	if *version {
		return ParseResult{PrintVersion: true}, nil
	}

	if *eventMode == *workMode {
		// Neither or both of -E/-W given.
		return ParseResult{PrintUsage: true}, errors.New("exactly one of -E or -W is required")
	}

	mode := ModeEvent
	if *workMode {
		mode = ModeWork
	}

	if *batchSize < 1 {
		return ParseResult{PrintUsage: true}, fmt.Errorf("-b must be >= 1, got %d", *batchSize)
	}

	database := *dbname
	if database == "" {
		database = *user
	}

	return ParseResult{
		Config: &Config{
			User:        *user,
			Host:        *host,
			Port:        *port,
			Database:    database,
			Mode:        mode,
			BatchSize:   *batchSize,
			Debug:       *debug,
			MetricsAddr: *metricsAddr,
		},
	}, nil
}
