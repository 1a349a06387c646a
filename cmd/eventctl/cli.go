package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/eventvault-go/adapters/prometheus"
	"github.com/codewandler/eventvault-go/core/aggregate"
	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/metrics"
	"github.com/codewandler/eventvault-go/core/replay"
	"github.com/codewandler/eventvault-go/core/router"
	"github.com/codewandler/eventvault-go/core/storage"
	"github.com/codewandler/eventvault-go/core/stream"
	"github.com/codewandler/eventvault-go/core/upcast"
	"github.com/codewandler/eventvault-go/internal/runtime"
)

// Storage is the persistence a command runs against.
type Storage struct {
	Tables    storage.EventTables
	Records   storage.MigrationLog
	Snapshots storage.SnapshotStore
	// ApplySchema creates the given tables; nil when the backend needs none.
	ApplySchema func(ctx context.Context, eventTables, snapshotTables []string) error
	Ready       []runtime.ReadyCheck
}

type Streams struct {
	Broker stream.Broker
	// DeadLetters is nil to use the broker's "<stream>:dead" stream.
	DeadLetters stream.DeadLetterSink
	Ready       []runtime.ReadyCheck
}

// Connector opens backends on first use.
type Connector interface {
	Storage(ctx context.Context) (*Storage, error)
	Streams(ctx context.Context) (*Streams, error)
	Close()
}

type cli struct {
	stdout  io.Writer
	stderr  io.Writer
	log     *slog.Logger
	connect Connector

	registry *prom.Registry
	metrics  metrics.EventMetrics

	router     *router.Router
	versions   *upcast.Registry
	upcaster   *upcast.Service
	aggregates *aggregate.Registry
	projectors *replay.Registry
	now        func() time.Time
}

func newCLI(stdout, stderr io.Writer, log *slog.Logger, connect Connector) *cli {
	reg := prom.NewRegistry()
	m := prometheus.NewEventMetrics(reg)
	versions := defaultUpcasters(log)
	return &cli{
		stdout:     stdout,
		stderr:     stderr,
		log:        log,
		connect:    connect,
		registry:   reg,
		metrics:    m,
		router:     router.New(router.WithLogger(log)),
		versions:   versions,
		upcaster:   upcast.NewService(versions, upcast.WithLogger(log), upcast.WithMetrics(m)),
		aggregates: aggregate.NewRegistry(aggregate.Builtins()...),
		projectors: defaultProjectors(),
		now:        time.Now,
	}
}

func (c *cli) close() { c.connect.Close() }

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// parse accepts flags before and after positional arguments.
func parse(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func parseFormat(f string) (string, error) {
	switch f {
	case "table", "json":
		return f, nil
	}
	return "", event.NewValidationError("format", fmt.Sprintf("Format must be one of table, json (got %q).", f))
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, event.NewValidationError(field, fmt.Sprintf("Invalid --%s %q: use RFC 3339 or YYYY-MM-DD.", field, v))
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.stdout, format, args...)
}

func trimList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
