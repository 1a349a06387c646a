// Command eventctl is the operator CLI for the event store: replay,
// migration, stats, aggregate rebuilds, snapshot lifecycle and stream
// workers.
//
// Usage:
//
//	eventctl <command> [flags]
//
// Storage is PostgreSQL ($DATABASE_URL); stream commands use Redis Streams
// ($REDIS_URL).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	otelx "github.com/codewandler/eventvault-go/adapters/otel"
	"github.com/codewandler/eventvault-go/internal/config"
	"github.com/codewandler/eventvault-go/internal/runtime"
)

const service = "eventctl"

type command struct {
	summary string
	run     func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"event:replay":          {"rebuild read models by replaying stored events", cmdReplay},
	"event:migrate":         {"copy events from the shared table into domain tables", cmdMigrate},
	"event:verify":          {"validate a migrated domain table against the source", cmdVerify},
	"event:stats":           {"per-domain event counts and growth", cmdStats},
	"event:rebuild":         {"fold one aggregate type from its own events", cmdRebuild},
	"event:history":         {"migration audit trail", cmdHistory},
	"event:validate-chains": {"report gaps in registered upcaster chains", cmdValidateChains},
	"snapshot:create":       {"write aggregate snapshots", cmdSnapshotCreate},
	"snapshot:cleanup":      {"delete old snapshots, keeping the newest per aggregate", cmdSnapshotCleanup},
	"stream:publish":        {"publish stored events of a domain to its stream", cmdStreamPublish},
	"stream:info":           {"consumer group state and pending entries", cmdStreamInfo},
	"stream:work":           {"run a projector worker in a consumer group", cmdStreamWork},
	"schema:apply":          {"create event, audit and snapshot tables", cmdSchemaApply},
}

func main() {
	ctx, stop := runtime.SignalContext()
	defer stop()

	log := runtime.NewLogger(os.Stderr, service, runtime.ParseLevel(config.String("LOG_LEVEL", "info")))

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		log.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	c := newCLI(os.Stdout, os.Stderr, log, newEnvConnector(log))
	code := run(ctx, c, os.Args[1:])
	c.close()
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, c *cli, args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(c.stderr)
		if len(args) == 0 {
			return 1
		}
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(c.stderr, "unknown command %q\n\n", args[0])
		usage(c.stderr)
		return 1
	}
	if err := cmd.run(ctx, c, args[1:]); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(c.stderr, err.Error())
		}
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "usage: %s <command> [flags]\n\ncommands:\n", service)
	for _, n := range names {
		fmt.Fprintf(w, "  %-22s %s\n", n, commands[n].summary)
	}
	fmt.Fprintf(w, "\nrun '%s <command> -h' for the flags of a command\n", service)
}

// errReported marks failures whose details were already printed.
var errReported = errors.New("reported")

// stringsFlag collects a repeatable string flag.
type stringsFlag []string

func (s *stringsFlag) String() string { return strings.Join(*s, ",") }

func (s *stringsFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}
