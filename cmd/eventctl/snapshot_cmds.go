package main

import (
	"context"
	"strings"
	"time"

	"github.com/codewandler/eventvault-go/core/aggregate"
	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/snapshot"
	"github.com/codewandler/eventvault-go/internal/config"
)

func snapshotTypes() []string {
	var out []string
	for _, k := range snapshot.DefaultKinds() {
		out = append(out, k.Type)
	}
	return out
}

func cmdSnapshotCreate(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("snapshot:create")
	var (
		opts   snapshot.CreateOptions
		format string
	)
	fs.StringVar(&opts.Type, "type", "", "snapshot type: "+strings.Join(snapshotTypes(), "|")+" (default all)")
	fs.StringVar(&opts.Account, "account", "", "only this aggregate")
	fs.BoolVar(&opts.Force, "force", false, "ignore the event threshold")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "list due snapshots without writing")
	fs.StringVar(&format, "format", "table", "output format: table|json")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	format, err := parseFormat(format)
	if err != nil {
		return err
	}

	types := snapshotTypes()
	if opts.Type != "" {
		t := strings.ToLower(strings.TrimSpace(opts.Type))
		found := false
		for _, known := range types {
			found = found || known == t
		}
		if !found {
			return event.NewLookupError("snapshot type", opts.Type, types)
		}
		types = []string{t}
	}

	st, err := c.connect.Storage(ctx)
	if err != nil {
		return err
	}
	creator := snapshot.NewCreator(c.aggregates, aggregate.NewLoader(c.router, st.Tables, c.upcaster), st.Snapshots,
		snapshot.WithThreshold(int64(config.Int("SNAPSHOT_THRESHOLD", snapshot.DefaultThreshold))),
		snapshot.WithCreatorLogger(c.log),
		snapshot.WithCreatorMetrics(c.metrics),
		snapshot.WithCreatorClock(c.now),
	)

	reports, err := creator.CreateAll(ctx, types, opts)
	if err != nil {
		return err
	}

	if format == "json" {
		return writeJSON(c.stdout, reports)
	}
	t := newTable(c.stdout, "TYPE", "TABLE", "CONSIDERED", "SKIPPED", "WRITTEN", "DRY_RUN")
	for _, r := range reports {
		written := r.Written
		if r.DryRun {
			written = len(r.Snapshots)
		}
		t.row(r.Type, r.Table, r.Considered, r.Skipped, written, yesNo(r.DryRun))
	}
	return t.flush()
}

func cmdSnapshotCleanup(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("snapshot:cleanup")
	var (
		opts   snapshot.CleanupOptions
		format string
	)
	fs.StringVar(&opts.Domain, "domain", "", "only this snapshot domain (default all)")
	fs.IntVar(&opts.Days, "days", snapshot.DefaultRetentionDays, "keep snapshots younger than this many days")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "count without deleting")
	fs.StringVar(&format, "format", "table", "output format: table|json")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	format, err := parseFormat(format)
	if err != nil {
		return err
	}
	if opts.Days < 0 {
		return event.NewValidationError("days", "Days must not be negative.")
	}
	if opts.Domain != "" {
		tables := snapshot.DefaultTables()
		if _, ok := tables[strings.ToLower(strings.TrimSpace(opts.Domain))]; !ok {
			return event.NewLookupError("snapshot domain", opts.Domain, sortedKeys(tables))
		}
	}

	st, err := c.connect.Storage(ctx)
	if err != nil {
		return err
	}
	cleaner := snapshot.NewCleaner(st.Snapshots,
		snapshot.WithCleanerLogger(c.log),
		snapshot.WithCleanerMetrics(c.metrics),
		snapshot.WithCleanerClock(c.now),
	)
	report, err := cleaner.Cleanup(ctx, opts)
	if err != nil {
		return err
	}

	if format == "json" {
		return writeJSON(c.stdout, report)
	}
	c.printf("cutoff %s\n", report.Cutoff.Format(time.RFC3339))
	t := newTable(c.stdout, "DOMAIN", "TABLE", "CANDIDATES", "DELETED")
	var candidates, deleted int64
	for _, tc := range report.Tables {
		t.row(tc.Domain, tc.Table, tc.Candidates, tc.Deleted)
		candidates += tc.Candidates
		deleted += tc.Deleted
	}
	if err := t.flush(); err != nil {
		return err
	}
	if report.DryRun {
		c.printf("dry run: %d snapshots would be deleted\n", candidates)
	} else {
		c.printf("deleted %d snapshots\n", deleted)
	}
	return nil
}
