package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codewandler/eventvault-go/core/aggregate"
	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/migration"
	"github.com/codewandler/eventvault-go/core/replay"
	"github.com/codewandler/eventvault-go/core/stats"
	"github.com/codewandler/eventvault-go/core/storage"
	"github.com/codewandler/eventvault-go/internal/config"
)

const defaultMigrateBatch = 1000

var errBatchSize = event.NewValidationError("batch", "Batch size must be at least 1.")

func cmdReplay(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("event:replay")
	var (
		f          replay.Filters
		eventTypes stringsFlag
		from, to   string
		dryRun     bool
		batch      int
		format     string
	)
	fs.StringVar(&f.Domain, "domain", "", "only events of this domain")
	fs.StringVar(&f.Projector, "projector", "", "only this projector (default all)")
	fs.Var(&eventTypes, "event-type", "only these event types (repeatable)")
	fs.StringVar(&f.AggregateID, "aggregate-id", "", "only events of this aggregate")
	fs.StringVar(&from, "from", "", "occurred at or after (RFC 3339 or YYYY-MM-DD)")
	fs.StringVar(&to, "to", "", "occurred at or before (RFC 3339 or YYYY-MM-DD)")
	fs.BoolVar(&dryRun, "dry-run", false, "count matching events without projecting")
	fs.IntVar(&batch, "batch", replay.DefaultBatchSize, "events read per table round trip")
	fs.StringVar(&format, "format", "table", "output format: table|json")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	format, err := parseFormat(format)
	if err != nil {
		return err
	}
	f.EventTypes = eventTypes
	if f.From, err = parseTime("from", from); err != nil {
		return err
	}
	if f.To, err = parseTime("to", to); err != nil {
		return err
	}

	st, err := c.connect.Storage(ctx)
	if err != nil {
		return err
	}
	engine := replay.NewEngine(c.router, st.Tables, c.upcaster, c.projectors,
		replay.WithBatchSize(batch),
		replay.WithLogger(c.log),
		replay.WithMetrics(c.metrics),
	)
	summary, err := engine.Replay(ctx, f, dryRun)
	if err != nil {
		return err
	}

	var models map[string]any
	if !dryRun {
		selected := c.projectors.All()
		if f.Projector != "" {
			p, _ := c.projectors.Lookup(f.Projector)
			selected = []replay.Projector{p}
		}
		models = readModels(selected)
	}

	if format == "json" {
		return writeJSON(c.stdout, struct {
			replay.Summary
			ReadModels map[string]any `json:"read_models,omitempty"`
		}{summary, models})
	}

	mode := "replayed"
	if dryRun {
		mode = "dry run"
	}
	c.printf("%s: %d matching events across %d tables (domain=%s projector=%s event-types=%s)\n",
		mode, summary.Matched, len(summary.Tables), orAll(f.Domain), orAll(f.Projector), trimList(f.EventTypes))
	t := newTable(c.stdout, "TABLE", "EVENTS")
	for _, name := range summary.Tables {
		t.row(name, summary.PerTable[name])
	}
	if err := t.flush(); err != nil {
		return err
	}
	if !dryRun {
		c.printf("projected %d events (%d upcast) through %s in %s\n",
			summary.Replayed, summary.Upcasted, trimList(summary.Projectors), summary.Duration.Round(time.Millisecond))
	}
	return nil
}

func orAll(s string) string {
	if s == "" {
		return "all"
	}
	return s
}

func cmdMigrate(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("event:migrate")
	var (
		domain string
		batch  int
		dryRun bool
		verify bool
		format string
	)
	fs.StringVar(&domain, "domain", "", "domain to migrate (default every domain with pending events)")
	fs.IntVar(&batch, "batch", defaultMigrateBatch, "events copied per batch")
	fs.BoolVar(&dryRun, "dry-run", false, "report pending counts without copying")
	fs.BoolVar(&verify, "verify", false, "validate each migrated domain afterwards")
	fs.StringVar(&format, "format", "table", "output format: table|json")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	if batch < 1 {
		return errBatchSize
	}
	format, err := parseFormat(format)
	if err != nil {
		return err
	}

	st, err := c.connect.Storage(ctx)
	if err != nil {
		return err
	}
	svc := migration.NewService(c.router, st.Tables, st.Records,
		migration.WithLogger(c.log),
		migration.WithMetrics(c.metrics),
	)

	domains := []string{domain}
	if domain == "" {
		plan, err := svc.Plan(ctx, "")
		if err != nil {
			return err
		}
		domains = sortedKeys(plan)
		if len(domains) == 0 {
			c.printf("nothing to migrate\n")
			return nil
		}
	}

	var (
		records []migration.Record
		reports []migration.Report
		failed  bool
	)
	for _, d := range domains {
		rec, err := svc.Migrate(ctx, d, batch, dryRun)
		if err != nil && rec.ID == "" && rec.Status == "" {
			return err
		}
		records = append(records, rec)
		if rec.Status == storage.StatusFailed {
			failed = true
			continue
		}
		if verify && !dryRun {
			report, err := svc.Verify(ctx, d)
			if err != nil {
				return err
			}
			reports = append(reports, report)
			failed = failed || !report.Valid
		}
	}

	if format == "json" {
		if err := writeJSON(c.stdout, struct {
			Migrations []migration.Record `json:"migrations"`
			Reports    []migration.Report `json:"reports,omitempty"`
		}{records, reports}); err != nil {
			return err
		}
	} else {
		t := newTable(c.stdout, "DOMAIN", "SOURCE", "TARGET", "STATUS", "EVENTS", "ERRORS")
		for _, r := range records {
			t.row(r.Domain, r.SourceTable, r.TargetTable, r.Status, r.EventsMigrated, trimList(r.Errors))
		}
		if err := t.flush(); err != nil {
			return err
		}
		for _, r := range reports {
			printReport(c, r)
		}
	}
	if failed {
		return errReported
	}
	return nil
}

func cmdVerify(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("event:verify")
	var domain, format string
	fs.StringVar(&domain, "domain", "", "domain to verify (required)")
	fs.StringVar(&format, "format", "table", "output format: table|json")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	format, err := parseFormat(format)
	if err != nil {
		return err
	}
	if domain == "" {
		return event.NewValidationError("domain", "--domain is required.")
	}
	st, err := c.connect.Storage(ctx)
	if err != nil {
		return err
	}
	svc := migration.NewService(c.router, st.Tables, st.Records, migration.WithLogger(c.log))
	report, err := svc.Verify(ctx, domain)
	if err != nil {
		return err
	}
	if format == "json" {
		err = writeJSON(c.stdout, report)
	} else {
		printReport(c, report)
	}
	if err != nil {
		return err
	}
	if !report.Valid {
		return errReported
	}
	return nil
}

func printReport(c *cli, r migration.Report) {
	status := "valid"
	if !r.Valid {
		status = "INVALID"
	}
	c.printf("\n%s: %s -> %s %s\n", r.Domain, r.SourceTable, r.TargetTable, status)
	t := newTable(c.stdout, "CHECK", "PASSED", "DETAIL")
	for _, ch := range r.Checks {
		t.row(ch.Name, yesNo(ch.Passed), ch.Detail)
	}
	_ = t.flush()
}

func cmdStats(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("event:stats")
	var domain, format string
	fs.StringVar(&domain, "domain", "", "only this domain")
	fs.StringVar(&format, "format", "table", "output format: table|json")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	format, err := parseFormat(format)
	if err != nil {
		return err
	}
	if domain != "" && !c.router.HasDomain(domain) {
		return event.NewLookupError("domain", domain, c.router.Domains())
	}

	st, err := c.connect.Storage(ctx)
	if err != nil {
		return err
	}
	collector := stats.NewCollector(c.router, st.Tables, stats.WithClock(c.now), stats.WithConcurrency(config.Int("STATS_CONCURRENCY", 8)))
	rows, err := collector.Collect(ctx, domain)
	if err != nil {
		return err
	}
	if format == "json" {
		return writeJSON(c.stdout, rows)
	}
	t := newTable(c.stdout, "DOMAIN", "TABLE", "EXISTS", "TOTAL", "LAST_24H", "LAST_7D", "UNMIGRATED")
	var total int64
	for _, r := range rows {
		t.row(r.Domain, r.Table, yesNo(r.Exists), r.Total, r.Last24h, r.Last7d, r.Unmigrated)
		total += r.Total
	}
	if err := t.flush(); err != nil {
		return err
	}
	c.printf("total events: %d\n", total)
	return nil
}

func cmdRebuild(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("event:rebuild")
	var aggregateID, format string
	fs.StringVar(&aggregateID, "aggregate-id", "", "only this aggregate")
	fs.StringVar(&format, "format", "table", "output format: table|json")
	positional, err := parse(fs, args)
	if err != nil {
		return err
	}
	format, err = parseFormat(format)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return event.NewValidationError("aggregate-type",
			fmt.Sprintf("Expected exactly one aggregate type; known types: %s.", trimList(c.aggregates.Types())))
	}
	if _, err := c.aggregates.Lookup(positional[0]); err != nil {
		return err
	}

	st, err := c.connect.Storage(ctx)
	if err != nil {
		return err
	}
	loader := aggregate.NewLoader(c.router, st.Tables, c.upcaster)
	summaries, err := aggregate.NewRebuilder(c.aggregates, loader, c.log).Rebuild(ctx, positional[0], aggregateID)
	if err != nil {
		return err
	}
	if format == "json" {
		return writeJSON(c.stdout, summaries)
	}
	t := newTable(c.stdout, "AGGREGATE", "VERSION", "SEQ", "STATE")
	for _, s := range summaries {
		t.row(s.AggregateID, s.Version, s.Seq, string(s.State))
	}
	if err := t.flush(); err != nil {
		return err
	}
	c.printf("rebuilt %d %s aggregates\n", len(summaries), positional[0])
	return nil
}

func cmdHistory(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("event:history")
	var (
		domain string
		limit  int
		format string
	)
	fs.StringVar(&domain, "domain", "", "only this domain")
	fs.IntVar(&limit, "limit", 50, "newest records to show (0 = all)")
	fs.StringVar(&format, "format", "table", "output format: table|json")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	format, err := parseFormat(format)
	if err != nil {
		return err
	}
	st, err := c.connect.Storage(ctx)
	if err != nil {
		return err
	}
	svc := migration.NewService(c.router, st.Tables, st.Records, migration.WithLogger(c.log))
	records, err := svc.History(ctx, domain, limit)
	if err != nil {
		return err
	}
	if format == "json" {
		return writeJSON(c.stdout, records)
	}
	t := newTable(c.stdout, "ID", "DOMAIN", "STATUS", "EVENTS", "STARTED", "COMPLETED", "ERRORS")
	for _, r := range records {
		completed := "-"
		if !r.CompletedAt.IsZero() {
			completed = r.CompletedAt.Format(time.RFC3339)
		}
		t.row(r.ID, r.Domain, r.Status, r.EventsMigrated, r.StartedAt.Format(time.RFC3339), completed, trimList(r.Errors))
	}
	return t.flush()
}

func cmdValidateChains(_ context.Context, c *cli, args []string) error {
	fs := c.flags("event:validate-chains")
	var format string
	fs.StringVar(&format, "format", "table", "output format: table|json")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	format, err := parseFormat(format)
	if err != nil {
		return err
	}

	gaps := c.versions.ValidateAll()
	versions := c.versions.AllVersions()
	if format == "json" {
		if err := writeJSON(c.stdout, struct {
			Versions any                 `json:"versions"`
			Gaps     map[string][]string `json:"gaps"`
		}{versions, gaps}); err != nil {
			return err
		}
	} else {
		t := newTable(c.stdout, "EVENT_TYPE", "CURRENT_VERSION", "UPCASTERS", "GAPS")
		for _, et := range c.versions.EventTypes() {
			t.row(et, versions[et].CurrentVersion, versions[et].UpcasterCount, len(gaps[et]))
		}
		if err := t.flush(); err != nil {
			return err
		}
		for _, et := range sortedKeys(gaps) {
			for _, msg := range gaps[et] {
				c.printf("%s: %s\n", et, msg)
			}
		}
	}
	if len(gaps) > 0 {
		return errors.New("upcaster chains have gaps")
	}
	return nil
}
