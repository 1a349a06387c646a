package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/metrics"
	"github.com/codewandler/eventvault-go/core/storage"
)

const DefaultRetentionDays = 30

type CleanupOptions struct {
	// Domain limits the run to one snapshot table. Empty means all.
	Domain string
	// Days is the retention window; 0 means DefaultRetentionDays.
	Days   int
	DryRun bool
}

type TableCleanup struct {
	Domain     string `json:"domain"`
	Table      string `json:"table"`
	Candidates int64  `json:"candidates"`
	Deleted    int64  `json:"deleted"`
}

type CleanupReport struct {
	Cutoff time.Time      `json:"cutoff"`
	DryRun bool           `json:"dry_run"`
	Tables []TableCleanup `json:"tables"`
}

type CleanerOption func(*Cleaner)

func WithTables(tables map[string]string) CleanerOption {
	return func(c *Cleaner) { c.tables = tables }
}

func WithCleanerLogger(log *slog.Logger) CleanerOption {
	return func(c *Cleaner) { c.log = log }
}

func WithCleanerMetrics(m metrics.EventMetrics) CleanerOption {
	return func(c *Cleaner) { c.metrics = m }
}

func WithCleanerClock(now func() time.Time) CleanerOption {
	return func(c *Cleaner) { c.now = now }
}

// Cleaner deletes snapshots older than the retention window. The newest
// snapshot of every aggregate survives regardless of its age.
type Cleaner struct {
	store   storage.SnapshotStore
	tables  map[string]string
	log     *slog.Logger
	metrics metrics.EventMetrics
	now     func() time.Time
}

func NewCleaner(store storage.SnapshotStore, opts ...CleanerOption) *Cleaner {
	c := &Cleaner{
		store:   store,
		tables:  DefaultTables(),
		log:     slog.Default(),
		metrics: metrics.NopEventMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(slog.String("component", "snapshot_cleaner"))
	return c
}

// Domains lists the snapshot domains with a mapped table.
func (c *Cleaner) Domains() []string { return keys(c.tables) }

func (c *Cleaner) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupReport, error) {
	if opts.Days < 0 {
		return CleanupReport{}, event.NewValidationError("days", "Days must not be negative.")
	}
	days := opts.Days
	if days == 0 {
		days = DefaultRetentionDays
	}

	domains := c.Domains()
	if opts.Domain != "" {
		d := normalize(opts.Domain)
		if _, ok := c.tables[d]; !ok {
			return CleanupReport{}, event.NewLookupError("snapshot domain", opts.Domain, domains)
		}
		domains = []string{d}
	}

	ctx, span := tracer.Start(ctx, "snapshot.cleanup")
	defer span.End()

	report := CleanupReport{Cutoff: c.now().UTC().AddDate(0, 0, -days), DryRun: opts.DryRun}
	for _, d := range domains {
		table := c.tables[d]
		tc := TableCleanup{Domain: d, Table: table}

		n, err := c.store.CountPrunable(ctx, table, report.Cutoff)
		if err != nil {
			return report, err
		}
		tc.Candidates = n

		if !opts.DryRun && n > 0 {
			deleted, err := c.store.Prune(ctx, table, report.Cutoff)
			if err != nil {
				return report, err
			}
			tc.Deleted = deleted
			c.metrics.SnapshotsPruned(table, int(deleted))
		}
		report.Tables = append(report.Tables, tc)

		c.log.Info(
			"snapshot cleanup",
			slog.String("table", table),
			slog.Int64("candidates", tc.Candidates),
			slog.Int64("deleted", tc.Deleted),
			slog.Bool("dry_run", opts.DryRun),
		)
	}
	return report, nil
}
