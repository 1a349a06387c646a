package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/codewandler/eventvault-go/core/aggregate"
	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/metrics"
	"github.com/codewandler/eventvault-go/core/storage"
)

var tracer = otel.Tracer("github.com/codewandler/eventvault-go/core/snapshot")

const DefaultThreshold = 100

type CreateOptions struct {
	Type    string
	Account string
	Force   bool
	DryRun  bool
}

// Planned describes one snapshot a run writes (or would write).
type Planned struct {
	AggregateID string `json:"aggregate_id"`
	SequenceNo  int64  `json:"sequence_no"`
	EventsSince int64  `json:"events_since"`
}

type CreateReport struct {
	Type       string    `json:"type"`
	Table      string    `json:"table"`
	DryRun     bool      `json:"dry_run"`
	Considered int       `json:"considered"`
	Skipped    int       `json:"skipped"`
	Written    int       `json:"written"`
	Snapshots  []Planned `json:"snapshots"`
}

type CreatorOption func(*Creator)

func WithThreshold(n int64) CreatorOption {
	return func(c *Creator) { c.threshold = n }
}

func WithKinds(kinds ...Kind) CreatorOption {
	return func(c *Creator) { c.kinds = kinds }
}

func WithCreatorLogger(log *slog.Logger) CreatorOption {
	return func(c *Creator) { c.log = log }
}

func WithCreatorMetrics(m metrics.EventMetrics) CreatorOption {
	return func(c *Creator) { c.metrics = m }
}

func WithCreatorClock(now func() time.Time) CreatorOption {
	return func(c *Creator) { c.now = now }
}

// Creator materializes aggregate state into snapshot tables.
type Creator struct {
	aggregates *aggregate.Registry
	loader     *aggregate.Loader
	store      storage.SnapshotStore
	kinds      []Kind
	threshold  int64
	log        *slog.Logger
	metrics    metrics.EventMetrics
	now        func() time.Time
}

func NewCreator(aggregates *aggregate.Registry, loader *aggregate.Loader, store storage.SnapshotStore, opts ...CreatorOption) *Creator {
	c := &Creator{
		aggregates: aggregates,
		loader:     loader,
		store:      store,
		kinds:      DefaultKinds(),
		threshold:  DefaultThreshold,
		log:        slog.Default(),
		metrics:    metrics.NopEventMetrics(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(slog.String("component", "snapshot_creator"))
	return c
}

func (c *Creator) kind(name string) (Kind, error) {
	var names []string
	for _, k := range c.kinds {
		if k.Type == normalize(name) {
			return k, nil
		}
		names = append(names, k.Type)
	}
	return Kind{}, event.NewLookupError("snapshot type", name, names)
}

type candidate struct {
	id     string
	latest *storage.Snapshot
	since  int64
}

// typeRun is the plan for one snapshot type within a run.
type typeRun struct {
	kind    Kind
	aggType aggregate.Type
	due     []candidate
	report  CreateReport
}

// Create snapshots every aggregate of opts.Type (or only opts.Account).
// Ledger-style kinds always snapshot; the others only when more than the
// threshold of events arrived since their last snapshot, unless Force is set.
func (c *Creator) Create(ctx context.Context, opts CreateOptions) (CreateReport, error) {
	reports, err := c.CreateAll(ctx, []string{opts.Type}, opts)
	if len(reports) == 0 {
		return CreateReport{}, err
	}
	return reports[0], err
}

// CreateAll runs Create for several types as one unit: every type is planned
// first and all rows commit together or not at all. No types means every
// configured kind. opts.Type is ignored.
func (c *Creator) CreateAll(ctx context.Context, types []string, opts CreateOptions) ([]CreateReport, error) {
	kinds := c.kinds
	if len(types) > 0 {
		kinds = make([]Kind, 0, len(types))
		for _, t := range types {
			k, err := c.kind(t)
			if err != nil {
				return nil, err
			}
			kinds = append(kinds, k)
		}
	}

	runs := make([]*typeRun, 0, len(kinds))
	for _, k := range kinds {
		aggType, err := c.aggregates.Lookup(k.Aggregate)
		if err != nil {
			return nil, err
		}
		runs = append(runs, &typeRun{
			kind:    k,
			aggType: aggType,
			report:  CreateReport{Type: k.Type, Table: k.Table, DryRun: opts.DryRun, Snapshots: []Planned{}},
		})
	}

	ctx, span := tracer.Start(ctx, "snapshot.create")
	defer span.End()
	names := make([]string, len(runs))
	for i, r := range runs {
		names[i] = r.kind.Type
	}
	span.SetAttributes(
		attribute.StringSlice("types", names),
		attribute.Bool("force", opts.Force),
		attribute.Bool("dry_run", opts.DryRun),
	)

	reports := func() []CreateReport {
		out := make([]CreateReport, len(runs))
		for i, r := range runs {
			out[i] = r.report
		}
		return out
	}

	for _, r := range runs {
		if err := c.plan(ctx, r, opts); err != nil {
			return reports(), err
		}
	}

	if opts.DryRun {
		for _, r := range runs {
			for _, d := range r.due {
				r.report.Snapshots = append(r.report.Snapshots, Planned{AggregateID: d.id, EventsSince: d.since})
			}
			c.log.Info("dry run", slog.String("type", r.kind.Type), slog.Int("due", len(r.due)), slog.Int("skipped", r.report.Skipped))
		}
		return reports(), nil
	}

	written := make([][]Planned, len(runs))
	err := c.store.Atomically(ctx, func(w storage.SnapshotWriter) error {
		for i, r := range runs {
			written[i] = written[i][:0]
			for _, d := range r.due {
				p, err := c.write(ctx, w, r, d)
				if err != nil {
					return fmt.Errorf("%s %s: %w", r.kind.Type, d.id, err)
				}
				written[i] = append(written[i], p)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		c.log.Error("snapshot run rolled back", slog.Any("types", names), slog.Any("err", err))
		return reports(), err
	}

	for i, r := range runs {
		r.report.Snapshots = append(r.report.Snapshots, written[i]...)
		r.report.Written = len(written[i])
		c.metrics.SnapshotsWritten(r.kind.Type, r.report.Written)
		c.log.Info(
			"snapshots written",
			slog.String("type", r.kind.Type),
			slog.Int("written", r.report.Written),
			slog.Int("skipped", r.report.Skipped),
		)
	}
	return reports(), nil
}

// plan decides which aggregates of r are due.
func (c *Creator) plan(ctx context.Context, r *typeRun, opts CreateOptions) error {
	ids, err := c.loader.IDs(ctx, r.aggType, opts.Account)
	if err != nil {
		return err
	}
	r.report.Considered = len(ids)

	for _, id := range ids {
		latest, err := c.store.Latest(ctx, r.kind.Table, id)
		if err != nil && !errors.Is(err, storage.ErrSnapshotNotFound) {
			return err
		}
		var from int64
		if latest != nil {
			from = latest.SequenceNo
		}
		since, err := c.loader.CountSince(ctx, r.aggType, id, from)
		if err != nil {
			return err
		}
		if !r.kind.Always && !opts.Force && since <= c.threshold {
			r.report.Skipped++
			continue
		}
		r.due = append(r.due, candidate{id: id, latest: latest, since: since})
	}
	return nil
}

func (c *Creator) write(ctx context.Context, w storage.SnapshotWriter, r *typeRun, d candidate) (Planned, error) {
	root := r.aggType.New(d.id)
	if d.latest != nil {
		if err := aggregate.Restore(root, d.latest); err != nil {
			return Planned{}, err
		}
	}
	if _, err := c.loader.CatchUp(ctx, r.aggType, root); err != nil {
		return Planned{}, err
	}
	state, err := aggregate.State(root)
	if err != nil {
		return Planned{}, err
	}
	snap := storage.Snapshot{
		ID:            gonanoid.Must(),
		AggregateID:   d.id,
		AggregateType: r.aggType.Name,
		SnapshotType:  r.kind.Type,
		State:         state,
		SequenceNo:    root.Seq(),
		EventCount:    root.Version(),
		CreatedAt:     c.now().UTC(),
	}
	if err := w.Save(ctx, r.kind.Table, snap); err != nil {
		return Planned{}, err
	}
	return Planned{AggregateID: d.id, SequenceNo: snap.SequenceNo, EventsSince: d.since}, nil
}
