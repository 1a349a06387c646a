package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/metrics"
	"github.com/codewandler/eventvault-go/core/router"
	"github.com/codewandler/eventvault-go/core/storage"
	"github.com/codewandler/eventvault-go/core/upcast"
)

var tracer = otel.Tracer("github.com/codewandler/eventvault-go/core/replay")

const DefaultBatchSize = 500

type Filters struct {
	Domain      string    `json:"domain,omitempty"`
	Projector   string    `json:"projector,omitempty"`
	EventTypes  []string  `json:"event_types,omitempty"`
	AggregateID string    `json:"aggregate_id,omitempty"`
	From        time.Time `json:"from,omitzero"`
	To          time.Time `json:"to,omitzero"`
}

type Summary struct {
	DryRun     bool             `json:"dry_run"`
	Filters    Filters          `json:"filters"`
	Tables     []string         `json:"tables"`
	PerTable   map[string]int64 `json:"per_table"`
	Matched    int64            `json:"matched"`
	Replayed   int64            `json:"replayed"`
	Upcasted   int64            `json:"upcasted"`
	Projectors []string         `json:"projectors"`
	Duration   time.Duration    `json:"duration"`
}

type Option func(*Engine)

func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batch = n
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m metrics.EventMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type Engine struct {
	router     *router.Router
	tables     storage.EventTables
	upcaster   *upcast.Service
	projectors *Registry
	batch      int
	log        *slog.Logger
	metrics    metrics.EventMetrics
}

func NewEngine(r *router.Router, tables storage.EventTables, upcaster *upcast.Service, projectors *Registry, opts ...Option) *Engine {
	e := &Engine{
		router:     r,
		tables:     tables,
		upcaster:   upcaster,
		projectors: projectors,
		batch:      DefaultBatchSize,
		log:        slog.Default(),
		metrics:    metrics.NopEventMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(slog.String("component", "replay"))
	return e
}

// scope resolves the tables and projectors a run touches. Unknown names fail
// here, before anything is read.
func (e *Engine) scope(ctx context.Context, f Filters) ([]string, []Projector, error) {
	var tables []string
	if f.Domain != "" {
		if !e.router.HasDomain(f.Domain) {
			return nil, nil, event.NewLookupError("domain", f.Domain, e.router.Domains())
		}
		// unmigrated events of the domain still sit in the default table
		tables = []string{e.router.ResolveTableForDomain(f.Domain)}
		if def := e.router.DefaultTable(); def != tables[0] {
			tables = append(tables, def)
		}
	} else {
		tables = e.router.Tables()
	}

	projectors := e.projectors.All()
	if f.Projector != "" {
		p, err := e.projectors.Lookup(f.Projector)
		if err != nil {
			return nil, nil, err
		}
		projectors = []Projector{p}
	}

	existing := tables[:0:0]
	for _, t := range tables {
		ok, err := e.tables.TableExists(ctx, t)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			existing = append(existing, t)
		}
	}
	return existing, projectors, nil
}

func (f Filters) query() storage.EventQuery {
	return storage.EventQuery{
		Domain:      f.Domain,
		EventTypes:  f.EventTypes,
		AggregateID: f.AggregateID,
		From:        f.From,
		To:          f.To,
	}
}

// Replay feeds every matching event, upcast to its current schema, to the
// selected projectors in sequence order. A dry run only counts.
func (e *Engine) Replay(ctx context.Context, f Filters, dryRun bool) (Summary, error) {
	start := time.Now()
	tables, projectors, err := e.scope(ctx, f)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{DryRun: dryRun, Filters: f, Tables: tables, PerTable: map[string]int64{}}
	for _, p := range projectors {
		s.Projectors = append(s.Projectors, p.Name())
	}

	if dryRun {
		// same walk as a live run so migrated copies are counted once
		m := storage.NewMerger(e.tables, tables, f.query(), e.batch)
		for {
			ev, table, err := m.Next(ctx)
			if err != nil {
				return s, err
			}
			if ev == nil {
				break
			}
			s.Matched++
			s.PerTable[table]++
		}
		s.Duration = time.Since(start)
		e.log.Info("dry run", slog.Int64("matched", s.Matched), slog.Any("tables", tables))
		return s, nil
	}

	ctx, span := tracer.Start(ctx, "replay.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("domain", f.Domain),
		attribute.String("projector", f.Projector),
		attribute.StringSlice("tables", tables),
	)

	err = e.run(ctx, &s, tables, projectors, f)
	s.Duration = time.Since(start)
	span.SetAttributes(attribute.Int64("replayed", s.Replayed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s, err
	}
	e.log.Info(
		"replay finished",
		slog.Int64("replayed", s.Replayed),
		slog.Int64("upcasted", s.Upcasted),
		slog.Duration("duration", s.Duration),
	)
	return s, nil
}

func (e *Engine) run(ctx context.Context, s *Summary, tables []string, projectors []Projector, f Filters) error {
	for _, p := range projectors {
		if h, ok := p.(ReplayStarter); ok {
			if err := h.OnReplayStart(ctx); err != nil {
				return fmt.Errorf("projector %s: start: %w", p.Name(), err)
			}
		}
	}

	label := f.Projector
	if label == "" {
		label = "all"
	}
	timer := e.metrics.ReplayDuration(label)
	defer timer.ObserveDuration()

	m := storage.NewMerger(e.tables, tables, f.query(), e.batch)
	for {
		ev, table, err := m.Next(ctx)
		if err != nil {
			return err
		}
		if ev == nil {
			break
		}
		s.Matched++
		s.PerTable[table]++

		up, upcasted, err := e.upcaster.UpcastEvent(*ev)
		if err != nil {
			return fmt.Errorf("event %s: %w", ev.ID, err)
		}
		if upcasted {
			s.Upcasted++
		}
		if err := Project(ctx, projectors, up); err != nil {
			return err
		}
		s.Replayed++
	}
	e.metrics.EventsReplayed(label, int(s.Replayed))

	for _, p := range projectors {
		if h, ok := p.(ReplayFinisher); ok {
			if err := h.OnReplayFinish(ctx); err != nil {
				return fmt.Errorf("projector %s: finish: %w", p.Name(), err)
			}
		}
	}
	return nil
}
