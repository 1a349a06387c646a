package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/metrics"
	"github.com/codewandler/eventvault-go/core/router"
	"github.com/codewandler/eventvault-go/core/storage"
)

var tracer = otel.Tracer("github.com/codewandler/eventvault-go/core/migration")

// Record is the audit row produced by Migrate.
type Record = storage.MigrationRecord

// PlanEntry summarizes what is left to migrate for one domain.
type PlanEntry struct {
	Domain      string `json:"domain"`
	SourceTable string `json:"source_table"`
	TargetTable string `json:"target_table"`
	Pending     int64  `json:"pending"`
}

type Option func(*Service)

func WithSourceTable(table string) Option {
	return func(s *Service) { s.source = table }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithMetrics(m metrics.EventMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service moves events out of the shared source table into the table the
// router assigns to their domain. Writes are keyed by event id, so runs can
// be repeated or resumed after a failure.
type Service struct {
	router    *router.Router
	tables    storage.EventTables
	records   storage.MigrationLog
	validator *Validator
	source    string
	log       *slog.Logger
	metrics   metrics.EventMetrics
	now       func() time.Time
}

func NewService(r *router.Router, tables storage.EventTables, records storage.MigrationLog, opts ...Option) *Service {
	s := &Service{
		router:  r,
		tables:  tables,
		records: records,
		source:  r.DefaultTable(),
		log:     slog.Default(),
		metrics: metrics.NopEventMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "migration"))
	s.validator = NewValidator(tables, s.log)
	return s
}

func (s *Service) SourceTable() string { return s.source }

func (s *Service) lookup(domain string) error {
	if !s.router.HasDomain(domain) {
		return event.NewLookupError("domain", domain, s.router.Domains())
	}
	return nil
}

// pendingCount counts events of domain in the source that the target lacks.
// A missing target table means everything is pending.
func (s *Service) pendingCount(ctx context.Context, domain, target string) (int64, error) {
	ok, err := s.tables.TableExists(ctx, target)
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.tables.Count(ctx, s.source, storage.EventQuery{Domain: domain})
	}
	return s.tables.CountPending(ctx, s.source, target, domain)
}

// Plan reports pending events per domain. Domains with nothing pending are
// left out. An empty domain plans every mapped domain.
func (s *Service) Plan(ctx context.Context, domain string) (map[string]PlanEntry, error) {
	domains := s.router.Domains()
	if domain != "" {
		if err := s.lookup(domain); err != nil {
			return nil, err
		}
		domains = []string{domain}
	}

	plan := map[string]PlanEntry{}
	for _, d := range domains {
		target := s.router.ResolveTableForDomain(d)
		if target == s.source {
			continue
		}
		n, err := s.pendingCount(ctx, d, target)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", d, err)
		}
		if n == 0 {
			continue
		}
		plan[d] = PlanEntry{Domain: d, SourceTable: s.source, TargetTable: target, Pending: n}
	}
	return plan, nil
}

// Migrate copies the pending events of domain in batches of batchSize.
//
// A dry run only counts and writes nothing, not even an audit record. A live
// run appends exactly one audit record when it ends. On failure the record
// has status failed and the error is returned with it; batches committed
// before the failure stay in place.
func (s *Service) Migrate(ctx context.Context, domain string, batchSize int, dryRun bool) (Record, error) {
	if batchSize < 1 {
		return Record{}, event.NewValidationError("batch", "Batch size must be at least 1.")
	}
	if err := s.lookup(domain); err != nil {
		return Record{}, err
	}

	ctx, span := tracer.Start(ctx, "migration.migrate")
	defer span.End()

	target := s.router.ResolveTableForDomain(domain)
	rec := Record{
		ID:          gonanoid.Must(),
		Domain:      domain,
		SourceTable: s.source,
		TargetTable: target,
		Status:      storage.StatusRunning,
		StartedAt:   s.now().UTC(),
	}
	span.SetAttributes(
		attribute.String("domain", domain),
		attribute.String("target", target),
		attribute.Bool("dry_run", dryRun),
	)
	log := s.log.With(slog.String("domain", domain), slog.String("target", target))

	if dryRun {
		n, err := s.pendingCount(ctx, domain, target)
		if err != nil {
			return Record{}, err
		}
		rec.Status = storage.StatusDryRun
		rec.EventsMigrated = n
		rec.CompletedAt = s.now().UTC()
		log.Info("dry run", slog.Int64("pending", n))
		return rec, nil
	}

	runErr := s.run(ctx, log, &rec, batchSize)
	rec.CompletedAt = s.now().UTC()
	if runErr != nil {
		rec.Status = storage.StatusFailed
		rec.Errors = append(rec.Errors, runErr.Error())
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		rec.Status = storage.StatusCompleted
	}
	span.SetAttributes(attribute.Int64("migrated", rec.EventsMigrated))
	s.metrics.MigrationFinished(domain, string(rec.Status))

	if err := s.records.AppendRecord(context.WithoutCancel(ctx), rec); err != nil {
		return rec, errors.Join(runErr, fmt.Errorf("append migration record: %w", err))
	}
	if runErr != nil {
		log.Error("migration failed", rec.LogAttrs(), slog.Any("err", runErr))
		return rec, runErr
	}
	log.Info("migration completed", rec.LogAttrs())
	return rec, nil
}

func (s *Service) run(ctx context.Context, log *slog.Logger, rec *Record, batchSize int) error {
	ok, err := s.tables.TableExists(ctx, rec.TargetTable)
	if err != nil {
		return err
	}
	if !ok {
		// nothing to copy completes without a target table
		n, err := s.tables.Count(ctx, rec.SourceTable, storage.EventQuery{Domain: rec.Domain})
		if err != nil || n == 0 {
			return err
		}
		return fmt.Errorf("%w: %s", storage.ErrTableNotFound, rec.TargetTable)
	}

	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.tables.PendingForDomain(ctx, rec.SourceTable, rec.TargetTable, rec.Domain, after, batchSize)
		if err != nil {
			return fmt.Errorf("read batch after seq %d: %w", after, err)
		}
		if len(batch) == 0 {
			return nil
		}

		timer := s.metrics.MigrationBatchDuration(rec.Domain)
		n, err := s.tables.InsertMissing(ctx, rec.TargetTable, batch)
		timer.ObserveDuration()
		if err != nil {
			return fmt.Errorf("write batch after seq %d: %w", after, err)
		}
		rec.EventsMigrated += int64(n)
		s.metrics.EventsMigrated(rec.Domain, n)
		after = batch[len(batch)-1].SequenceNo

		log.Debug(
			"batch migrated",
			slog.Int("batch", len(batch)),
			slog.Int("written", n),
			slog.Int64("after_seq", after),
		)
	}
}

// Verify validates the source/target pair the router assigns to domain.
func (s *Service) Verify(ctx context.Context, domain string) (Report, error) {
	if err := s.lookup(domain); err != nil {
		return Report{}, err
	}
	ctx, span := tracer.Start(ctx, "migration.verify")
	defer span.End()
	span.SetAttributes(attribute.String("domain", domain))
	return s.validator.Validate(ctx, s.source, s.router.ResolveTableForDomain(domain), domain)
}

// History returns past migration records, newest first.
func (s *Service) History(ctx context.Context, domain string, limit int) ([]Record, error) {
	if domain != "" {
		if err := s.lookup(domain); err != nil {
			return nil, err
		}
	}
	return s.records.ListRecords(ctx, domain, limit)
}
