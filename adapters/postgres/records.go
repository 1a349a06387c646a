package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/eventvault-go/core/storage"
)

func (s *Store) AppendRecord(ctx context.Context, rec storage.MigrationRecord) error {
	if rec.ID == "" {
		rec.ID = gonanoid.Must()
	}
	var completed *time.Time
	if !rec.CompletedAt.IsZero() {
		completed = &rec.CompletedAt
	}
	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO `+ident(s.migrations)+`
(id, domain, source_table, target_table, status, events_migrated, started_at, completed_at, errors)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Domain, rec.SourceTable, rec.TargetTable, string(rec.Status),
		rec.EventsMigrated, rec.StartedAt, completed, errs,
	)
	if err != nil {
		return tableErr(s.migrations, err)
	}
	s.log.Debug("migration recorded", rec.LogAttrs())
	return nil
}

func (s *Store) ListRecords(ctx context.Context, domain string, limit int) ([]storage.MigrationRecord, error) {
	sql := `SELECT id, domain, source_table, target_table, status, events_migrated, started_at, completed_at, errors
FROM ` + ident(s.migrations) + `
WHERE ($1::text = '' OR domain = $1)
ORDER BY position DESC`
	args := []any{domain}
	if limit > 0 {
		sql += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, tableErr(s.migrations, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.MigrationRecord, error) {
		var (
			r         storage.MigrationRecord
			status    string
			completed *time.Time
		)
		if err := row.Scan(
			&r.ID, &r.Domain, &r.SourceTable, &r.TargetTable, &status,
			&r.EventsMigrated, &r.StartedAt, &completed, &r.Errors,
		); err != nil {
			return r, err
		}
		r.Status = storage.MigrationStatus(status)
		r.StartedAt = r.StartedAt.UTC()
		if completed != nil {
			r.CompletedAt = completed.UTC()
		}
		if len(r.Errors) == 0 {
			r.Errors = nil
		}
		return r, nil
	})
	if err != nil {
		return nil, tableErr(s.migrations, err)
	}
	return out, nil
}

var _ storage.MigrationLog = (*Store)(nil)
