package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/storage"
)

const eventColumns = "id, aggregate_id, aggregate_type, domain, event_type, schema_version, payload, metadata, sequence_no, occurred_at"

type StoreOption func(*Store)

func WithLogger(log *slog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

func WithSequence(name string) StoreOption {
	return func(s *Store) { s.sequence = name }
}

func WithMigrationsTable(name string) StoreOption {
	return func(s *Store) { s.migrations = name }
}

// Store implements storage.EventTables, storage.MigrationLog and
// storage.SnapshotStore on one pool.
type Store struct {
	pool       *Pool
	log        *slog.Logger
	sequence   string
	migrations string
}

func NewStore(pool *Pool, opts ...StoreOption) *Store {
	s := &Store{
		pool:       pool,
		log:        slog.Default(),
		sequence:   DefaultSequence,
		migrations: DefaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "postgres.store"))
	return s
}

func tableErr(table string, err error) error {
	if IsUndefinedTable(err) {
		return fmt.Errorf("%w: %s", storage.ErrTableNotFound, table)
	}
	return err
}

// where renders q as a WHERE clause, numbering placeholders from 1.
func where(q storage.EventQuery, alias string) (string, []any) {
	col := func(c string) string {
		if alias == "" {
			return c
		}
		return alias + "." + c
	}
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(q.IDs) > 0 {
		add(col("id")+" = ANY($%d)", q.IDs)
	}
	if q.Domain != "" {
		add(col("domain")+" = $%d", q.Domain)
	}
	if len(q.EventTypes) > 0 {
		add(col("event_type")+" = ANY($%d)", q.EventTypes)
	}
	if q.AggregateType != "" {
		add(col("aggregate_type")+" = $%d", q.AggregateType)
	}
	if q.AggregateID != "" {
		add(col("aggregate_id")+" = $%d", q.AggregateID)
	}
	if !q.From.IsZero() {
		add(col("occurred_at")+" >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add(col("occurred_at")+" <= $%d", q.To)
	}
	if q.AfterSeq > 0 {
		add(col("sequence_no")+" > $%d", q.AfterSeq)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvents(rows pgx.Rows) ([]event.StoredEvent, error) {
	defer rows.Close()
	var out []event.StoredEvent
	for rows.Next() {
		var (
			e        event.StoredEvent
			payload  []byte
			metadata []byte
		)
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &e.Domain, &e.EventType,
			&e.SchemaVersion, &payload, &metadata, &e.SequenceNo, &e.OccurredAt,
		); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		if len(metadata) > 0 {
			e.Metadata = json.RawMessage(metadata)
		}
		e.OccurredAt = e.OccurredAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", ident(table)).Scan(&ok)
	return ok, err
}

func (s *Store) Count(ctx context.Context, table string, q storage.EventQuery) (int64, error) {
	cond, args := where(q, "")
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+ident(table)+cond, args...).Scan(&n)
	if err != nil {
		return 0, tableErr(table, err)
	}
	return n, nil
}

func (s *Store) Read(ctx context.Context, table string, q storage.EventQuery) ([]event.StoredEvent, error) {
	cond, args := where(q, "")
	sql := "SELECT " + eventColumns + " FROM " + ident(table) + cond + " ORDER BY sequence_no"
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, tableErr(table, err)
	}
	out, err := scanEvents(rows)
	if err != nil {
		return nil, tableErr(table, err)
	}
	return out, nil
}

func payloadArg(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func metadataArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (s *Store) Append(ctx context.Context, table string, events ...event.StoredEvent) ([]event.StoredEvent, error) {
	sql := fmt.Sprintf(`INSERT INTO %s (`+eventColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9::bigint, nextval('%s')), COALESCE($10::timestamptz, NOW()))
RETURNING sequence_no, occurred_at`, ident(table), s.sequence)

	out := make([]event.StoredEvent, 0, len(events))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var maxExplicit int64
		for _, e := range events {
			if e.ID == "" {
				return fmt.Errorf("append to %s: event id is required", table)
			}
			if e.SchemaVersion == 0 {
				e.SchemaVersion = 1
			}
			var seq *int64
			if e.SequenceNo > 0 {
				seq = &e.SequenceNo
				maxExplicit = max(maxExplicit, e.SequenceNo)
			}
			var at *time.Time
			if !e.OccurredAt.IsZero() {
				at = &e.OccurredAt
			}
			if err := tx.QueryRow(ctx, sql,
				e.ID, e.AggregateID, e.AggregateType, e.Domain, e.EventType, e.SchemaVersion,
				payloadArg(e.Payload), metadataArg(e.Metadata), seq, at,
			).Scan(&e.SequenceNo, &e.OccurredAt); err != nil {
				return err
			}
			e.OccurredAt = e.OccurredAt.UTC()
			out = append(out, e)
		}
		if maxExplicit > 0 {
			return s.bumpSequence(ctx, tx, maxExplicit)
		}
		return nil
	})
	if err != nil {
		return nil, tableErr(table, err)
	}
	return out, nil
}

// bumpSequence keeps nextval above explicitly supplied sequence numbers.
func (s *Store) bumpSequence(ctx context.Context, db DBTX, seq int64) error {
	_, err := db.Exec(ctx, fmt.Sprintf(
		"SELECT setval('%[1]s', GREATEST($1::bigint, (SELECT last_value FROM %[2]s)))",
		s.sequence, ident(s.sequence),
	), seq)
	return err
}

func (s *Store) InsertMissing(ctx context.Context, table string, events []event.StoredEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	sql := "INSERT INTO " + ident(table) + " (" + eventColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		var maxSeq int64
		for _, e := range events {
			b.Queue(sql,
				e.ID, e.AggregateID, e.AggregateType, e.Domain, e.EventType, e.SchemaVersion,
				payloadArg(e.Payload), metadataArg(e.Metadata), e.SequenceNo, e.OccurredAt,
			)
			maxSeq = max(maxSeq, e.SequenceNo)
		}
		br := tx.SendBatch(ctx, b)
		for range events {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			n += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return err
		}
		return s.bumpSequence(ctx, tx, maxSeq)
	})
	if err != nil {
		return 0, tableErr(table, err)
	}
	return n, nil
}

func (s *Store) PendingForDomain(ctx context.Context, source, target, domain string, afterSeq int64, limit int) ([]event.StoredEvent, error) {
	cols := "s." + strings.ReplaceAll(eventColumns, ", ", ", s.")
	sql := fmt.Sprintf(`SELECT %s FROM %s s
WHERE s.domain = $1 AND s.sequence_no > $2
  AND NOT EXISTS (SELECT 1 FROM %s t WHERE t.id = s.id)
ORDER BY s.sequence_no`, cols, ident(source), ident(target))
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, sql, domain, afterSeq)
	if err != nil {
		return nil, s.pairErr(ctx, source, target, err)
	}
	out, err := scanEvents(rows)
	if err != nil {
		return nil, s.pairErr(ctx, source, target, err)
	}
	return out, nil
}

func (s *Store) CountPending(ctx context.Context, source, target, domain string) (int64, error) {
	sql := fmt.Sprintf(`SELECT count(*) FROM %s s
WHERE s.domain = $1
  AND NOT EXISTS (SELECT 1 FROM %s t WHERE t.id = s.id)`, ident(source), ident(target))
	var n int64
	if err := s.pool.QueryRow(ctx, sql, domain).Scan(&n); err != nil {
		return 0, s.pairErr(ctx, source, target, err)
	}
	return n, nil
}

// pairErr names the missing table of a two-table query.
func (s *Store) pairErr(ctx context.Context, source, target string, err error) error {
	if !IsUndefinedTable(err) {
		return err
	}
	for _, t := range []string{source, target} {
		if ok, _ := s.TableExists(ctx, t); !ok {
			return fmt.Errorf("%w: %s", storage.ErrTableNotFound, t)
		}
	}
	return errors.Join(storage.ErrTableNotFound, err)
}

func (s *Store) AggregateIDs(ctx context.Context, table string, q storage.EventQuery) ([]string, error) {
	cond, args := where(q, "")
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT aggregate_id FROM "+ident(table)+cond+" ORDER BY aggregate_id", args...)
	if err != nil {
		return nil, tableErr(table, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, tableErr(table, err)
	}
	return ids, nil
}

var _ storage.EventTables = (*Store)(nil)
