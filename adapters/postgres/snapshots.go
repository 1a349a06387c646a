package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/eventvault-go/core/storage"
)

const snapshotColumns = "id, aggregate_id, aggregate_type, snapshot_type, state, sequence_no, event_count, created_at"

// newestFirst matches the in-memory tie-breaking.
const newestFirst = "created_at DESC, sequence_no DESC, id DESC"

func scanSnapshot(row pgx.CollectableRow) (storage.Snapshot, error) {
	var (
		s     storage.Snapshot
		state []byte
	)
	err := row.Scan(&s.ID, &s.AggregateID, &s.AggregateType, &s.SnapshotType, &state, &s.SequenceNo, &s.EventCount, &s.CreatedAt)
	s.State = state
	s.CreatedAt = s.CreatedAt.UTC()
	return s, err
}

func (s *Store) Latest(ctx context.Context, table, aggregateID string) (*storage.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+snapshotColumns+" FROM "+ident(table)+" WHERE aggregate_id = $1 ORDER BY "+newestFirst+" LIMIT 1",
		aggregateID,
	)
	if err != nil {
		return nil, tableErr(table, err)
	}
	snap, err := pgx.CollectOneRow(rows, scanSnapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, tableErr(table, err)
	}
	return &snap, nil
}

func (s *Store) List(ctx context.Context, table, aggregateID string) ([]storage.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+snapshotColumns+" FROM "+ident(table)+" WHERE ($1::text = '' OR aggregate_id = $1) ORDER BY "+newestFirst,
		aggregateID,
	)
	if err != nil {
		return nil, tableErr(table, err)
	}
	out, err := pgx.CollectRows(rows, scanSnapshot)
	if err != nil {
		return nil, tableErr(table, err)
	}
	return out, nil
}

type snapshotTx struct {
	tx  pgx.Tx
	now func() time.Time
}

func (w *snapshotTx) Save(ctx context.Context, table string, snap storage.Snapshot) error {
	if snap.AggregateID == "" {
		return fmt.Errorf("save snapshot to %s: aggregate id is required", table)
	}
	if snap.ID == "" {
		snap.ID = gonanoid.Must()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = w.now()
	}
	state := []byte(snap.State)
	if len(state) == 0 {
		state = []byte("{}")
	}
	_, err := w.tx.Exec(ctx,
		"INSERT INTO "+ident(table)+" ("+snapshotColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		snap.ID, snap.AggregateID, snap.AggregateType, snap.SnapshotType, state, snap.SequenceNo, snap.EventCount, snap.CreatedAt,
	)
	return tableErr(table, err)
}

func (s *Store) Atomically(ctx context.Context, fn func(w storage.SnapshotWriter) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&snapshotTx{tx: tx, now: func() time.Time { return time.Now().UTC() }})
	})
}

// prunableQuery selects ids created before $1 that are not the newest row of
// their aggregate.
func prunableQuery(table string) string {
	return fmt.Sprintf(`SELECT id FROM (
    SELECT id, created_at,
           row_number() OVER (PARTITION BY aggregate_id ORDER BY %s) AS rn
    FROM %s
) r WHERE r.rn > 1 AND r.created_at < $1`, newestFirst, ident(table))
}

func (s *Store) CountPrunable(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT count(*) FROM ("+prunableQuery(table)+") p", cutoff).Scan(&n)
	if err != nil {
		return 0, tableErr(table, err)
	}
	return n, nil
}

func (s *Store) Prune(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM "+ident(table)+" WHERE id IN ("+prunableQuery(table)+")", cutoff)
	if err != nil {
		return 0, tableErr(table, err)
	}
	s.log.Debug("pruned snapshots", slog.String("table", table), slog.Int64("deleted", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

func (s *Store) CountSnapshots(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+ident(table)).Scan(&n); err != nil {
		return 0, tableErr(table, err)
	}
	return n, nil
}

var _ storage.SnapshotStore = (*Store)(nil)
