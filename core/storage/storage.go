// Package storage defines the persistence ports used by the event
// infrastructure: the per-domain event tables, the migration audit log and
// the snapshot tables. adapters/postgres implements them on PostgreSQL;
// Memory implements them for tests and local runs.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/eventvault-go/core/event"
)

var (
	ErrTableNotFound    = errors.New("table not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// EventQuery narrows reads and counts on one event table. Zero values mean
// "no constraint".
type EventQuery struct {
	IDs           []string
	Domain        string
	EventTypes    []string
	AggregateType string
	AggregateID   string
	From          time.Time // occurred_at >= From
	To            time.Time // occurred_at <= To
	AfterSeq      int64     // sequence_no > AfterSeq
	Limit         int
}

// EventTables is the sharded append-only log. Reads are ordered by sequence_no.
type EventTables interface {
	TableExists(ctx context.Context, table string) (bool, error)
	Count(ctx context.Context, table string, q EventQuery) (int64, error)
	Read(ctx context.Context, table string, q EventQuery) ([]event.StoredEvent, error)
	// Append assigns sequence numbers to events that have none and returns
	// the stored copies.
	Append(ctx context.Context, table string, events ...event.StoredEvent) ([]event.StoredEvent, error)
	// InsertMissing copies events verbatim, skipping ids already present,
	// and returns how many rows were written.
	InsertMissing(ctx context.Context, table string, events []event.StoredEvent) (int, error)
	// PendingForDomain returns events of domain in source whose id is absent
	// from target, ordered by sequence_no.
	PendingForDomain(ctx context.Context, source, target, domain string, afterSeq int64, limit int) ([]event.StoredEvent, error)
	CountPending(ctx context.Context, source, target, domain string) (int64, error)
	// AggregateIDs lists distinct aggregate ids in table, sorted.
	AggregateIDs(ctx context.Context, table string, q EventQuery) ([]string, error)
}

// MigrationStatus is the lifecycle state of one migration invocation.
type MigrationStatus string

const (
	StatusDryRun    MigrationStatus = "dry_run"
	StatusRunning   MigrationStatus = "running"
	StatusCompleted MigrationStatus = "completed"
	StatusFailed    MigrationStatus = "failed"
)

// MigrationRecord is one append-only audit row.
type MigrationRecord struct {
	ID             string          `json:"id"`
	Domain         string          `json:"domain"`
	SourceTable    string          `json:"source_table"`
	TargetTable    string          `json:"target_table"`
	Status         MigrationStatus `json:"status"`
	EventsMigrated int64           `json:"events_migrated"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
}

func (r MigrationRecord) LogAttrs() slog.Attr {
	return slog.Group(
		"migration",
		slog.String("id", r.ID),
		slog.String("domain", r.Domain),
		slog.String("source", r.SourceTable),
		slog.String("target", r.TargetTable),
		slog.String("status", string(r.Status)),
		slog.Int64("migrated", r.EventsMigrated),
	)
}

// MigrationLog never updates or deletes rows.
type MigrationLog interface {
	AppendRecord(ctx context.Context, rec MigrationRecord) error
	// ListRecords returns newest first. An empty domain lists all.
	ListRecords(ctx context.Context, domain string, limit int) ([]MigrationRecord, error)
}

// Snapshot is materialized aggregate state at SequenceNo.
type Snapshot struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	SnapshotType  string          `json:"snapshot_type"`
	State         json.RawMessage `json:"state"`
	SequenceNo    int64           `json:"sequence_no"`
	EventCount    int64           `json:"event_count"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SnapshotWriter stages snapshot rows inside an atomic unit.
type SnapshotWriter interface {
	Save(ctx context.Context, table string, s Snapshot) error
}

type SnapshotStore interface {
	// Latest returns ErrSnapshotNotFound when the aggregate has none.
	Latest(ctx context.Context, table, aggregateID string) (*Snapshot, error)
	List(ctx context.Context, table, aggregateID string) ([]Snapshot, error)
	// Atomically commits every Save made through w, or none of them when fn
	// returns an error.
	Atomically(ctx context.Context, fn func(w SnapshotWriter) error) error
	// CountPrunable and Prune consider rows created before cutoff, excluding
	// the newest row of every aggregate.
	CountPrunable(ctx context.Context, table string, cutoff time.Time) (int64, error)
	Prune(ctx context.Context, table string, cutoff time.Time) (int64, error)
	CountSnapshots(ctx context.Context, table string) (int64, error)
}
