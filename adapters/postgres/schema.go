package postgres

import (
	"context"
	"fmt"
	"strings"
)

const (
	DefaultSequence        = "event_sequence_no"
	DefaultMigrationsTable = "event_migrations"
)

// Schema lists the tables Apply creates. Every event table draws sequence
// numbers from the one shared sequence so that sequence_no orders events
// across tables and survives copies between them.
type Schema struct {
	Sequence        string
	MigrationsTable string
	EventTables     []string
	SnapshotTables  []string
}

func (s Schema) withDefaults() Schema {
	if s.Sequence == "" {
		s.Sequence = DefaultSequence
	}
	if s.MigrationsTable == "" {
		s.MigrationsTable = DefaultMigrationsTable
	}
	return s
}

// SQL renders idempotent DDL for the schema.
func (s Schema) SQL() string {
	s = s.withDefaults()
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE SEQUENCE IF NOT EXISTS %s;\n", ident(s.Sequence))

	for _, t := range s.EventTables {
		fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    aggregate_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    domain TEXT NOT NULL,
    event_type TEXT NOT NULL,
    schema_version INT NOT NULL DEFAULT 1,
    payload JSONB NOT NULL,
    metadata JSONB,
    sequence_no BIGINT NOT NULL UNIQUE DEFAULT nextval('%[2]s'),
    occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (aggregate_id, sequence_no);
CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s (domain, sequence_no);
CREATE INDEX IF NOT EXISTS %[5]s ON %[1]s (event_type, sequence_no);
CREATE INDEX IF NOT EXISTS %[6]s ON %[1]s (occurred_at);
`,
			ident(t), s.Sequence,
			ident("idx_"+t+"_aggregate"),
			ident("idx_"+t+"_domain"),
			ident("idx_"+t+"_event_type"),
			ident("idx_"+t+"_occurred_at"),
		)
	}

	fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %[1]s (
    position BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    domain TEXT NOT NULL,
    source_table TEXT NOT NULL,
    target_table TEXT NOT NULL,
    status TEXT NOT NULL,
    events_migrated BIGINT NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    errors TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (domain, position);
`, ident(s.MigrationsTable), ident("idx_"+s.MigrationsTable+"_domain"))

	for _, t := range s.SnapshotTables {
		fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    aggregate_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    snapshot_type TEXT NOT NULL,
    state JSONB NOT NULL,
    sequence_no BIGINT NOT NULL,
    event_count BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (aggregate_id, created_at DESC);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (created_at);
`, ident(t), ident("idx_"+t+"_aggregate"), ident("idx_"+t+"_created_at"))
	}
	return b.String()
}

// Apply executes SQL in one round trip.
func (s Schema) Apply(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, s.SQL()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
