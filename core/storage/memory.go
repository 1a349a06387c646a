package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/eventvault-go/core/event"
)

// Memory implements every storage port in process. Event tables must be
// created before use so existence checks behave like a real database;
// snapshot tables are created on first write.
type Memory struct {
	mu        sync.Mutex
	log       *slog.Logger
	now       func() time.Time
	seq       int64
	tables    map[string][]event.StoredEvent
	records   []MigrationRecord
	snapshots map[string][]Snapshot
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(m *Memory) { m.log = log }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		log:       slog.Default(),
		now:       time.Now,
		tables:    map[string][]event.StoredEvent{},
		snapshots: map[string][]Snapshot{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(slog.String("store", "memory"))
	return m
}

// CreateTables registers empty event tables. Existing tables are kept.
func (m *Memory) CreateTables(names ...string) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		if _, ok := m.tables[n]; !ok {
			m.tables[n] = nil
		}
	}
	return m
}

func (m *Memory) TableExists(_ context.Context, table string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[table]
	return ok, nil
}

func (m *Memory) rows(table string) ([]event.StoredEvent, error) {
	rows, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return rows, nil
}

func matches(e event.StoredEvent, q EventQuery) bool {
	if len(q.IDs) > 0 && !slices.Contains(q.IDs, e.ID) {
		return false
	}
	if q.Domain != "" && e.Domain != q.Domain {
		return false
	}
	if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, e.EventType) {
		return false
	}
	if q.AggregateType != "" && e.AggregateType != q.AggregateType {
		return false
	}
	if q.AggregateID != "" && e.AggregateID != q.AggregateID {
		return false
	}
	if !q.From.IsZero() && e.OccurredAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.OccurredAt.After(q.To) {
		return false
	}
	return e.SequenceNo > q.AfterSeq
}

func (m *Memory) Count(_ context.Context, table string, q EventQuery) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.rows(table)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, e := range rows {
		if matches(e, q) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Read(_ context.Context, table string, q EventQuery) ([]event.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.rows(table)
	if err != nil {
		return nil, err
	}
	var out []event.StoredEvent
	for _, e := range rows {
		if !matches(e, q) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Append(_ context.Context, table string, events ...event.StoredEvent) ([]event.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.rows(table)
	if err != nil {
		return nil, err
	}
	out := make([]event.StoredEvent, 0, len(events))
	for _, e := range events {
		if e.ID == "" {
			return nil, fmt.Errorf("append to %s: event id is required", table)
		}
		if e.SequenceNo == 0 {
			m.seq++
			e.SequenceNo = m.seq
		} else if e.SequenceNo > m.seq {
			m.seq = e.SequenceNo
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = m.now()
		}
		if e.SchemaVersion == 0 {
			e.SchemaVersion = 1
		}
		rows = insertSorted(rows, e)
		out = append(out, e)
	}
	m.tables[table] = rows
	return out, nil
}

func insertSorted(rows []event.StoredEvent, e event.StoredEvent) []event.StoredEvent {
	i := sort.Search(len(rows), func(i int) bool { return rows[i].SequenceNo > e.SequenceNo })
	return slices.Insert(rows, i, e)
}

func (m *Memory) InsertMissing(_ context.Context, table string, events []event.StoredEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.rows(table)
	if err != nil {
		return 0, err
	}
	ids := make(map[string]struct{}, len(rows))
	for _, e := range rows {
		ids[e.ID] = struct{}{}
	}
	n := 0
	for _, e := range events {
		if _, ok := ids[e.ID]; ok {
			continue
		}
		ids[e.ID] = struct{}{}
		rows = insertSorted(rows, e)
		if e.SequenceNo > m.seq {
			m.seq = e.SequenceNo
		}
		n++
	}
	m.tables[table] = rows
	return n, nil
}

func (m *Memory) pending(source, target, domain string) ([]event.StoredEvent, error) {
	src, err := m.rows(source)
	if err != nil {
		return nil, err
	}
	dst, err := m.rows(target)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(dst))
	for _, e := range dst {
		present[e.ID] = struct{}{}
	}
	var out []event.StoredEvent
	for _, e := range src {
		if e.Domain != domain {
			continue
		}
		if _, ok := present[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) PendingForDomain(_ context.Context, source, target, domain string, afterSeq int64, limit int) ([]event.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.pending(source, target, domain)
	if err != nil {
		return nil, err
	}
	var out []event.StoredEvent
	for _, e := range all {
		if e.SequenceNo <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CountPending(_ context.Context, source, target, domain string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.pending(source, target, domain)
	if err != nil {
		return 0, err
	}
	return int64(len(all)), nil
}

func (m *Memory) AggregateIDs(_ context.Context, table string, q EventQuery) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.rows(table)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, e := range rows {
		if !matches(e, q) {
			continue
		}
		if _, ok := seen[e.AggregateID]; ok {
			continue
		}
		seen[e.AggregateID] = struct{}{}
		out = append(out, e.AggregateID)
	}
	sort.Strings(out)
	return out, nil
}

// === migration log ===

func (m *Memory) AppendRecord(_ context.Context, rec MigrationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = gonanoid.Must()
	}
	rec.Errors = slices.Clone(rec.Errors)
	m.records = append(m.records, rec)
	return nil
}

func (m *Memory) ListRecords(_ context.Context, domain string, limit int) ([]MigrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MigrationRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if domain != "" && r.Domain != domain {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// === snapshots ===

// newer orders snapshots newest first.
func newer(a, b Snapshot) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.SequenceNo != b.SequenceNo {
		return a.SequenceNo > b.SequenceNo
	}
	return a.ID > b.ID
}

func (m *Memory) Latest(_ context.Context, table, aggregateID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Snapshot
	for _, s := range m.snapshots[table] {
		if s.AggregateID != aggregateID {
			continue
		}
		if latest == nil || newer(s, *latest) {
			s := s
			latest = &s
		}
	}
	if latest == nil {
		return nil, ErrSnapshotNotFound
	}
	return latest, nil
}

func (m *Memory) List(_ context.Context, table, aggregateID string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, s := range m.snapshots[table] {
		if aggregateID == "" || s.AggregateID == aggregateID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	return out, nil
}

type memorySnapshotTx struct {
	staged map[string][]Snapshot
	now    func() time.Time
}

func (tx *memorySnapshotTx) Save(_ context.Context, table string, s Snapshot) error {
	if s.AggregateID == "" {
		return fmt.Errorf("save snapshot to %s: aggregate id is required", table)
	}
	if s.ID == "" {
		s.ID = gonanoid.Must()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = tx.now()
	}
	tx.staged[table] = append(tx.staged[table], s)
	return nil
}

func (m *Memory) Atomically(ctx context.Context, fn func(w SnapshotWriter) error) error {
	tx := &memorySnapshotTx{staged: map[string][]Snapshot{}, now: m.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for table, rows := range tx.staged {
		m.snapshots[table] = append(m.snapshots[table], rows...)
	}
	return nil
}

// prunable returns the indexes of rows older than cutoff that are not the
// newest row of their aggregate.
func (m *Memory) prunable(table string, cutoff time.Time) map[int]struct{} {
	rows := m.snapshots[table]
	newest := map[string]int{}
	for i, s := range rows {
		if j, ok := newest[s.AggregateID]; !ok || newer(s, rows[j]) {
			newest[s.AggregateID] = i
		}
	}
	out := map[int]struct{}{}
	for i, s := range rows {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		if newest[s.AggregateID] == i {
			continue
		}
		out[i] = struct{}{}
	}
	return out
}

func (m *Memory) CountPrunable(_ context.Context, table string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.prunable(table, cutoff))), nil
}

func (m *Memory) Prune(_ context.Context, table string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := m.prunable(table, cutoff)
	if len(drop) == 0 {
		return 0, nil
	}
	rows := m.snapshots[table]
	kept := make([]Snapshot, 0, len(rows)-len(drop))
	for i, s := range rows {
		if _, ok := drop[i]; !ok {
			kept = append(kept, s)
		}
	}
	m.snapshots[table] = kept
	m.log.Debug("pruned snapshots", slog.String("table", table), slog.Int("deleted", len(drop)))
	return int64(len(drop)), nil
}

func (m *Memory) CountSnapshots(_ context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.snapshots[table])), nil
}

var (
	_ EventTables   = (*Memory)(nil)
	_ MigrationLog  = (*Memory)(nil)
	_ SnapshotStore = (*Memory)(nil)
)
