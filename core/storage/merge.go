package storage

import (
	"context"

	"github.com/codewandler/eventvault-go/core/event"
)

type cursor struct {
	table string
	after int64
	buf   []event.StoredEvent
	done  bool
}

// Merger reads several event tables as one stream ordered by
// (sequence_no, occurred_at). A migrated copy shares id and sequence number
// with its source row, so the two come out adjacent and only the first is
// returned.
type Merger struct {
	tables  EventTables
	q       EventQuery
	batch   int
	cursors []*cursor
	lastID  string
	lastSeq int64
}

// NewMerger reads names in pages of batch rows. q.AfterSeq is the starting
// point in every table; q.Limit is ignored.
func NewMerger(tables EventTables, names []string, q EventQuery, batch int) *Merger {
	if batch < 1 {
		batch = 1
	}
	m := &Merger{tables: tables, q: q, batch: batch}
	for _, n := range names {
		m.cursors = append(m.cursors, &cursor{table: n, after: q.AfterSeq})
	}
	return m
}

func (m *Merger) fill(ctx context.Context, c *cursor) error {
	if len(c.buf) > 0 || c.done {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q := m.q
	q.AfterSeq = c.after
	q.Limit = m.batch
	rows, err := m.tables.Read(ctx, c.table, q)
	if err != nil {
		return err
	}
	if len(rows) < m.batch {
		c.done = true
	}
	if len(rows) > 0 {
		c.after = rows[len(rows)-1].SequenceNo
	}
	c.buf = rows
	return nil
}

// Next returns the next event and the table it came from, or nil once every
// table is drained.
func (m *Merger) Next(ctx context.Context) (*event.StoredEvent, string, error) {
	for {
		var best *cursor
		for _, c := range m.cursors {
			if err := m.fill(ctx, c); err != nil {
				return nil, "", err
			}
			if len(c.buf) == 0 {
				continue
			}
			if best == nil || event.Less(c.buf[0], best.buf[0]) {
				best = c
			}
		}
		if best == nil {
			return nil, "", nil
		}
		e := best.buf[0]
		best.buf = best.buf[1:]
		if e.ID == m.lastID && e.SequenceNo == m.lastSeq {
			continue
		}
		m.lastID, m.lastSeq = e.ID, e.SequenceNo
		return &e, best.table, nil
	}
}
