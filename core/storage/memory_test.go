package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventvault-go/core/event"
)

func newEvent(t *testing.T, agg, domain, typ string) event.StoredEvent {
	t.Helper()
	e, err := event.New("ledger", agg, domain, typ, event.Payload{"n": 1})
	require.NoError(t, err)
	return e
}

func TestMemoryEventTables(t *testing.T) {
	ctx := t.Context()
	m := NewMemory().CreateTables("stored_events", "account_events")

	ok, err := m.TableExists(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = m.Append(ctx, "nope", newEvent(t, "a", "Account", "x"))
	require.ErrorIs(t, err, ErrTableNotFound)

	stored, err := m.Append(ctx, "stored_events",
		newEvent(t, "a", "Account", "x"),
		newEvent(t, "b", "Wallet", "y"),
		newEvent(t, "a", "Account", "z"),
	)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored[0].SequenceNo)
	require.Equal(t, int64(3), stored[2].SequenceNo)

	n, err := m.Count(ctx, "stored_events", EventQuery{Domain: "Account"})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	pending, err := m.PendingForDomain(ctx, "stored_events", "account_events", "Account", 0, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, stored[0].ID, pending[0].ID)

	written, err := m.InsertMissing(ctx, "account_events", []event.StoredEvent{stored[0], stored[0], stored[2]})
	require.NoError(t, err)
	require.Equal(t, 2, written)

	written, err = m.InsertMissing(ctx, "account_events", []event.StoredEvent{stored[0]})
	require.NoError(t, err)
	require.Zero(t, written)

	left, err := m.CountPending(ctx, "stored_events", "account_events", "Account")
	require.NoError(t, err)
	require.Zero(t, left)

	ids, err := m.AggregateIDs(ctx, "stored_events", EventQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestMemorySnapshotsKeepNewest(t *testing.T) {
	ctx := t.Context()
	now := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	m := NewMemory(WithClock(func() time.Time { return now }))

	require.NoError(t, m.Atomically(ctx, func(w SnapshotWriter) error {
		require.NoError(t, w.Save(ctx, "ledger_snapshots", Snapshot{AggregateID: "a", SequenceNo: 1, CreatedAt: now.AddDate(0, 0, -50)}))
		require.NoError(t, w.Save(ctx, "ledger_snapshots", Snapshot{AggregateID: "a", SequenceNo: 5, CreatedAt: now.AddDate(0, 0, -40)}))
		require.NoError(t, w.Save(ctx, "ledger_snapshots", Snapshot{AggregateID: "b", SequenceNo: 2, CreatedAt: now.AddDate(0, 0, -45)}))
		return nil
	}))

	cutoff := now.AddDate(0, 0, -30)
	n, err := m.CountPrunable(ctx, "ledger_snapshots", cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	deleted, err := m.Prune(ctx, "ledger_snapshots", cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	latest, err := m.Latest(ctx, "ledger_snapshots", "a")
	require.NoError(t, err)
	require.Equal(t, int64(5), latest.SequenceNo)

	_, err = m.Latest(ctx, "ledger_snapshots", "b")
	require.NoError(t, err)

	_, err = m.Latest(ctx, "ledger_snapshots", "c")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestMemoryAtomicallyRollsBack(t *testing.T) {
	ctx := t.Context()
	m := NewMemory()
	err := m.Atomically(ctx, func(w SnapshotWriter) error {
		require.NoError(t, w.Save(ctx, "t", Snapshot{AggregateID: "a"}))
		return w.Save(ctx, "t", Snapshot{})
	})
	require.Error(t, err)

	n, err := m.CountSnapshots(ctx, "t")
	require.NoError(t, err)
	require.Zero(t, n)
}
