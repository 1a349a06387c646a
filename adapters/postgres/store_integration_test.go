//go:build integration

package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/migration"
	"github.com/codewandler/eventvault-go/core/router"
	"github.com/codewandler/eventvault-go/core/storage"
)

func newStore(t *testing.T) *Store {
	pool := NewTestContainer(t)
	require.NoError(t, Schema{
		EventTables:    []string{"stored_events", "account_events"},
		SnapshotTables: []string{"ledger_snapshots"},
	}.Apply(t.Context(), pool))
	return NewStore(pool)
}

func mustEvent(t *testing.T, aggID, eventType string, p event.Payload) event.StoredEvent {
	e, err := event.New("Ledger", aggID, "Account", eventType, p)
	require.NoError(t, err)
	return e
}

func TestStore_EventTables(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)

	ok, err := s.TableExists(ctx, "account_events")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TableExists(ctx, "nope_events")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Count(ctx, "nope_events", storage.EventQuery{})
	require.ErrorIs(t, err, storage.ErrTableNotFound)

	stored, err := s.Append(ctx, "stored_events",
		mustEvent(t, "acc-1", `Domain\Account\Events\MoneyAdded`, event.Payload{"amount": 10.0}),
		mustEvent(t, "acc-2", `Domain\Account\Events\MoneyAdded`, event.Payload{"amount": 5.0}),
		mustEvent(t, "acc-1", `Domain\Account\Events\MoneySubtracted`, event.Payload{"amount": 3.0}),
	)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	require.Less(t, stored[0].SequenceNo, stored[1].SequenceNo)
	require.Less(t, stored[1].SequenceNo, stored[2].SequenceNo)

	got, err := s.Read(ctx, "stored_events", storage.EventQuery{AggregateID: "acc-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, stored[0].ID, got[0].ID)
	require.JSONEq(t, `{"amount": 10}`, string(got[0].Payload))

	n, err := s.Count(ctx, "stored_events", storage.EventQuery{EventTypes: []string{`Domain\Account\Events\MoneyAdded`}})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	ids, err := s.AggregateIDs(ctx, "stored_events", storage.EventQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"acc-1", "acc-2"}, ids)

	pending, err := s.CountPending(ctx, "stored_events", "account_events", "Account")
	require.NoError(t, err)
	require.EqualValues(t, 3, pending)

	batch, err := s.PendingForDomain(ctx, "stored_events", "account_events", "Account", 0, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	copied, err := s.InsertMissing(ctx, "account_events", batch)
	require.NoError(t, err)
	require.Equal(t, 2, copied)
	copied, err = s.InsertMissing(ctx, "account_events", batch)
	require.NoError(t, err)
	require.Zero(t, copied)

	pending, err = s.CountPending(ctx, "stored_events", "account_events", "Account")
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)

	_, err = s.PendingForDomain(ctx, "stored_events", "nope_events", "Account", 0, 10)
	require.ErrorIs(t, err, storage.ErrTableNotFound)

	// new appends draw from the shared sequence above copied rows
	next, err := s.Append(ctx, "account_events", mustEvent(t, "acc-3", `Domain\Account\Events\MoneyAdded`, event.Payload{"amount": 1.0}))
	require.NoError(t, err)
	require.Greater(t, next[0].SequenceNo, stored[2].SequenceNo)
}

func TestStore_MigrationFlow(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	r := router.New()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "stored_events", mustEvent(t, "acc-1", `Domain\Account\Events\MoneyAdded`, event.Payload{"amount": float64(i)}))
		require.NoError(t, err)
	}

	svc := migration.NewService(r, s, s)
	rec, err := svc.Migrate(ctx, "Account", 2, false)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, rec.Status)
	require.EqualValues(t, 5, rec.EventsMigrated)

	report, err := svc.Verify(ctx, "Account")
	require.NoError(t, err)
	require.True(t, report.Valid, "%+v", report.Checks)

	history, err := s.ListRecords(ctx, "Account", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, rec.ID, history[0].ID)
	require.Nil(t, history[0].Errors)
}

func TestStore_Snapshots(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	const table = "ledger_snapshots"

	_, err := s.Latest(ctx, table, "acc-1")
	require.ErrorIs(t, err, storage.ErrSnapshotNotFound)

	base := time.Now().UTC().Add(-90 * 24 * time.Hour).Truncate(time.Microsecond)
	require.NoError(t, s.Atomically(ctx, func(w storage.SnapshotWriter) error {
		for i := 0; i < 3; i++ {
			if err := w.Save(ctx, table, storage.Snapshot{
				AggregateID:   "acc-1",
				AggregateType: "ledger",
				SnapshotType:  "ledger",
				State:         json.RawMessage(`{"balance": 1}`),
				SequenceNo:    int64(i + 1),
				EventCount:    int64(i + 1),
				CreatedAt:     base.Add(time.Duration(i) * time.Hour),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	// a failing unit leaves nothing behind
	err = s.Atomically(ctx, func(w storage.SnapshotWriter) error {
		require.NoError(t, w.Save(ctx, table, storage.Snapshot{AggregateID: "acc-2", State: json.RawMessage(`{}`)}))
		return storage.ErrSnapshotNotFound
	})
	require.Error(t, err)
	n, err := s.CountSnapshots(ctx, table)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	latest, err := s.Latest(ctx, table, "acc-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, latest.SequenceNo)

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	prunable, err := s.CountPrunable(ctx, table, cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 2, prunable)

	deleted, err := s.Prune(ctx, table, cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	list, err := s.List(ctx, table, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, latest.ID, list[0].ID)
}
