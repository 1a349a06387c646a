package snapshot

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventvault-go/core/aggregate"
	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/router"
	"github.com/codewandler/eventvault-go/core/storage"
	"github.com/codewandler/eventvault-go/core/upcast"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type fixture struct {
	mem     *storage.Memory
	creator *Creator
}

func newFixture(t *testing.T, opts ...CreatorOption) *fixture {
	t.Helper()
	r := router.New()
	m := storage.NewMemory(storage.WithClock(clock)).CreateTables(r.Tables()...)
	loader := aggregate.NewLoader(r, m, upcast.NewService(upcast.NewRegistry(nil)))
	opts = append([]CreatorOption{WithCreatorClock(clock)}, opts...)
	return &fixture{
		mem:     m,
		creator: NewCreator(aggregate.NewRegistry(aggregate.Builtins()...), loader, m, opts...),
	}
}

func (f *fixture) add(t *testing.T, aggType, id, eventType string, n int, p event.Payload) {
	t.Helper()
	for i := 0; i < n; i++ {
		e, err := event.New(aggType, id, "Account", eventType, p)
		require.NoError(t, err)
		_, err = f.mem.Append(t.Context(), "account_events", e)
		require.NoError(t, err)
	}
}

func TestCreateLedgerIsUnconditional(t *testing.T) {
	f := newFixture(t)
	f.add(t, "ledger", "acc-1", aggregate.MoneyAdded, 2, event.Payload{"amount": 10})
	f.add(t, "ledger", "acc-2", aggregate.MoneyAdded, 1, event.Payload{"amount": 7})

	report, err := f.creator.Create(t.Context(), CreateOptions{Type: "ledger"})
	require.NoError(t, err)
	require.Equal(t, 2, report.Written)

	snap, err := f.mem.Latest(t.Context(), "ledger_snapshots", "acc-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"balance":20,"currency":""}`, string(snap.State))
	require.Equal(t, int64(2), snap.EventCount)

	// second run builds on the first snapshot
	f.add(t, "ledger", "acc-1", aggregate.MoneySubtracted, 1, event.Payload{"amount": 5})
	report, err = f.creator.Create(t.Context(), CreateOptions{Type: "ledger", Account: "acc-1"})
	require.NoError(t, err)
	require.Equal(t, 1, report.Written)
	require.Equal(t, int64(1), report.Snapshots[0].EventsSince)

	snap, err = f.mem.Latest(t.Context(), "ledger_snapshots", "acc-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"balance":15,"currency":""}`, string(snap.State))
	require.Equal(t, int64(3), snap.EventCount)
}

func TestCreateRespectsThresholdAndForce(t *testing.T) {
	f := newFixture(t, WithThreshold(3))
	f.add(t, "transaction", "busy", aggregate.MoneyAdded, 4, event.Payload{"amount": 1})
	f.add(t, "transaction", "quiet", aggregate.MoneyAdded, 3, event.Payload{"amount": 1})

	report, err := f.creator.Create(t.Context(), CreateOptions{Type: "transaction"})
	require.NoError(t, err)
	require.Equal(t, 2, report.Considered)
	require.Equal(t, 1, report.Written)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, "busy", report.Snapshots[0].AggregateID)

	report, err = f.creator.Create(t.Context(), CreateOptions{Type: "transaction", Account: "quiet", Force: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.Written)

	n, err := f.mem.CountSnapshots(t.Context(), "transaction_snapshots")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestCreateDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.add(t, "ledger", "acc-1", aggregate.MoneyAdded, 1, event.Payload{"amount": 1})

	report, err := f.creator.Create(t.Context(), CreateOptions{Type: "ledger", DryRun: true})
	require.NoError(t, err)
	require.Zero(t, report.Written)
	require.Len(t, report.Snapshots, 1)

	n, err := f.mem.CountSnapshots(t.Context(), "ledger_snapshots")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCreateIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.add(t, "ledger", "acc-1", aggregate.MoneyAdded, 1, event.Payload{"amount": 1})
	f.add(t, "ledger", "acc-2", aggregate.MoneyAdded, 1, event.Payload{"amount": "broken"})

	_, err := f.creator.Create(t.Context(), CreateOptions{Type: "ledger"})
	require.ErrorIs(t, err, aggregate.ErrInvalidEvent)

	n, err := f.mem.CountSnapshots(t.Context(), "ledger_snapshots")
	require.NoError(t, err)
	require.Zero(t, n, "no snapshot of the run may survive a failure")
}

func TestCreateAllIsOneUnit(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Account", "acc-1", aggregate.MoneyAdded, 1, event.Payload{"amount": 3})
	f.add(t, "Account", "acc-1", aggregate.MoneyTransferred, 1, event.Payload{"amount": "bad"})

	_, err := f.creator.CreateAll(t.Context(), nil, CreateOptions{Force: true})
	require.ErrorIs(t, err, aggregate.ErrInvalidEvent)
	for _, table := range []string{"transaction_snapshots", "transfer_snapshots", "ledger_snapshots"} {
		n, err := f.mem.CountSnapshots(t.Context(), table)
		require.NoError(t, err)
		require.Zero(t, n, table)
	}

	reports, err := f.creator.CreateAll(t.Context(), []string{"ledger", "transaction"}, CreateOptions{Force: true})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "ledger", reports[0].Type)
	require.Equal(t, 1, reports[0].Written)
	require.Equal(t, "transaction", reports[1].Type)
	require.Equal(t, 1, reports[1].Written)

	_, err = f.creator.CreateAll(t.Context(), []string{"ledger", "wallet"}, CreateOptions{})
	var lookup *event.LookupError
	require.True(t, errors.As(err, &lookup))
	n, err := f.mem.CountSnapshots(t.Context(), "ledger_snapshots")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestCreateUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.creator.Create(t.Context(), CreateOptions{Type: "wallet"})
	var lookup *event.LookupError
	require.True(t, errors.As(err, &lookup))
	require.Equal(t, []string{"transaction", "transfer", "ledger"}, lookup.Options)
}

func saveSnapshots(t *testing.T, m *storage.Memory, table string, snaps ...storage.Snapshot) {
	t.Helper()
	require.NoError(t, m.Atomically(t.Context(), func(w storage.SnapshotWriter) error {
		for _, s := range snaps {
			if err := w.Save(t.Context(), table, s); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestCleanupKeepsOnlySnapshotEvenWhenOld(t *testing.T) {
	m := storage.NewMemory(storage.WithClock(clock))
	saveSnapshots(t, m, "ledger_snapshots", storage.Snapshot{AggregateID: "acc-1", SequenceNo: 9, CreatedAt: now.AddDate(0, 0, -40)})
	c := NewCleaner(m, WithCleanerClock(clock))

	report, err := c.Cleanup(t.Context(), CleanupOptions{Domain: "ledger", Days: 30})
	require.NoError(t, err)
	require.Equal(t, []TableCleanup{{Domain: "ledger", Table: "ledger_snapshots"}}, report.Tables)

	n, err := m.CountSnapshots(t.Context(), "ledger_snapshots")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestCleanupDeletesOldKeepsNewest(t *testing.T) {
	m := storage.NewMemory(storage.WithClock(clock))
	saveSnapshots(t, m, "transfer_snapshots",
		storage.Snapshot{AggregateID: "a", SequenceNo: 1, CreatedAt: now.AddDate(0, 0, -90)},
		storage.Snapshot{AggregateID: "a", SequenceNo: 2, CreatedAt: now.AddDate(0, 0, -60)},
		storage.Snapshot{AggregateID: "a", SequenceNo: 3, CreatedAt: now.AddDate(0, 0, -1)},
		storage.Snapshot{AggregateID: "b", SequenceNo: 4, CreatedAt: now.AddDate(0, 0, -70)},
		storage.Snapshot{AggregateID: "b", SequenceNo: 5, CreatedAt: now.AddDate(0, 0, -50)},
	)
	c := NewCleaner(m, WithCleanerClock(clock))

	dry, err := c.Cleanup(t.Context(), CleanupOptions{Domain: "transfer", DryRun: true})
	require.NoError(t, err)
	require.Equal(t, int64(3), dry.Tables[0].Candidates)
	require.Zero(t, dry.Tables[0].Deleted)

	n, err := m.CountSnapshots(t.Context(), "transfer_snapshots")
	require.NoError(t, err)
	require.Equal(t, int64(5), n, "dry run must not delete")

	live, err := c.Cleanup(t.Context(), CleanupOptions{Domain: "Transfer"})
	require.NoError(t, err)
	require.Equal(t, int64(3), live.Tables[0].Deleted)

	rest, err := m.List(t.Context(), "transfer_snapshots", "")
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Equal(t, int64(3), rest[0].SequenceNo)
	require.Equal(t, int64(5), rest[1].SequenceNo)
}

func TestCleanupAllDomains(t *testing.T) {
	m := storage.NewMemory(storage.WithClock(clock))
	c := NewCleaner(m, WithCleanerClock(clock))

	report, err := c.Cleanup(t.Context(), CleanupOptions{})
	require.NoError(t, err)
	require.Len(t, report.Tables, 7)
	require.Equal(t, now.AddDate(0, 0, -30), report.Cutoff)
}

func TestCleanupUnknownDomainFailsFast(t *testing.T) {
	m := storage.NewMemory(storage.WithClock(clock))
	saveSnapshots(t, m, "ledger_snapshots", storage.Snapshot{AggregateID: "a", CreatedAt: now.AddDate(-1, 0, 0)})
	c := NewCleaner(m, WithCleanerClock(clock))

	_, err := c.Cleanup(t.Context(), CleanupOptions{Domain: "wallet"})
	require.ErrorIs(t, err, event.ErrLookup)

	_, err = c.Cleanup(t.Context(), CleanupOptions{Days: -1})
	require.ErrorIs(t, err, event.ErrValidation)
}
