package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/router"
	"github.com/codewandler/eventvault-go/core/storage"
)

func seed(t *testing.T, m *storage.Memory, n int, domain string) []event.StoredEvent {
	t.Helper()
	var out []event.StoredEvent
	for i := 0; i < n; i++ {
		e, err := event.New("ledger", "acc-1", domain, `Domain\`+domain+`\Events\Touched`, event.Payload{"i": i})
		require.NoError(t, err)
		stored, err := m.Append(t.Context(), "stored_events", e)
		require.NoError(t, err)
		out = append(out, stored...)
	}
	return out
}

func newService(t *testing.T) (*Service, *storage.Memory) {
	t.Helper()
	r := router.New()
	m := storage.NewMemory().CreateTables(r.Tables()...)
	return NewService(r, m, m), m
}

func TestMigrateMovesPendingEvents(t *testing.T) {
	svc, m := newService(t)
	ctx := t.Context()
	seed(t, m, 5, "Account")
	seed(t, m, 2, "Wallet")

	plan, err := svc.Plan(ctx, "")
	require.NoError(t, err)
	require.Equal(t, map[string]PlanEntry{
		"Account": {Domain: "Account", SourceTable: "stored_events", TargetTable: "account_events", Pending: 5},
		"Wallet":  {Domain: "Wallet", SourceTable: "stored_events", TargetTable: "wallet_events", Pending: 2},
	}, plan)

	rec, err := svc.Migrate(ctx, "Account", 2, false)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, rec.Status)
	require.Equal(t, int64(5), rec.EventsMigrated)
	require.Equal(t, "account_events", rec.TargetTable)

	n, err := m.Count(ctx, "account_events", storage.EventQuery{})
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	plan, err = svc.Plan(ctx, "Account")
	require.NoError(t, err)
	require.Empty(t, plan)

	report, err := svc.Verify(ctx, "Account")
	require.NoError(t, err)
	require.True(t, report.Valid, report.Failed())
	require.Len(t, report.Checks, 5)

	history, err := svc.History(ctx, "Account", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestMigrateNothingPending(t *testing.T) {
	svc, m := newService(t)

	rec, err := svc.Migrate(t.Context(), "Exchange", 100, false)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, rec.Status)
	require.Zero(t, rec.EventsMigrated)

	records, err := m.ListRecords(t.Context(), "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestMigrateWithoutTargetTable(t *testing.T) {
	r := router.New()
	m := storage.NewMemory().CreateTables("stored_events")
	svc := NewService(r, m, m)
	ctx := t.Context()
	seed(t, m, 2, "Wallet")

	// no Account events, so the missing account_events table is irrelevant
	rec, err := svc.Migrate(ctx, "Account", 100, false)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, rec.Status)
	require.Zero(t, rec.EventsMigrated)

	rec, err = svc.Migrate(ctx, "Wallet", 100, false)
	require.ErrorIs(t, err, storage.ErrTableNotFound)
	require.Equal(t, storage.StatusFailed, rec.Status)
}

func TestMigrateIsIdempotent(t *testing.T) {
	svc, m := newService(t)
	ctx := t.Context()
	events := seed(t, m, 4, "Account")

	// one event already made it over earlier
	_, err := m.InsertMissing(ctx, "account_events", events[1:2])
	require.NoError(t, err)

	rec, err := svc.Migrate(ctx, "Account", 10, false)
	require.NoError(t, err)
	require.Equal(t, int64(3), rec.EventsMigrated)

	rec, err = svc.Migrate(ctx, "Account", 10, false)
	require.NoError(t, err)
	require.Zero(t, rec.EventsMigrated)

	n, err := m.Count(ctx, "account_events", storage.EventQuery{})
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func TestMigrateDryRunHasNoSideEffects(t *testing.T) {
	svc, m := newService(t)
	ctx := t.Context()
	seed(t, m, 3, "Account")

	rec, err := svc.Migrate(ctx, "Account", 1, true)
	require.NoError(t, err)
	require.Equal(t, storage.StatusDryRun, rec.Status)
	require.Equal(t, int64(3), rec.EventsMigrated)

	n, err := m.Count(ctx, "account_events", storage.EventQuery{})
	require.NoError(t, err)
	require.Zero(t, n)

	records, err := m.ListRecords(ctx, "", 0)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestMigrateRejectsInput(t *testing.T) {
	svc, m := newService(t)

	for _, batch := range []int{0, -5} {
		_, err := svc.Migrate(t.Context(), "Account", batch, false)
		require.ErrorIs(t, err, event.ErrValidation)
		require.EqualError(t, err, "Batch size must be at least 1.")
	}

	_, err := svc.Migrate(t.Context(), "Atlantis", 10, false)
	var lookup *event.LookupError
	require.True(t, errors.As(err, &lookup))
	require.Contains(t, lookup.Options, "Account")

	records, err := m.ListRecords(t.Context(), "", 0)
	require.NoError(t, err)
	require.Empty(t, records)
}

type failingTables struct {
	*storage.Memory
	calls   int
	failOn  int
	failErr error
}

func (f *failingTables) InsertMissing(ctx context.Context, table string, events []event.StoredEvent) (int, error) {
	f.calls++
	if f.calls == f.failOn {
		return 0, f.failErr
	}
	return f.Memory.InsertMissing(ctx, table, events)
}

func TestMigrateFailureIsRecordedAndResumable(t *testing.T) {
	r := router.New()
	m := storage.NewMemory().CreateTables(r.Tables()...)
	ft := &failingTables{Memory: m, failOn: 2, failErr: errors.New("disk full")}
	svc := NewService(r, ft, m)
	ctx := t.Context()
	seed(t, m, 5, "Account")

	rec, err := svc.Migrate(ctx, "Account", 2, false)
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, storage.StatusFailed, rec.Status)
	require.Equal(t, int64(2), rec.EventsMigrated)
	require.NotEmpty(t, rec.Errors)

	// committed batch stays, a rerun picks up the rest
	rec, err = svc.Migrate(ctx, "Account", 2, false)
	require.NoError(t, err)
	require.Equal(t, int64(3), rec.EventsMigrated)

	records, err := m.ListRecords(ctx, "Account", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, storage.StatusCompleted, records[0].Status)
	require.Equal(t, storage.StatusFailed, records[1].Status)
}

func TestVerifyMissingTarget(t *testing.T) {
	r := router.New()
	m := storage.NewMemory().CreateTables("stored_events")
	svc := NewService(r, m, m)
	seed(t, m, 1, "Account")

	report, err := svc.Verify(t.Context(), "Account")
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.Len(t, report.Checks, 5)

	c, ok := report.Check(CheckTargetTableExists)
	require.True(t, ok)
	require.False(t, c.Passed)

	c, _ = report.Check(CheckSourceTableExists)
	require.True(t, c.Passed)
	for _, name := range []string{CheckRowCountParity, CheckMissingEvents, CheckPayloadChecksum} {
		c, ok := report.Check(name)
		require.True(t, ok)
		require.False(t, c.Passed)
		require.Contains(t, c.Detail, "skipped")
	}
}

func TestVerifyDetectsMissingAndTampered(t *testing.T) {
	svc, m := newService(t)
	ctx := t.Context()
	events := seed(t, m, 3, "Account")

	tampered := events[0]
	tampered.Payload = []byte(`{"i":99}`)
	_, err := m.InsertMissing(ctx, "account_events", []event.StoredEvent{tampered, events[1]})
	require.NoError(t, err)

	report, err := svc.Verify(ctx, "Account")
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.ElementsMatch(t, []string{CheckRowCountParity, CheckMissingEvents, CheckPayloadChecksum}, report.Failed())
}
