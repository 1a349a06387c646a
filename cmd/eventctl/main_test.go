package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventvault-go/core/aggregate"
	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/router"
	"github.com/codewandler/eventvault-go/core/storage"
	"github.com/codewandler/eventvault-go/core/stream"
)

type memConnector struct {
	mem     *storage.Memory
	broker  *stream.MemoryBroker
	opened  int
	applied []string
}

func (m *memConnector) Storage(context.Context) (*Storage, error) {
	m.opened++
	return &Storage{
		Tables:    m.mem,
		Records:   m.mem,
		Snapshots: m.mem,
		ApplySchema: func(_ context.Context, eventTables, snapshotTables []string) error {
			m.applied = append(append(m.applied, eventTables...), snapshotTables...)
			m.mem.CreateTables(eventTables...)
			return nil
		},
	}, nil
}

func (m *memConnector) Streams(context.Context) (*Streams, error) {
	m.opened++
	return &Streams{Broker: m.broker}, nil
}

func (m *memConnector) Close() {}

type harness struct {
	t      *testing.T
	conn   *memConnector
	cli    *cli
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := &memConnector{
		mem:    storage.NewMemory(storage.WithClock(func() time.Time { return now })).CreateTables(router.DefaultTable, "account_events"),
		broker: stream.NewMemoryBroker(),
	}
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	c := newCLI(stdout, stderr, slog.New(slog.NewTextHandler(io.Discard, nil)), conn)
	c.now = func() time.Time { return now }
	return &harness{t: t, conn: conn, cli: c, stdout: stdout, stderr: stderr}
}

func (h *harness) run(args ...string) int {
	h.t.Helper()
	h.stdout.Reset()
	h.stderr.Reset()
	return run(context.Background(), h.cli, args)
}

func (h *harness) seed(table string, eventType string, version int, p event.Payload) event.StoredEvent {
	h.t.Helper()
	e, err := event.New("Account", "acc-1", "Account", eventType, p)
	require.NoError(h.t, err)
	e.SchemaVersion = version
	e.OccurredAt = now.Add(-time.Hour)
	out, err := h.conn.mem.Append(context.Background(), table, e)
	require.NoError(h.t, err)
	return out[0]
}

func TestRun_Usage(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 1, h.run())
	require.Contains(t, h.stderr.String(), "event:migrate")

	require.Equal(t, 1, h.run("event:nope"))
	require.Contains(t, h.stderr.String(), `unknown command "event:nope"`)
	require.Zero(t, h.conn.opened)
}

func TestMigrate_RejectsBatchBelowOne(t *testing.T) {
	h := newHarness(t)
	h.seed(router.DefaultTable, aggregate.MoneyAdded, 3, event.Payload{"amount": 10})

	require.Equal(t, 1, h.run("event:migrate", "--domain", "Account", "--batch", "0"))
	require.Contains(t, h.stderr.String(), "Batch size must be at least 1.")
	require.Zero(t, h.conn.opened)

	records, err := h.conn.mem.ListRecords(context.Background(), "", 0)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestMigrate_CopiesAndVerifies(t *testing.T) {
	h := newHarness(t)
	h.seed(router.DefaultTable, aggregate.MoneyAdded, 3, event.Payload{"amount": 10})
	h.seed(router.DefaultTable, aggregate.MoneySubtracted, 1, event.Payload{"amount": 4})

	require.Equal(t, 0, h.run("event:migrate", "--domain", "Account", "--dry-run"))
	n, err := h.conn.mem.Count(context.Background(), "account_events", storage.EventQuery{})
	require.NoError(t, err)
	require.Zero(t, n)

	require.Equal(t, 0, h.run("event:migrate", "--domain", "Account", "--verify", "--batch", "1"), h.stderr.String())
	require.Contains(t, h.stdout.String(), "completed")
	require.Contains(t, h.stdout.String(), "valid")

	n, err = h.conn.mem.Count(context.Background(), "account_events", storage.EventQuery{})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.Equal(t, 0, h.run("event:history", "--format", "json"))
	var records []storage.MigrationRecord
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, storage.StatusCompleted, records[0].Status)
	require.EqualValues(t, 2, records[0].EventsMigrated)
}

func TestMigrate_NothingPending(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 0, h.run("event:migrate"))
	require.Contains(t, h.stdout.String(), "nothing to migrate")
}

func TestStats_UnknownDomain(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 1, h.run("event:stats", "--domain", "Acount"))
	require.Contains(t, h.stderr.String(), `unknown domain "Acount"`)
	require.Contains(t, h.stderr.String(), "valid options")
	require.Zero(t, h.conn.opened)
}

func TestStats_JSON(t *testing.T) {
	h := newHarness(t)
	h.seed("account_events", aggregate.MoneyAdded, 3, event.Payload{"amount": 10})
	h.seed(router.DefaultTable, aggregate.MoneyAdded, 3, event.Payload{"amount": 5})

	require.Equal(t, 0, h.run("event:stats", "--domain", "Account", "--format", "json"))
	var rows []struct {
		Domain     string `json:"domain"`
		Exists     bool   `json:"exists"`
		Total      int64  `json:"total"`
		Last24h    int64  `json:"last_24h"`
		Unmigrated int64  `json:"unmigrated"`
	}
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &rows))
	require.Len(t, rows, 1)
	require.Equal(t, "Account", rows[0].Domain)
	require.True(t, rows[0].Exists)
	require.EqualValues(t, 1, rows[0].Total)
	require.EqualValues(t, 1, rows[0].Last24h)
	require.EqualValues(t, 1, rows[0].Unmigrated)
}

func TestFormat_Invalid(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 1, h.run("event:stats", "--format", "yaml"))
	require.Contains(t, h.stderr.String(), "Format must be one of table, json")
}

func TestReplay_ProjectsUpcastEvents(t *testing.T) {
	h := newHarness(t)
	h.seed("account_events", aggregate.MoneyAdded, 1, event.Payload{"money": 100})
	h.seed("account_events", aggregate.MoneySubtracted, 1, event.Payload{"amount": 30})

	require.Equal(t, 0, h.run("event:replay", "--domain", "Account", "--format", "json"), h.stderr.String())
	var out struct {
		Matched    int64 `json:"matched"`
		Replayed   int64 `json:"replayed"`
		Upcasted   int64 `json:"upcasted"`
		ReadModels struct {
			Balances map[string]int64 `json:"account_balances"`
			Counts   map[string]int64 `json:"event_counts"`
		} `json:"read_models"`
	}
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &out))
	require.EqualValues(t, 2, out.Matched)
	require.EqualValues(t, 2, out.Replayed)
	require.EqualValues(t, 1, out.Upcasted)
	require.Equal(t, map[string]int64{"acc-1": 70}, out.ReadModels.Balances)
	require.Equal(t, map[string]int64{"MoneyAdded": 1, "MoneySubtracted": 1}, out.ReadModels.Counts)
}

func TestReplay_DryRunAndUnknownProjector(t *testing.T) {
	h := newHarness(t)
	h.seed("account_events", aggregate.MoneyAdded, 3, event.Payload{"amount": 1})

	require.Equal(t, 0, h.run("event:replay", "--domain", "Account", "--dry-run"))
	require.Contains(t, h.stdout.String(), "dry run: 1 matching events")

	require.Equal(t, 1, h.run("event:replay", "--projector", "nope"))
	require.Contains(t, h.stderr.String(), projectorBalances)
}

func TestRebuild(t *testing.T) {
	h := newHarness(t)
	h.seed("account_events", aggregate.MoneyAdded, 3, event.Payload{"amount": 50, "currency": "USD"})
	h.seed("account_events", aggregate.MoneySubtracted, 1, event.Payload{"amount": 20})

	require.Equal(t, 0, h.run("event:rebuild", aggregate.TypeLedger, "--format", "json"), h.stderr.String())
	var summaries []aggregate.Summary
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, "acc-1", summaries[0].AggregateID)
	require.EqualValues(t, 2, summaries[0].Version)
	require.JSONEq(t, `{"balance":30,"currency":"USD"}`, string(summaries[0].State))

	require.Equal(t, 1, h.run("event:rebuild", "wallet"))
	require.Contains(t, h.stderr.String(), aggregate.TypeLedger)
}

func TestValidateChains(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 0, h.run("event:validate-chains"))
	require.Contains(t, h.stdout.String(), aggregate.MoneyAdded)
}

func TestSnapshotCreateAndCleanup(t *testing.T) {
	h := newHarness(t)
	h.seed("account_events", aggregate.MoneyAdded, 3, event.Payload{"amount": 50, "currency": "USD"})

	require.Equal(t, 0, h.run("snapshot:create", "--type", "ledger", "--format", "json"), h.stderr.String())
	var reports []struct {
		Type    string `json:"type"`
		Written int    `json:"written"`
	}
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &reports))
	require.Len(t, reports, 1)
	require.Equal(t, 1, reports[0].Written)

	n, err := h.conn.mem.CountSnapshots(context.Background(), "ledger_snapshots")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.Equal(t, 0, h.run("snapshot:cleanup", "--domain", "LEDGER", "--dry-run"))
	require.Contains(t, h.stdout.String(), "dry run: 0 snapshots would be deleted")
}

func TestSnapshotCreate_AllTypesRollBackTogether(t *testing.T) {
	h := newHarness(t)
	h.seed("account_events", aggregate.MoneyAdded, 3, event.Payload{"amount": 50, "currency": "USD"})
	h.seed("account_events", aggregate.MoneyTransferred, 1, event.Payload{"to": "acc-2", "amount": "bad"})

	require.Equal(t, 1, h.run("snapshot:create", "--force"))
	require.Contains(t, h.stderr.String(), "transfer acc-1")

	for _, table := range []string{"transaction_snapshots", "transfer_snapshots", "ledger_snapshots"} {
		n, err := h.conn.mem.CountSnapshots(context.Background(), table)
		require.NoError(t, err)
		require.Zero(t, n, table)
	}
}

func TestSnapshotCommands_RejectBeforeConnecting(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, 1, h.run("snapshot:cleanup", "--domain", "wallet"))
	require.Contains(t, h.stderr.String(), `unknown snapshot domain "wallet"`)

	require.Equal(t, 1, h.run("snapshot:cleanup", "--days", "-1"))
	require.Contains(t, h.stderr.String(), "Days must not be negative.")

	require.Equal(t, 1, h.run("snapshot:create", "--type", "wallet"))
	require.Contains(t, h.stderr.String(), "transaction")

	require.Zero(t, h.conn.opened)
}

func TestStreamPublishWorkInfo(t *testing.T) {
	h := newHarness(t)
	h.seed("account_events", aggregate.MoneyAdded, 3, event.Payload{"amount": 5})
	h.seed("account_events", aggregate.MoneyAdded, 3, event.Payload{"amount": 7})

	require.Equal(t, 0, h.run("stream:publish", "--domain", "Account"), h.stderr.String())
	require.Contains(t, h.stdout.String(), "published 2 events")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.Equal(t, 0, run(ctx, h.cli, []string{"stream:work", "--domain", "Account", "--consumer", "w1", "--addr", ""}))

	require.Equal(t, 0, h.run("stream:info", "--domain", "Account", "--format", "json"), h.stderr.String())
	var info struct {
		Stream string           `json:"stream"`
		Group  stream.GroupInfo `json:"group"`
	}
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &info))
	require.Equal(t, "events:account_events", info.Stream)
	require.Zero(t, info.Group.Pending)
	require.NotEmpty(t, info.Group.LastDeliveredID)

	balances := h.cli.projectors.All()[0]
	if balances.Name() != projectorBalances {
		balances = h.cli.projectors.All()[1]
	}
	require.Equal(t, map[string]int64{"acc-1": 12}, balances.(resulter).Result())
}

func TestSchemaApply(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 0, h.run("schema:apply"))
	require.Contains(t, h.conn.applied, "wallet_events")
	require.Contains(t, h.conn.applied, "ledger_snapshots")
}
