package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEventMetrics(reg)

	require.NotNil(t, m)

	m.Upcasted("money_added", 2)

	timer := m.MigrationBatchDuration("Account")
	assert.NotNil(t, timer)
	timer.ObserveDuration()
	m.EventsMigrated("Account", 10)
	m.MigrationFinished("Account", "completed")

	timer = m.ReplayDuration("balance")
	timer.ObserveDuration()
	m.EventsReplayed("balance", 3)

	m.SnapshotsWritten("ledger", 2)
	m.SnapshotsPruned("ledger_snapshots", 1)

	m.StreamPublished("events:account_events", 1)
	timer = m.StreamHandleDuration("events:account_events")
	timer.ObserveDuration()
	m.StreamHandled("events:account_events", true)
	m.StreamHandled("events:account_events", false)
	m.StreamClaimed("events:account_events", 2)
	m.StreamDeadLettered("events:account_events")
	m.StreamPending("events:account_events", "projectors", 4)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["eventvault_upcasts_total"])
	assert.True(t, names["eventvault_events_migrated_total"])
	assert.True(t, names["eventvault_migration_batch_duration_seconds"])
	assert.True(t, names["eventvault_events_replayed_total"])
	assert.True(t, names["eventvault_snapshots_pruned_total"])
	assert.True(t, names["eventvault_stream_pending"])
	assert.True(t, names["eventvault_stream_dead_lettered_total"])
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewEventMetrics(reg)
	assert.Panics(t, func() { NewEventMetrics(reg) })
}
