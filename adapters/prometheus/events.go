package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/eventvault-go/core/metrics"
)

type eventMetrics struct {
	// Upcasting
	upcasts *prometheus.CounterVec

	// Migration
	migrationBatchDuration *prometheus.HistogramVec
	eventsMigrated         *prometheus.CounterVec
	migrationRuns          *prometheus.CounterVec

	// Replay
	replayDuration *prometheus.HistogramVec
	eventsReplayed *prometheus.CounterVec

	// Snapshots
	snapshotsWritten *prometheus.CounterVec
	snapshotsPruned  *prometheus.CounterVec

	// Streams
	streamPublished      *prometheus.CounterVec
	streamHandleDuration *prometheus.HistogramVec
	streamHandled        *prometheus.CounterVec
	streamClaimed        *prometheus.CounterVec
	streamDeadLettered   *prometheus.CounterVec
	streamPending        *prometheus.GaugeVec
}

// NewEventMetrics creates and registers the event infrastructure metrics.
func NewEventMetrics(reg prometheus.Registerer) metrics.EventMetrics {
	m := &eventMetrics{
		upcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventvault_upcasts_total",
			Help: "Total number of payloads upcast on read",
		}, []string{"event_type"}),

		migrationBatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventvault_migration_batch_duration_seconds",
			Help:    "Migration batch write latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"domain"}),

		eventsMigrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventvault_events_migrated_total",
			Help: "Total number of events copied into domain tables",
		}, []string{"domain"}),

		migrationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventvault_migration_runs_total",
			Help: "Total number of live migration runs by final status",
		}, []string{"domain", "status"}),

		replayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventvault_replay_duration_seconds",
			Help:    "Replay run duration in seconds",
			Buckets: defaultBuckets,
		}, []string{"projector"}),

		eventsReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventvault_events_replayed_total",
			Help: "Total number of events replayed through projectors",
		}, []string{"projector"}),

		snapshotsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventvault_snapshots_written_total",
			Help: "Total number of snapshots written",
		}, []string{"snapshot_type"}),

		snapshotsPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventvault_snapshots_pruned_total",
			Help: "Total number of snapshots deleted by cleanup",
		}, []string{"table"}),

		streamPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventvault_stream_published_total",
			Help: "Total number of entries published",
		}, []string{"stream"}),

		streamHandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventvault_stream_handle_duration_seconds",
			Help:    "Stream handler latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream"}),

		streamHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventvault_stream_handled_total",
			Help: "Total number of stream entries handled",
		}, []string{"stream", "success"}),

		streamClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventvault_stream_claimed_total",
			Help: "Total number of idle entries reclaimed",
		}, []string{"stream"}),

		streamDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventvault_stream_dead_lettered_total",
			Help: "Total number of entries moved to a dead-letter destination",
		}, []string{"stream"}),

		streamPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventvault_stream_pending",
			Help: "Pending (unacknowledged) entries per consumer group",
		}, []string{"stream", "group"}),
	}

	reg.MustRegister(
		m.upcasts,
		m.migrationBatchDuration,
		m.eventsMigrated,
		m.migrationRuns,
		m.replayDuration,
		m.eventsReplayed,
		m.snapshotsWritten,
		m.snapshotsPruned,
		m.streamPublished,
		m.streamHandleDuration,
		m.streamHandled,
		m.streamClaimed,
		m.streamDeadLettered,
		m.streamPending,
	)

	return m
}

func (m *eventMetrics) Upcasted(eventType string, steps int) {
	m.upcasts.WithLabelValues(eventType).Inc()
}

func (m *eventMetrics) MigrationBatchDuration(domain string) metrics.Timer {
	return newTimer(m.migrationBatchDuration.WithLabelValues(domain))
}

func (m *eventMetrics) EventsMigrated(domain string, count int) {
	m.eventsMigrated.WithLabelValues(domain).Add(float64(count))
}

func (m *eventMetrics) MigrationFinished(domain string, status string) {
	m.migrationRuns.WithLabelValues(domain, status).Inc()
}

func (m *eventMetrics) ReplayDuration(projector string) metrics.Timer {
	return newTimer(m.replayDuration.WithLabelValues(projector))
}

func (m *eventMetrics) EventsReplayed(projector string, count int) {
	m.eventsReplayed.WithLabelValues(projector).Add(float64(count))
}

func (m *eventMetrics) SnapshotsWritten(snapshotType string, count int) {
	m.snapshotsWritten.WithLabelValues(snapshotType).Add(float64(count))
}

func (m *eventMetrics) SnapshotsPruned(table string, count int) {
	m.snapshotsPruned.WithLabelValues(table).Add(float64(count))
}

func (m *eventMetrics) StreamPublished(stream string, count int) {
	m.streamPublished.WithLabelValues(stream).Add(float64(count))
}

func (m *eventMetrics) StreamHandleDuration(stream string) metrics.Timer {
	return newTimer(m.streamHandleDuration.WithLabelValues(stream))
}

func (m *eventMetrics) StreamHandled(stream string, success bool) {
	m.streamHandled.WithLabelValues(stream, boolToStr(success)).Inc()
}

func (m *eventMetrics) StreamClaimed(stream string, count int) {
	m.streamClaimed.WithLabelValues(stream).Add(float64(count))
}

func (m *eventMetrics) StreamDeadLettered(stream string) {
	m.streamDeadLettered.WithLabelValues(stream).Inc()
}

func (m *eventMetrics) StreamPending(stream, group string, count int64) {
	m.streamPending.WithLabelValues(stream, group).Set(float64(count))
}

var _ metrics.EventMetrics = (*eventMetrics)(nil)
