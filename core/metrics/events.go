package metrics

// EventMetrics is the instrumentation surface of the event infrastructure.
// Implementations must be safe for concurrent use.
type EventMetrics interface {
	// Upcasting
	Upcasted(eventType string, steps int)

	// Migration
	MigrationBatchDuration(domain string) Timer
	EventsMigrated(domain string, count int)
	MigrationFinished(domain string, status string)

	// Replay
	ReplayDuration(projector string) Timer
	EventsReplayed(projector string, count int)

	// Snapshots
	SnapshotsWritten(snapshotType string, count int)
	SnapshotsPruned(table string, count int)

	// Streams
	StreamPublished(stream string, count int)
	StreamHandleDuration(stream string) Timer
	StreamHandled(stream string, success bool)
	StreamClaimed(stream string, count int)
	StreamDeadLettered(stream string)
	StreamPending(stream, group string, count int64)
}

type nopEventMetrics struct{}

func (nopEventMetrics) Upcasted(string, int) {}

func (nopEventMetrics) MigrationBatchDuration(string) Timer { return NopTimer() }
func (nopEventMetrics) EventsMigrated(string, int)          {}
func (nopEventMetrics) MigrationFinished(string, string)    {}

func (nopEventMetrics) ReplayDuration(string) Timer { return NopTimer() }
func (nopEventMetrics) EventsReplayed(string, int)  {}

func (nopEventMetrics) SnapshotsWritten(string, int) {}
func (nopEventMetrics) SnapshotsPruned(string, int)  {}

func (nopEventMetrics) StreamPublished(string, int)         {}
func (nopEventMetrics) StreamHandleDuration(string) Timer   { return NopTimer() }
func (nopEventMetrics) StreamHandled(string, bool)          {}
func (nopEventMetrics) StreamClaimed(string, int)           {}
func (nopEventMetrics) StreamDeadLettered(string)           {}
func (nopEventMetrics) StreamPending(string, string, int64) {}

// NopEventMetrics returns a no-op EventMetrics implementation.
func NopEventMetrics() EventMetrics { return nopEventMetrics{} }
