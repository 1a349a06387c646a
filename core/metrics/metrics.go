// Package metrics is the instrumentation port of the event infrastructure.
// Core packages record through EventMetrics; adapters/prometheus implements
// it and NopEventMetrics discards everything.
package metrics

// Timer records the time since it was started.
//
//	defer m.ReplayDuration("all").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

func NopTimer() Timer { return nopTimer{} }
