// Package estest is a given/when/then harness for aggregates: seed history,
// run one command, assert exactly which events it recorded.
package estest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventvault-go/core/aggregate"
	"github.com/codewandler/eventvault-go/core/event"
)

type Scenario[T aggregate.Root] struct {
	t    testing.TB
	root T
	seq  int64
	err  error
	ran  bool
}

// For starts a scenario on a fresh aggregate.
func For[T aggregate.Root](t testing.TB, root T) *Scenario[T] {
	t.Helper()
	return &Scenario[T]{t: t, root: root}
}

// Given folds history into the aggregate as if it had been loaded from the store.
func (s *Scenario[T]) Given(history ...aggregate.Recorded) *Scenario[T] {
	s.t.Helper()
	for _, r := range history {
		raw, err := r.Payload.Encode()
		require.NoError(s.t, err)
		s.seq++
		require.NoError(s.t, aggregate.Fold(s.root, event.StoredEvent{
			ID:            "given",
			AggregateID:   s.root.AggregateID(),
			AggregateType: s.root.AggregateType(),
			EventType:     r.Type,
			SchemaVersion: 1,
			Payload:       raw,
			SequenceNo:    s.seq,
		}))
	}
	s.root.ClearUncommitted()
	return s
}

// When runs a single command.
func (s *Scenario[T]) When(cmd func(T) error) *Scenario[T] {
	s.t.Helper()
	require.False(s.t, s.ran, "When may only be called once")
	s.ran = true
	s.err = cmd(s.root)
	return s
}

// ThenRecorded asserts the command succeeded and recorded exactly expected.
func (s *Scenario[T]) ThenRecorded(expected ...aggregate.Recorded) T {
	s.t.Helper()
	require.NoError(s.t, s.err)
	if len(expected) == 0 {
		require.Empty(s.t, s.root.Uncommitted())
		return s.root
	}
	require.Equal(s.t, expected, s.root.Uncommitted())
	return s.root
}

// ThenError asserts the command failed with target and recorded nothing.
func (s *Scenario[T]) ThenError(target error) T {
	s.t.Helper()
	require.ErrorIs(s.t, s.err, target)
	require.Empty(s.t, s.root.Uncommitted())
	return s.root
}

// Event is shorthand for building a Recorded.
func Event(eventType string, p event.Payload) aggregate.Recorded {
	return aggregate.Recorded{Type: eventType, Payload: p}
}
