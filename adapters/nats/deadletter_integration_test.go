//go:build integration

package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventvault-go/core/stream"
)

func TestDeadLetters(t *testing.T) {
	ctx := t.Context()
	dls, err := NewDeadLetters(ctx, DeadLetterConfig{Connect: NewTestContainer(t)})
	require.NoError(t, err)
	defer dls.Close()

	dl := stream.DeadLetter{
		Stream:     "events:account_events",
		Group:      "projectors",
		EntryID:    "1700000000000-0",
		Deliveries: 6,
		Reason:     "max deliveries exceeded",
		Fields:     map[string]string{stream.FieldEventID: "evt-1"},
	}
	require.NoError(t, dls.DeadLetter(ctx, dl))
	// same entry again is deduplicated by msg id
	require.NoError(t, dls.DeadLetter(ctx, dl))

	got, err := dls.Read(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, dl, got)

	_, err = dls.Read(ctx, 2)
	require.Error(t, err)
}
