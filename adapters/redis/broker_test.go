package redis

import (
	"errors"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventvault-go/core/stream"
)

func TestMapErr(t *testing.T) {
	err := mapErr("s", "g", errors.New("NOGROUP No such key 's' or consumer group 'g' in XREADGROUP with GROUP option"))
	require.ErrorIs(t, err, stream.ErrGroupNotFound)

	err = mapErr("s", "g", errors.New("ERR no such key"))
	require.ErrorIs(t, err, stream.ErrStreamNotFound)

	other := errors.New("WRONGTYPE")
	require.Same(t, other, mapErr("s", "g", other))
}

func TestToEntries(t *testing.T) {
	got := toEntries([]goredis.XMessage{{ID: "1-0", Values: map[string]any{"event_id": "e1", "n": 3}}})
	require.Equal(t, []stream.Entry{{ID: "1-0", Fields: map[string]string{"event_id": "e1", "n": "3"}}}, got)
}
