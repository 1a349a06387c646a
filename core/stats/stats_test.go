package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/router"
	"github.com/codewandler/eventvault-go/core/storage"
)

func TestCollect(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r := router.New()
	m := storage.NewMemory().CreateTables(r.Tables()...)
	ctx := t.Context()

	add := func(table string, age time.Duration) {
		e, err := event.New("ledger", "a", "Account", `Domain\Account\Events\MoneyAdded`, event.Payload{})
		require.NoError(t, err)
		e.OccurredAt = now.Add(-age)
		_, err = m.Append(ctx, table, e)
		require.NoError(t, err)
	}
	add("account_events", time.Hour)
	add("account_events", 3*24*time.Hour)
	add("account_events", 30*24*time.Hour)
	add("stored_events", time.Hour)

	c := NewCollector(r, m, WithClock(func() time.Time { return now }))
	out, err := c.Collect(ctx, "Account")
	require.NoError(t, err)
	require.Equal(t, []DomainStats{{
		Domain:     "Account",
		Table:      "account_events",
		Exists:     true,
		Total:      3,
		Last24h:    1,
		Last7d:     2,
		Unmigrated: 1,
	}}, out)

	all, err := c.Collect(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 33)
	require.Equal(t, "AI", all[0].Domain)

	_, err = c.Collect(ctx, "Atlantis")
	require.ErrorIs(t, err, event.ErrLookup)
}
