package upcast

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventvault-go/core/event"
)

func moneyAddedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(
		Step("money_added", 1, 2, RenameField("money", "amount")),
		Step("money_added", 2, 3, Chain(
			AddField("currency", "USD"),
			AddField("source", "internal"),
		)),
	))
	return r
}

func TestScenarioMoneyAdded(t *testing.T) {
	svc := NewService(moneyAddedRegistry(t))

	res, err := svc.Upcast("money_added", event.Payload{"money": 1000}, 1)
	require.NoError(t, err)
	require.True(t, res.Upcasted)
	require.Equal(t, 3, res.Version)
	require.Equal(t, event.Payload{"amount": 1000, "currency": "USD", "source": "internal"}, res.Payload)
}

func TestCurrentVersion(t *testing.T) {
	r := moneyAddedRegistry(t)
	require.Equal(t, 1, r.CurrentVersion("unknown"))
	require.Equal(t, 3, r.CurrentVersion("money_added"))
	require.True(t, r.HasUpcasters("money_added"))
	require.False(t, r.HasUpcasters("unknown"))
}

func TestUpcastChainShrinks(t *testing.T) {
	r := moneyAddedRegistry(t)
	require.Len(t, r.UpcastChain("money_added", 1), 2)
	require.Len(t, r.UpcastChain("money_added", 2), 1)
	require.Empty(t, r.UpcastChain("money_added", r.CurrentVersion("money_added")))

	prev := len(r.UpcastChain("money_added", 1))
	for v := 2; v <= 3; v++ {
		n := len(r.UpcastChain("money_added", v))
		require.Less(t, n, prev)
		prev = n
	}
}

func TestNoopAtCurrentVersion(t *testing.T) {
	svc := NewService(moneyAddedRegistry(t))
	in := event.Payload{"amount": 5, "currency": "EUR", "source": "api"}

	res, err := svc.Upcast("money_added", in, 3)
	require.NoError(t, err)
	require.False(t, res.Upcasted)
	require.Equal(t, 3, res.Version)
	require.Equal(t, in, res.Payload)

	res, err = svc.Upcast("other", in, 4)
	require.NoError(t, err)
	require.False(t, res.Upcasted)
	require.Equal(t, 4, res.Version)
}

func TestUpcastIsIdempotentPerInput(t *testing.T) {
	svc := NewService(moneyAddedRegistry(t))
	in := event.Payload{"money": 10}

	a, err := svc.Upcast("money_added", in, 1)
	require.NoError(t, err)
	b, err := svc.Upcast("money_added", in, 1)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, event.Payload{"money": 10}, in, "input must not be mutated")
}

func TestValidateChain(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(
		Step("ok", 1, 2, nil),
		Step("ok", 2, 3, nil),
		Step("holey", 1, 2, nil),
		Step("holey", 3, 4, nil),
	))

	require.Empty(t, r.ValidateChain("ok"))
	require.Empty(t, r.ValidateChain("none"))

	gaps := r.ValidateChain("holey")
	require.Len(t, gaps, 1)
	require.Contains(t, gaps[0], "2")
	require.Contains(t, gaps[0], "3")

	require.Equal(t, map[string][]string{"holey": gaps}, r.ValidateAll())
}

func TestUpcastSurfacesGap(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(
		Step("holey", 1, 2, RenameField("a", "b")),
		Step("holey", 3, 4, nil),
	))
	svc := NewService(r)

	_, err := svc.Upcast("holey", event.Payload{"a": 1}, 1)
	var gap *ChainGapError
	require.True(t, errors.As(err, &gap))
	require.Equal(t, 2, gap.From)
	require.Equal(t, 3, gap.To)

	// starting past the hole is fine
	res, err := svc.Upcast("holey", event.Payload{"b": 1}, 3)
	require.NoError(t, err)
	require.Equal(t, 4, res.Version)
}

func TestRegisterDuplicateLastWriteWins(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Step("t", 1, 2, AddField("v", "first"))))
	require.NoError(t, r.Register(Step("t", 1, 2, AddField("v", "second"))))
	require.Equal(t, VersionInfo{CurrentVersion: 2, UpcasterCount: 1}, r.AllVersions()["t"])

	res, err := NewService(r).Upcast("t", event.Payload{}, 1)
	require.NoError(t, err)
	require.Equal(t, "second", res.Payload["v"])
}

func TestRegisterRejectsNonIncreasing(t *testing.T) {
	r := NewRegistry(nil)
	require.ErrorIs(t, r.Register(Step("t", 2, 2, nil)), ErrInvalidStep)
	require.ErrorIs(t, r.Register(Step("t", 0, 1, nil)), ErrInvalidStep)
	require.False(t, r.HasUpcasters("t"))
}

func TestUpcastEvent(t *testing.T) {
	svc := NewService(moneyAddedRegistry(t))
	e, err := event.New("ledger", "acc-1", "Account", "money_added", event.Payload{"money": 7})
	require.NoError(t, err)

	out, upcasted, err := svc.UpcastEvent(e)
	require.NoError(t, err)
	require.True(t, upcasted)
	require.Equal(t, 3, out.SchemaVersion)
	require.Equal(t, 1, e.SchemaVersion)

	p, err := out.Decode()
	require.NoError(t, err)
	require.Equal(t, float64(7), p["amount"])
	require.Equal(t, "USD", p["currency"])
}

func TestFieldHelpers(t *testing.T) {
	double := TransformField("n", func(v any) (any, error) { return v.(int) * 2, nil })
	p, err := Chain(double, RemoveField("drop"), RenameField("missing", "x"))(event.Payload{"n": 2, "drop": true})
	require.NoError(t, err)
	require.Equal(t, event.Payload{"n": 4}, p)

	boom := TransformField("n", func(any) (any, error) { return nil, errors.New("boom") })
	_, err = Step("t", 1, 2, boom).Upcast(event.Payload{"n": 1})
	require.ErrorContains(t, err, "boom")
}
