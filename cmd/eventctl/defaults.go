package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/codewandler/eventvault-go/core/aggregate"
	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/replay"
	"github.com/codewandler/eventvault-go/core/upcast"
)

// defaultUpcasters registers the schema history of the account events.
//
//	MoneyAdded v1 {money}            -> v2 {amount}
//	MoneyAdded v2 {amount}           -> v3 {amount, currency, source}
func defaultUpcasters(log *slog.Logger) *upcast.Registry {
	return upcast.NewRegistry(log).MustRegister(
		upcast.Step(aggregate.MoneyAdded, 1, 2, upcast.RenameField("money", "amount")),
		upcast.Step(aggregate.MoneyAdded, 2, 3, upcast.Chain(
			upcast.AddField("currency", "USD"),
			upcast.AddField("source", "internal"),
		)),
	)
}

// Read models shipped with eventctl. They live in memory for the duration of
// a replay or worker run and are reported when it ends.
const (
	projectorBalances    = "account_balances"
	projectorEventCounts = "event_counts"
)

type resulter interface {
	Result() any
}

func defaultProjectors() *replay.Registry {
	return replay.NewRegistry(newBalanceProjector(), newCountProjector())
}

// balanceProjector keeps the balance of every account. Events at or below the
// last applied sequence number of an account are ignored, so redelivery is
// harmless.
type balanceProjector struct {
	mu       sync.Mutex
	balances map[string]int64
	lastSeq  map[string]int64
}

func newBalanceProjector() *balanceProjector {
	p := &balanceProjector{}
	p.reset()
	return p
}

func (p *balanceProjector) reset() {
	p.balances = map[string]int64{}
	p.lastSeq = map[string]int64{}
}

func (p *balanceProjector) Name() string { return projectorBalances }

func (p *balanceProjector) Handles(eventType string) bool {
	switch event.ShortName(eventType) {
	case "MoneyAdded", "MoneySubtracted":
		return true
	}
	return false
}

func (p *balanceProjector) OnReplayStart(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

func (p *balanceProjector) Project(_ context.Context, e event.StoredEvent) error {
	var body struct {
		Amount json.Number `json:"amount"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return err
	}
	amount, err := body.Amount.Int64()
	if err != nil {
		return err
	}
	if event.ShortName(e.EventType) == "MoneySubtracted" {
		amount = -amount
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.SequenceNo <= p.lastSeq[e.AggregateID] {
		return nil
	}
	p.lastSeq[e.AggregateID] = e.SequenceNo
	p.balances[e.AggregateID] += amount
	return nil
}

func (p *balanceProjector) Result() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out
}

// countProjector counts events per short type name, once per event id.
type countProjector struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	counts map[string]int64
}

func newCountProjector() *countProjector {
	return &countProjector{seen: map[string]struct{}{}, counts: map[string]int64{}}
}

func (p *countProjector) Name() string { return projectorEventCounts }

func (p *countProjector) OnReplayStart(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = map[string]struct{}{}
	p.counts = map[string]int64{}
	return nil
}

func (p *countProjector) Project(_ context.Context, e event.StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[e.ID]; ok {
		return nil
	}
	p.seen[e.ID] = struct{}{}
	p.counts[e.ShortName()]++
	return nil
}

func (p *countProjector) Result() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64, len(p.counts))
	for k, v := range p.counts {
		out[k] = v
	}
	return out
}

// readModels collects Result() of every projector that has one.
func readModels(projectors []replay.Projector) map[string]any {
	out := map[string]any{}
	for _, p := range projectors {
		if r, ok := p.(resulter); ok {
			out[p.Name()] = r.Result()
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ replay.EventFilter   = (*balanceProjector)(nil)
	_ replay.ReplayStarter = (*balanceProjector)(nil)
	_ replay.ReplayStarter = (*countProjector)(nil)
)
