package aggregate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/codewandler/eventvault-go/core/router"
	"github.com/codewandler/eventvault-go/core/storage"
	"github.com/codewandler/eventvault-go/core/upcast"
)

const defaultLoadBatch = 500

// Loader reads an aggregate's events, upcasts them and folds them into a
// Root. Events are selected by domain and aggregate id, narrowed to the event
// types the aggregate folds, so several aggregate types can share one
// stream. Events still waiting in the default table are read alongside the
// domain table.
type Loader struct {
	router   *router.Router
	store    storage.EventTables
	upcaster *upcast.Service
	batch    int
}

func NewLoader(r *router.Router, tables storage.EventTables, upcaster *upcast.Service) *Loader {
	return &Loader{router: r, store: tables, upcaster: upcaster, batch: defaultLoadBatch}
}

// Tables returns the existing tables that may hold events of t.
func (l *Loader) Tables(ctx context.Context, t Type) ([]string, error) {
	names := []string{l.router.ResolveTableForDomain(t.Domain)}
	if def := l.router.DefaultTable(); def != names[0] {
		names = append(names, def)
	}
	out := names[:0]
	for _, n := range names {
		ok, err := l.store.TableExists(ctx, n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (l *Loader) query(t Type, id string, after int64) storage.EventQuery {
	return storage.EventQuery{Domain: t.Domain, EventTypes: t.Events, AggregateID: id, AfterSeq: after}
}

// IDs lists aggregate ids of type t, optionally narrowed to one id.
func (l *Loader) IDs(ctx context.Context, t Type, id string) ([]string, error) {
	tables, err := l.Tables(ctx, t)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, table := range tables {
		ids, err := l.store.AggregateIDs(ctx, table, l.query(t, id, 0))
		if err != nil {
			return nil, err
		}
		for _, a := range ids {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *Loader) events(ctx context.Context, t Type, id string, after int64) (*storage.Merger, error) {
	tables, err := l.Tables(ctx, t)
	if err != nil {
		return nil, err
	}
	return storage.NewMerger(l.store, tables, l.query(t, id, after), l.batch), nil
}

// CountSince counts events of the aggregate after seq. A migrated event and
// its copy count once.
func (l *Loader) CountSince(ctx context.Context, t Type, id string, seq int64) (int64, error) {
	m, err := l.events(ctx, t, id, seq)
	if err != nil {
		return 0, err
	}
	var n int64
	for {
		e, _, err := m.Next(ctx)
		if err != nil || e == nil {
			return n, err
		}
		n++
	}
}

// CatchUp folds every event after root.Seq() and returns how many it applied.
func (l *Loader) CatchUp(ctx context.Context, t Type, root Root) (int64, error) {
	m, err := l.events(ctx, t, root.AggregateID(), root.Seq())
	if err != nil {
		return 0, err
	}
	var n int64
	for {
		e, _, err := m.Next(ctx)
		if err != nil || e == nil {
			return n, err
		}
		up, _, err := l.upcaster.UpcastEvent(*e)
		if err != nil {
			return n, err
		}
		if err := Fold(root, up); err != nil {
			return n, err
		}
		n++
	}
}

// Summary is the rebuilt state of one aggregate.
type Summary struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Version       int64           `json:"version"`
	Seq           int64           `json:"seq"`
	State         json.RawMessage `json:"state"`
}

// Rebuilder replays aggregates from their own event streams.
type Rebuilder struct {
	registry *Registry
	loader   *Loader
	log      *slog.Logger
}

func NewRebuilder(registry *Registry, loader *Loader, log *slog.Logger) *Rebuilder {
	if log == nil {
		log = slog.Default()
	}
	return &Rebuilder{registry: registry, loader: loader, log: log.With(slog.String("component", "rebuilder"))}
}

// Rebuild folds every aggregate of typeName from scratch. A non-empty
// aggregateID limits the run to that aggregate.
func (r *Rebuilder) Rebuild(ctx context.Context, typeName, aggregateID string) ([]Summary, error) {
	t, err := r.registry.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	ids, err := r.loader.IDs(ctx, t, aggregateID)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		root := t.New(id)
		if _, err := r.loader.CatchUp(ctx, t, root); err != nil {
			return out, err
		}
		state, err := State(root)
		if err != nil {
			return out, err
		}
		out = append(out, Summary{
			AggregateType: t.Name,
			AggregateID:   id,
			Version:       root.Version(),
			Seq:           root.Seq(),
			State:         state,
		})
		r.log.Debug("rebuilt aggregate", slog.String("type", t.Name), slog.String("id", id), slog.Int64("version", root.Version()))
	}
	r.log.Info("rebuild finished", slog.String("type", t.Name), slog.Int("aggregates", len(out)))
	return out, nil
}
