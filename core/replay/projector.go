// Package replay streams historical events through projectors to rebuild
// read models.
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/codewandler/eventvault-go/core/event"
)

// Projector folds events into a read model. The same event may be projected
// more than once (rebuilds, stream redelivery), so Project must be safe to
// repeat for a given (aggregate id, sequence number).
type Projector interface {
	Name() string
	Project(ctx context.Context, e event.StoredEvent) error
}

// EventFilter lets a projector skip event types it does not handle.
type EventFilter interface {
	Handles(eventType string) bool
}

// ReplayStarter is called once before a live replay, e.g. to truncate the
// read model.
type ReplayStarter interface {
	OnReplayStart(ctx context.Context) error
}

type ReplayFinisher interface {
	OnReplayFinish(ctx context.Context) error
}

// ProjectorFunc adapts a function into a Projector.
func ProjectorFunc(name string, fn func(ctx context.Context, e event.StoredEvent) error) Projector {
	return &funcProjector{name: name, fn: fn}
}

type funcProjector struct {
	name string
	fn   func(ctx context.Context, e event.StoredEvent) error
}

func (p *funcProjector) Name() string { return p.name }
func (p *funcProjector) Project(ctx context.Context, e event.StoredEvent) error {
	return p.fn(ctx, e)
}

type Registry struct {
	mu         sync.RWMutex
	projectors map[string]Projector
}

func NewRegistry(projectors ...Projector) *Registry {
	r := &Registry{projectors: map[string]Projector{}}
	for _, p := range projectors {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Projector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projectors[p.Name()] = p
}

func (r *Registry) Lookup(name string) (Projector, error) {
	r.mu.RLock()
	p, ok := r.projectors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, event.NewLookupError("projector", name, r.Names())
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.projectors))
	for n := range r.projectors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// All returns every projector sorted by name.
func (r *Registry) All() []Projector {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Projector, 0, len(names))
	for _, n := range names {
		out = append(out, r.projectors[n])
	}
	return out
}

// Project hands e to every projector that handles its type, stopping at the
// first failure.
func Project(ctx context.Context, projectors []Projector, e event.StoredEvent) error {
	for _, p := range projectors {
		if h, ok := p.(EventFilter); ok && !h.Handles(e.EventType) {
			continue
		}
		if err := p.Project(ctx, e); err != nil {
			return fmt.Errorf("projector %s: event %s (seq %d): %w", p.Name(), e.ID, e.SequenceNo, err)
		}
	}
	return nil
}
