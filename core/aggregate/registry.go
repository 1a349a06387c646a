package aggregate

import (
	"sort"
	"sync"

	"github.com/codewandler/eventvault-go/core/event"
)

// Type describes a known aggregate type: where its events live and how to
// construct an empty instance.
type Type struct {
	Name   string
	Domain string
	// Events are the event types the aggregate folds. Empty means every
	// event of the domain.
	Events []string
	New    func(id string) Root
}

type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

func NewRegistry(types ...Type) *Registry {
	r := &Registry{types: map[string]Type{}}
	for _, t := range types {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name] = t
}

// Lookup returns a *event.LookupError listing the known types when name is unknown.
func (r *Registry) Lookup(name string) (Type, error) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return Type{}, event.NewLookupError("aggregate type", name, r.Types())
	}
	return t, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
