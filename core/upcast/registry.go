package upcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var ErrInvalidStep = errors.New("invalid upcast step")

// ChainGapError means no registered step starts at From, so a payload stored
// at From cannot reach To. It is a configuration defect and is never patched.
type ChainGapError struct {
	EventType string
	From      int
	To        int
}

func (e *ChainGapError) Error() string {
	return fmt.Sprintf("upcast chain gap for %s: no upcaster from version %d (next registered step starts at version %d)", e.EventType, e.From, e.To)
}

// VersionInfo summarizes one event type in the registry.
type VersionInfo struct {
	CurrentVersion int `json:"current_version"`
	UpcasterCount  int `json:"upcaster_count"`
}

// Registry holds upcast steps per event type, ordered by FromVersion.
//
// Registering a second step with the same event type and FromVersion replaces
// the first one (last write wins).
type Registry struct {
	mu    sync.RWMutex
	log   *slog.Logger
	steps map[string][]Upcaster
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log.With(slog.String("component", "upcast_registry")),
		steps: map[string][]Upcaster{},
	}
}

func (r *Registry) Register(ups ...Upcaster) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range ups {
		if u.EventType() == "" || u.FromVersion() < 1 || u.ToVersion() <= u.FromVersion() {
			return fmt.Errorf("%w: %s v%d->v%d", ErrInvalidStep, u.EventType(), u.FromVersion(), u.ToVersion())
		}

		list := r.steps[u.EventType()]
		replaced := false
		for i, existing := range list {
			if existing.FromVersion() == u.FromVersion() {
				list[i] = u
				replaced = true
				r.log.Warn(
					"replacing upcaster",
					slog.String("event_type", u.EventType()),
					slog.Int("from", u.FromVersion()),
					slog.Int("to", u.ToVersion()),
				)
				break
			}
		}
		if !replaced {
			list = append(list, u)
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].FromVersion() < list[j].FromVersion() })
		r.steps[u.EventType()] = list
	}
	return nil
}

// MustRegister panics on invalid steps. Meant for startup wiring.
func (r *Registry) MustRegister(ups ...Upcaster) *Registry {
	if err := r.Register(ups...); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) HasUpcasters(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps[eventType]) > 0
}

// CurrentVersion is the highest ToVersion registered for eventType, or 1.
func (r *Registry) CurrentVersion(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return currentVersion(r.steps[eventType])
}

func currentVersion(list []Upcaster) int {
	v := 1
	for _, u := range list {
		if u.ToVersion() > v {
			v = u.ToVersion()
		}
	}
	return v
}

// UpcastChain returns the registered steps with FromVersion >= fromVersion,
// in ascending order.
func (r *Registry) UpcastChain(eventType string, fromVersion int) []Upcaster {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Upcaster
	for _, u := range r.steps[eventType] {
		if u.FromVersion() >= fromVersion {
			out = append(out, u)
		}
	}
	return out
}

// ValidateChain walks the steps of eventType and describes every version at
// which the chain breaks. A contiguous chain yields nil.
func (r *Registry) ValidateChain(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var gaps []string
	for _, g := range chainGaps(eventType, r.steps[eventType]) {
		gaps = append(gaps, fmt.Sprintf("gap between version %d and version %d: no upcaster from version %d", g.From, g.To, g.From))
	}
	return gaps
}

func chainGaps(eventType string, list []Upcaster) []*ChainGapError {
	if len(list) == 0 {
		return nil
	}
	var gaps []*ChainGapError
	reach := list[0].ToVersion()
	for _, u := range list[1:] {
		if u.FromVersion() > reach {
			gaps = append(gaps, &ChainGapError{EventType: eventType, From: reach, To: u.FromVersion()})
		}
		if u.ToVersion() > reach {
			reach = u.ToVersion()
		}
	}
	return gaps
}

// ValidateAll runs ValidateChain for every event type and returns only the
// broken ones.
func (r *Registry) ValidateAll() map[string][]string {
	out := map[string][]string{}
	for _, t := range r.EventTypes() {
		if gaps := r.ValidateChain(t); len(gaps) > 0 {
			out[t] = gaps
		}
	}
	return out
}

func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.steps))
	for t := range r.steps {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) AllVersions() map[string]VersionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]VersionInfo, len(r.steps))
	for t, list := range r.steps {
		out[t] = VersionInfo{CurrentVersion: currentVersion(list), UpcasterCount: len(list)}
	}
	return out
}

// find returns the step that starts at version, if any.
func (r *Registry) find(eventType string, version int) (Upcaster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.steps[eventType] {
		if u.Supports(eventType, version) {
			return u, true
		}
	}
	return nil, false
}
