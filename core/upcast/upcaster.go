// Package upcast brings stored event payloads up to the current schema
// version on read. Steps are registered per event type in a Registry and
// walked in order by the Service.
package upcast

import (
	"fmt"

	"github.com/codewandler/eventvault-go/core/event"
)

// Upcaster moves a payload of one event type from one schema version to the
// next. Implementations must be pure.
type Upcaster interface {
	EventType() string
	FromVersion() int
	ToVersion() int
	Supports(eventType string, version int) bool
	Upcast(p event.Payload) (event.Payload, error)
}

// TransformFunc is the pure body of an upcast step.
type TransformFunc func(p event.Payload) (event.Payload, error)

type step struct {
	eventType string
	from, to  int
	fn        TransformFunc
}

// Step builds an Upcaster from a transform function.
func Step(eventType string, from, to int, fn TransformFunc) Upcaster {
	return &step{eventType: eventType, from: from, to: to, fn: fn}
}

func (s *step) EventType() string { return s.eventType }
func (s *step) FromVersion() int  { return s.from }
func (s *step) ToVersion() int    { return s.to }

func (s *step) Supports(eventType string, version int) bool {
	return s.eventType == eventType && s.from == version
}

func (s *step) Upcast(p event.Payload) (event.Payload, error) {
	if s.fn == nil {
		return p.Clone(), nil
	}
	out, err := s.fn(p.Clone())
	if err != nil {
		return nil, fmt.Errorf("upcast %s v%d->v%d: %w", s.eventType, s.from, s.to, err)
	}
	return out, nil
}

func (s *step) String() string { return fmt.Sprintf("%s v%d->v%d", s.eventType, s.from, s.to) }

// === field helpers ===

// Chain composes transforms left to right.
func Chain(fns ...TransformFunc) TransformFunc {
	return func(p event.Payload) (event.Payload, error) {
		var err error
		for _, fn := range fns {
			if p, err = fn(p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
}

// RenameField moves from to to. A missing source field is left alone.
func RenameField(from, to string) TransformFunc {
	return func(p event.Payload) (event.Payload, error) {
		out := p.Clone()
		if v, ok := out[from]; ok {
			out[to] = v
			delete(out, from)
		}
		return out, nil
	}
}

// AddField sets key to value unless it is already present.
func AddField(key string, value any) TransformFunc {
	return func(p event.Payload) (event.Payload, error) {
		out := p.Clone()
		if _, ok := out[key]; !ok {
			out[key] = value
		}
		return out, nil
	}
}

func RemoveField(key string) TransformFunc {
	return func(p event.Payload) (event.Payload, error) {
		out := p.Clone()
		delete(out, key)
		return out, nil
	}
}

// TransformField rewrites the value of key when present.
func TransformField(key string, fn func(v any) (any, error)) TransformFunc {
	return func(p event.Payload) (event.Payload, error) {
		out := p.Clone()
		v, ok := out[key]
		if !ok {
			return out, nil
		}
		nv, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		out[key] = nv
		return out, nil
	}
}
