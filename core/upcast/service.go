package upcast

import (
	"encoding/json"
	"log/slog"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/metrics"
)

// Result is the outcome of a read-time upcast.
type Result struct {
	Payload  event.Payload
	Version  int
	Upcasted bool
}

type ServiceOption func(*Service)

func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

func WithMetrics(m metrics.EventMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// Service applies registry chains to payloads on read. It never touches
// storage; running it twice on the same input yields the same output.
type Service struct {
	registry *Registry
	log      *slog.Logger
	metrics  metrics.EventMetrics
}

func NewService(registry *Registry, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		log:      slog.Default(),
		metrics:  metrics.NopEventMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "upcaster"))
	return s
}

func (s *Service) Registry() *Registry { return s.registry }

// Upcast walks from storedVersion to the current version of eventType. A
// missing step anywhere on the way returns a *ChainGapError and no payload.
func (s *Service) Upcast(eventType string, payload event.Payload, storedVersion int) (Result, error) {
	if storedVersion < 1 {
		storedVersion = 1
	}
	if !s.registry.HasUpcasters(eventType) {
		return Result{Payload: payload, Version: storedVersion}, nil
	}
	current := s.registry.CurrentVersion(eventType)
	if storedVersion >= current {
		return Result{Payload: payload, Version: storedVersion}, nil
	}

	p := payload
	v := storedVersion
	steps := 0
	for v < current {
		u, ok := s.registry.find(eventType, v)
		if !ok {
			next := current
			for _, c := range s.registry.UpcastChain(eventType, v) {
				next = c.FromVersion()
				break
			}
			return Result{}, &ChainGapError{EventType: eventType, From: v, To: next}
		}
		out, err := u.Upcast(p)
		if err != nil {
			return Result{}, err
		}
		p = out
		v = u.ToVersion()
		steps++
	}

	s.metrics.Upcasted(eventType, steps)
	s.log.Debug(
		"upcasted payload",
		slog.String("event_type", eventType),
		slog.Int("from", storedVersion),
		slog.Int("to", v),
	)
	return Result{Payload: p, Version: v, Upcasted: true}, nil
}

// UpcastEvent returns a copy of e carrying the current-schema payload.
// The boolean reports whether any step ran.
func (s *Service) UpcastEvent(e event.StoredEvent) (event.StoredEvent, bool, error) {
	if !s.registry.HasUpcasters(e.EventType) || e.SchemaVersion >= s.registry.CurrentVersion(e.EventType) {
		return e, false, nil
	}
	p, err := e.Decode()
	if err != nil {
		return e, false, err
	}
	res, err := s.Upcast(e.EventType, p, e.SchemaVersion)
	if err != nil {
		return e, false, err
	}
	raw, err := json.Marshal(res.Payload)
	if err != nil {
		return e, false, err
	}
	out := e
	out.Payload = raw
	out.SchemaVersion = res.Version
	return out, res.Upcasted, nil
}
