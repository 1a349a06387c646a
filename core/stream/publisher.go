package stream

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/metrics"
	"github.com/codewandler/eventvault-go/core/router"
)

// Entry field names written by the publisher.
const (
	FieldEventID     = "event_id"
	FieldEventType   = "event_type"
	FieldAggregateID = "aggregate_id"
	FieldEvent       = "event"
)

// StreamKey is the default stream name for an event table.
func StreamKey(table string) string { return "events:" + table }

func encode(ctx context.Context, codec Codec, e event.StoredEvent) (map[string]string, error) {
	body, err := codec.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	fields := map[string]string{
		FieldEventID:     e.ID,
		FieldEventType:   e.EventType,
		FieldAggregateID: e.AggregateID,
		FieldEvent:       body,
	}
	if codec != JSON {
		fields[FieldCodec] = codec.Name()
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(fields))
	return fields, nil
}

func decode(fields map[string]string) (event.StoredEvent, error) {
	var e event.StoredEvent
	body, ok := fields[FieldEvent]
	if !ok {
		return e, fmt.Errorf("entry has no %q field", FieldEvent)
	}
	codec, err := CodecByName(fields[FieldCodec])
	if err != nil {
		return e, err
	}
	if err := codec.Decode(body, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

type PublisherOption func(*Publisher)

// WithStreamKey overrides how tables map to stream names.
func WithStreamKey(fn func(table string) string) PublisherOption {
	return func(p *Publisher) { p.key = fn }
}

// WithCodec sets how the event field is encoded. JSON by default.
func WithCodec(c Codec) PublisherOption {
	return func(p *Publisher) { p.codec = c }
}

func WithPublisherLogger(log *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.log = log }
}

func WithPublisherMetrics(m metrics.EventMetrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// Publisher appends events to the stream of the table the router assigns them.
type Publisher struct {
	broker  Broker
	router  *router.Router
	key     func(string) string
	codec   Codec
	log     *slog.Logger
	metrics metrics.EventMetrics
}

func NewPublisher(broker Broker, r *router.Router, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		broker:  broker,
		router:  r,
		key:     StreamKey,
		codec:   JSON,
		log:     slog.Default(),
		metrics: metrics.NopEventMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(slog.String("component", "stream_publisher"))
	return p
}

// StreamFor returns the stream an event type is published to.
func (p *Publisher) StreamFor(eventType string) string {
	return p.key(p.router.ResolveTableForEvent(eventType))
}

// StreamForDomain returns the stream of a domain's table.
func (p *Publisher) StreamForDomain(domain string) string {
	return p.key(p.router.ResolveTableForDomain(domain))
}

func (p *Publisher) Publish(ctx context.Context, e event.StoredEvent) (string, error) {
	stream := p.StreamFor(e.EventType)
	fields, err := encode(ctx, p.codec, e)
	if err != nil {
		return "", err
	}
	id, err := p.broker.Append(ctx, stream, fields)
	if err != nil {
		return "", fmt.Errorf("publish %s to %s: %w", e.ID, stream, err)
	}
	p.metrics.StreamPublished(stream, 1)
	p.log.Debug("published", slog.String("stream", stream), slog.String("entry", id), e.LogAttrs())
	return id, nil
}

// PublishBatch publishes in order and stops at the first failure, returning
// the ids assigned so far.
func (p *Publisher) PublishBatch(ctx context.Context, events []event.StoredEvent) ([]string, error) {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		id, err := p.Publish(ctx, e)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
