package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/codewandler/eventvault-go/core/cache"
	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/metrics"
	"github.com/codewandler/eventvault-go/core/perkey"
	"github.com/codewandler/eventvault-go/core/upcast"
)

var tracer = otel.Tracer("github.com/codewandler/eventvault-go/core/stream")

const (
	DefaultCount         = 10
	DefaultMinIdle       = 30 * time.Second
	DefaultMaxDeliveries = 5
	DefaultClaimEvery    = 10 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
)

// Message is a decoded entry handed to a handler.
type Message struct {
	ID         string
	Stream     string
	Event      event.StoredEvent
	Deliveries int64
	Fields     map[string]string
}

type Handler func(ctx context.Context, msg Message) error

type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Start is where a new group begins; StartFromBeginning by default.
	Start string
	// Count bounds every read.
	Count int
	// MinIdle is how long an entry must sit unacknowledged before another
	// consumer may claim it.
	MinIdle time.Duration
	// MaxDeliveries is the delivery count after which an entry is dead-lettered.
	MaxDeliveries int64
	ClaimEvery    time.Duration
	PollInterval  time.Duration
	// Concurrency is how many aggregates Run handles at once. Events of one
	// aggregate are always handled in stream order.
	Concurrency int
	// Seen remembers handled event ids. A message whose event was already
	// handled is acknowledged without calling the handler.
	Seen cache.Cache

	DeadLetters DeadLetterSink
	Upcaster    *upcast.Service
	Logger      *slog.Logger
	Metrics     metrics.EventMetrics
}

func (c *ConsumerConfig) defaults(b Broker) {
	if c.Consumer == "" {
		c.Consumer = "consumer-" + gonanoid.Must(8)
	}
	if c.Start == "" {
		c.Start = StartFromBeginning
	}
	if c.Count <= 0 {
		c.Count = DefaultCount
	}
	if c.MinIdle <= 0 {
		c.MinIdle = DefaultMinIdle
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = DefaultMaxDeliveries
	}
	if c.ClaimEvery <= 0 {
		c.ClaimEvery = DefaultClaimEvery
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Seen == nil {
		c.Seen = cache.NewNop()
	}
	if c.DeadLetters == nil {
		c.DeadLetters = NewBrokerDeadLetters(b)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NopEventMetrics()
	}
}

// Consumer is one member of a consumer group.
type Consumer struct {
	broker Broker
	cfg    ConsumerConfig
	seen   cache.Typed[string] // event id -> entry id that handled it
	log    *slog.Logger
}

func NewConsumer(b Broker, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, event.NewValidationError("stream", "stream and group are required")
	}
	cfg.defaults(b)
	return &Consumer{
		broker: b,
		cfg:    cfg,
		seen:   cache.NewTyped[string](cfg.Seen),
		log: cfg.Logger.With(
			slog.String("component", "stream_consumer"),
			slog.String("stream", cfg.Stream),
			slog.String("group", cfg.Group),
			slog.String("consumer", cfg.Consumer),
		),
	}, nil
}

func (c *Consumer) Name() string { return c.cfg.Consumer }

func (c *Consumer) CreateGroup(ctx context.Context) error {
	return c.broker.CreateGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Start)
}

// Consume claims up to count never-delivered entries for this consumer.
// Entries that cannot be decoded are dead-lettered and left out.
func (c *Consumer) Consume(ctx context.Context, count int) ([]Message, error) {
	if count <= 0 {
		count = c.cfg.Count
	}
	entries, err := c.broker.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, count)
	if err != nil {
		return nil, err
	}
	return c.messages(ctx, entries, 1)
}

func (c *Consumer) messages(ctx context.Context, entries []Entry, deliveries int64) ([]Message, error) {
	out := make([]Message, 0, len(entries))
	for _, en := range entries {
		e, err := decode(en.Fields)
		if err == nil && c.cfg.Upcaster != nil {
			e, _, err = c.cfg.Upcaster.UpcastEvent(e)
		}
		if err != nil {
			if dlErr := c.deadLetter(ctx, en, deliveries, err.Error()); dlErr != nil {
				return out, dlErr
			}
			continue
		}
		out = append(out, Message{ID: en.ID, Stream: c.cfg.Stream, Event: e, Deliveries: deliveries, Fields: en.Fields})
	}
	return out, nil
}

// Acknowledge marks entries done for the group.
func (c *Consumer) Acknowledge(ctx context.Context, ids ...string) error {
	_, err := c.broker.Ack(ctx, c.cfg.Stream, c.cfg.Group, ids...)
	return err
}

func (c *Consumer) Pending(ctx context.Context) ([]PendingEntry, error) {
	pending, err := c.broker.Pending(ctx, c.cfg.Stream, c.cfg.Group, 0)
	if err != nil {
		return nil, err
	}
	c.cfg.Metrics.StreamPending(c.cfg.Stream, c.cfg.Group, int64(len(pending)))
	return pending, nil
}

func (c *Consumer) GroupInfo(ctx context.Context) (GroupInfo, error) {
	return c.broker.GroupInfo(ctx, c.cfg.Stream, c.cfg.Group)
}

// ClaimIdle takes over entries other consumers left pending for at least
// MinIdle. Entries whose delivery count then exceeds MaxDeliveries go to the
// dead-letter sink and are acknowledged instead of being returned.
func (c *Consumer) ClaimIdle(ctx context.Context) ([]Message, error) {
	pending, err := c.broker.Pending(ctx, c.cfg.Stream, c.cfg.Group, 0)
	if err != nil {
		return nil, err
	}
	deliveries := map[string]int64{}
	var ids []string
	for _, p := range pending {
		if p.Idle < c.cfg.MinIdle {
			continue
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.Deliveries + 1
		if len(ids) == c.cfg.Count {
			break
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := c.broker.Claim(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.MinIdle, ids...)
	if err != nil {
		return nil, err
	}
	c.cfg.Metrics.StreamClaimed(c.cfg.Stream, len(claimed))

	out := make([]Message, 0, len(claimed))
	for _, en := range claimed {
		n := deliveries[en.ID]
		if n > c.cfg.MaxDeliveries {
			reason := fmt.Sprintf("exceeded %d deliveries", c.cfg.MaxDeliveries)
			if err := c.deadLetter(ctx, en, n, reason); err != nil {
				return out, err
			}
			continue
		}
		msgs, err := c.messages(ctx, []Entry{en}, n)
		if err != nil {
			return out, err
		}
		out = append(out, msgs...)
	}
	if len(claimed) > 0 {
		c.log.Info("claimed idle entries", slog.Int("claimed", len(claimed)), slog.Int("handed_out", len(out)))
	}
	return out, nil
}

func (c *Consumer) deadLetter(ctx context.Context, en Entry, deliveries int64, reason string) error {
	err := c.cfg.DeadLetters.DeadLetter(ctx, DeadLetter{
		Stream:     c.cfg.Stream,
		Group:      c.cfg.Group,
		EntryID:    en.ID,
		Deliveries: deliveries,
		Reason:     reason,
		Fields:     en.Fields,
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", en.ID, err)
	}
	c.cfg.Metrics.StreamDeadLettered(c.cfg.Stream)
	c.log.Warn("entry dead-lettered", slog.String("entry", en.ID), slog.Int64("deliveries", deliveries), slog.String("reason", reason))
	return c.Acknowledge(ctx, en.ID)
}

// Handle runs h and acknowledges on success. A failed message stays pending
// and becomes eligible for idle reclaim.
func (c *Consumer) Handle(ctx context.Context, msg Message, h Handler) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Fields))
	ctx, span := tracer.Start(ctx, "stream.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("stream", msg.Stream),
		attribute.String("entry_id", msg.ID),
		attribute.String("event_type", msg.Event.EventType),
		attribute.Int64("deliveries", msg.Deliveries),
	)

	if first, dup := c.seen.Get(msg.Event.ID); dup {
		span.SetAttributes(attribute.Bool("duplicate", true))
		c.log.Debug("duplicate event acknowledged", slog.String("entry", msg.ID), slog.String("handled_as", first), msg.Event.LogAttrs())
		return c.Acknowledge(ctx, msg.ID)
	}

	timer := c.cfg.Metrics.StreamHandleDuration(c.cfg.Stream)
	err := h(ctx, msg)
	timer.ObserveDuration()
	c.cfg.Metrics.StreamHandled(c.cfg.Stream, err == nil)
	if err != nil {
		span.RecordError(err)
		c.log.Warn("handler failed, entry stays pending", slog.String("entry", msg.ID), msg.Event.LogAttrs(), slog.Any("err", err))
		return err
	}
	c.seen.Put(msg.Event.ID, msg.ID)
	return c.Acknowledge(ctx, msg.ID)
}

// HandleBatch handles msgs, running different aggregates concurrently up to
// Concurrency.
func (c *Consumer) HandleBatch(ctx context.Context, keyed *perkey.Group[string], msgs []Message, h Handler) {
	if c.cfg.Concurrency == 1 || keyed == nil {
		for _, msg := range msgs {
			_ = c.Handle(ctx, msg, h)
		}
		return
	}
	for _, msg := range msgs {
		if err := keyed.Go(msg.Event.AggregateID, func() { _ = c.Handle(ctx, msg, h) }); err != nil {
			_ = c.Handle(ctx, msg, h)
		}
	}
	keyed.Wait()
}

// Run creates the group and polls until ctx is done. Reads are bounded by
// Count; idle entries are reclaimed every ClaimEvery.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	if err := c.CreateGroup(ctx); err != nil {
		return err
	}
	c.log.Info("consumer started", slog.Int("concurrency", c.cfg.Concurrency))

	keyed := perkey.New[string](c.cfg.Concurrency)
	defer keyed.Close()

	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}

		var batch []Message
		if time.Since(lastClaim) >= c.cfg.ClaimEvery {
			lastClaim = time.Now()
			claimed, err := c.ClaimIdle(ctx)
			if err != nil {
				c.log.Error("claim failed", slog.Any("err", err))
			}
			batch = append(batch, claimed...)
		}

		fresh, err := c.Consume(ctx, c.cfg.Count)
		if err != nil {
			c.log.Error("read failed", slog.Any("err", err))
		}
		batch = append(batch, fresh...)

		c.HandleBatch(ctx, keyed, batch, h)

		if len(fresh) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.PollInterval):
			}
		}
	}
}
