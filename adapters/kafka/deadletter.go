package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/codewandler/eventvault-go/core/stream"
)

const DefaultTopic = "eventvault.dead-letters"

// Header keys set on every dead-letter message.
const (
	HeaderStream     = "dead_stream"
	HeaderGroup      = "dead_group"
	HeaderEntryID    = "dead_entry_id"
	HeaderDeliveries = "dead_deliveries"
	HeaderReason     = "dead_reason"
	HeaderEventID    = "event_id"
	HeaderEventType  = "event_type"
)

// MessageWriter is the subset of *kafka.Writer used by DeadLetters.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type DeadLetterOption func(*DeadLetters)

func WithLogger(log *slog.Logger) DeadLetterOption {
	return func(d *DeadLetters) { d.log = log }
}

// WithWriter replaces the kafka writer, mostly for tests.
func WithWriter(w MessageWriter) DeadLetterOption {
	return func(d *DeadLetters) { d.w = w }
}

// DeadLetters writes given-up stream entries to a Kafka topic, keyed by the
// event id so all attempts for one event land on the same partition.
type DeadLetters struct {
	w     MessageWriter
	topic string
	log   *slog.Logger
}

func NewDeadLetters(brokers []string, topic string, opts ...DeadLetterOption) *DeadLetters {
	if topic == "" {
		topic = DefaultTopic
	}
	d := &DeadLetters{topic: topic, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if d.w == nil {
		d.w = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		}
	}
	d.log = d.log.With(slog.String("component", "kafka.dead_letters"), slog.String("topic", topic))
	return d
}

func (d *DeadLetters) Topic() string { return d.topic }

func (d *DeadLetters) DeadLetter(ctx context.Context, dl stream.DeadLetter) error {
	value, err := json.Marshal(dl.Fields)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", dl.EntryID, err)
	}

	key := dl.Fields[stream.FieldEventID]
	if key == "" {
		key = dl.EntryID
	}

	headers := []kafka.Header{
		{Key: HeaderStream, Value: []byte(dl.Stream)},
		{Key: HeaderGroup, Value: []byte(dl.Group)},
		{Key: HeaderEntryID, Value: []byte(dl.EntryID)},
		{Key: HeaderDeliveries, Value: []byte(strconv.FormatInt(dl.Deliveries, 10))},
		{Key: HeaderReason, Value: []byte(dl.Reason)},
		{Key: HeaderEventID, Value: []byte(dl.Fields[stream.FieldEventID])},
		{Key: HeaderEventType, Value: []byte(dl.Fields[stream.FieldEventType])},
	}
	headers = InjectTraceHeaders(ctx, headers)

	if err := d.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	}); err != nil {
		return fmt.Errorf("write dead letter %s: %w", dl.EntryID, err)
	}
	d.log.Warn(
		"dead-lettered",
		slog.String("source", dl.Stream),
		slog.String("group", dl.Group),
		slog.String("entry_id", dl.EntryID),
		slog.Int64("deliveries", dl.Deliveries),
	)
	return nil
}

// Decode turns a message written by DeadLetter back into a DeadLetter.
func Decode(msg kafka.Message) (stream.DeadLetter, error) {
	dl := stream.DeadLetter{
		Stream:  HeaderValue(msg.Headers, HeaderStream),
		Group:   HeaderValue(msg.Headers, HeaderGroup),
		EntryID: HeaderValue(msg.Headers, HeaderEntryID),
		Reason:  HeaderValue(msg.Headers, HeaderReason),
	}
	dl.Deliveries, _ = strconv.ParseInt(HeaderValue(msg.Headers, HeaderDeliveries), 10, 64)
	if err := json.Unmarshal(msg.Value, &dl.Fields); err != nil {
		return dl, fmt.Errorf("decode dead letter: %w", err)
	}
	return dl, nil
}

func (d *DeadLetters) Close() error { return d.w.Close() }

var _ stream.DeadLetterSink = (*DeadLetters)(nil)
