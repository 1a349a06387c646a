package stream

import (
	"context"
	"strconv"
)

// DeadLetter is an entry given up on after too many deliveries, or one that
// could not be decoded at all.
type DeadLetter struct {
	Stream     string
	Group      string
	EntryID    string
	Deliveries int64
	Reason     string
	Fields     map[string]string
}

// DeadLetterSink receives entries the consumer stops retrying.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// DeadLetterStream returns the default dead-letter stream for stream.
func DeadLetterStream(stream string) string { return stream + ":dead" }

// BrokerDeadLetters appends dead letters to "<stream>:dead" on the same broker.
type BrokerDeadLetters struct {
	broker Broker
}

func NewBrokerDeadLetters(b Broker) *BrokerDeadLetters { return &BrokerDeadLetters{broker: b} }

func (s *BrokerDeadLetters) DeadLetter(ctx context.Context, dl DeadLetter) error {
	fields := make(map[string]string, len(dl.Fields)+4)
	for k, v := range dl.Fields {
		fields[k] = v
	}
	fields["dead_group"] = dl.Group
	fields["dead_entry_id"] = dl.EntryID
	fields["dead_deliveries"] = strconv.FormatInt(dl.Deliveries, 10)
	fields["dead_reason"] = dl.Reason
	_, err := s.broker.Append(ctx, DeadLetterStream(dl.Stream), fields)
	return err
}
