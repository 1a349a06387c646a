// Package event defines the stored event record shared by every component of
// the event infrastructure, plus the error kinds operators see.
package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload is a decoded event body. Upcasters and projectors work on this form.
type Payload map[string]any

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// DecodePayload parses a raw JSON body. An empty body decodes to an empty payload.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	p := Payload{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Encode marshals p back to JSON.
func (p Payload) Encode() (json.RawMessage, error) {
	if p == nil {
		p = Payload{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// StoredEvent is an immutable record in the append-only log.
//
// SequenceNo is assigned on append and increases monotonically across the
// whole log, so it orders events both within an aggregate and globally.
type StoredEvent struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Domain        string          `json:"domain"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	SequenceNo    int64           `json:"sequence_no"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// New builds an event with a fresh id and schema version 1. SequenceNo is left
// for the storage layer to assign.
func New(aggregateType, aggregateID, domain, eventType string, payload Payload) (StoredEvent, error) {
	raw, err := payload.Encode()
	if err != nil {
		return StoredEvent{}, err
	}
	return StoredEvent{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Domain:        domain,
		EventType:     eventType,
		SchemaVersion: 1,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
	}, nil
}

// Decode returns the payload in its stored (not upcast) form.
func (e StoredEvent) Decode() (Payload, error) { return DecodePayload(e.Payload) }

// ShortName is the last namespace segment of the event type.
func (e StoredEvent) ShortName() string { return ShortName(e.EventType) }

func (e StoredEvent) LogAttrs() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("type", e.EventType),
		slog.String("aggregate_id", e.AggregateID),
		slog.Int("schema_version", e.SchemaVersion),
		slog.Int64("seq", e.SequenceNo),
	)
}

// ShortName returns the final segment of a namespaced event type name.
// Both `\` and `/` are accepted as separators.
func ShortName(eventType string) string {
	i := strings.LastIndexAny(eventType, `\/`)
	if i < 0 {
		return eventType
	}
	return eventType[i+1:]
}

// Less orders events by sequence, then by occurrence time.
func Less(a, b StoredEvent) bool {
	if a.SequenceNo != b.SequenceNo {
		return a.SequenceNo < b.SequenceNo
	}
	return a.OccurredAt.Before(b.OccurredAt)
}
