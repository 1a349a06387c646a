// Package stream distributes stored events over a durable, ordered log with
// consumer groups. Delivery is at least once: an entry stays pending until it
// is acknowledged, and pending entries idle for too long are reclaimed by
// another consumer.
package stream

import (
	"context"
	"errors"
	"time"
)

var (
	ErrGroupNotFound  = errors.New("consumer group not found")
	ErrStreamNotFound = errors.New("stream not found")
	ErrInvalidEntryID = errors.New("invalid entry id")
)

// Entry is one stream record. IDs are assigned by the broker and increase
// monotonically within a stream.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry is delivered to a consumer but not yet acknowledged.
type PendingEntry struct {
	ID         string        `json:"id"`
	Consumer   string        `json:"consumer"`
	Deliveries int64         `json:"deliveries"`
	Idle       time.Duration `json:"idle"`
}

type ConsumerInfo struct {
	Name    string        `json:"name"`
	Pending int64         `json:"pending"`
	Idle    time.Duration `json:"idle"`
}

type GroupInfo struct {
	Name            string         `json:"name"`
	Pending         int64          `json:"pending"`
	LastDeliveredID string         `json:"last_delivered_id"`
	Consumers       []ConsumerInfo `json:"consumers"`
}

// Start positions for CreateGroup.
const (
	StartFromBeginning = "0"
	StartFromNew       = "$"
)

// Broker is the log primitive the publisher and consumers run on. The
// semantics follow Redis Streams: ReadGroup hands out never-delivered entries
// and marks them pending for the reading consumer; Claim moves pending
// entries idle for at least minIdle to another consumer and bumps their
// delivery count. No call blocks waiting for new entries.
type Broker interface {
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	// CreateGroup is a no-op when the group already exists.
	CreateGroup(ctx context.Context, stream, group, start string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
	Pending(ctx context.Context, stream, group string, count int) ([]PendingEntry, error)
	GroupInfo(ctx context.Context, stream, group string) (GroupInfo, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error)
}
