// Package aggregate folds event streams into in-memory aggregate state. It
// backs event:rebuild and the snapshot lifecycle.
package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/storage"
)

var ErrInvalidEvent = errors.New("invalid event")

// Recorded is an event raised by a command but not yet persisted.
type Recorded struct {
	Type    string        `json:"type"`
	Payload event.Payload `json:"payload"`
}

// Root is implemented by every aggregate. Embed BaseRoot to get the
// bookkeeping methods.
//
// Apply receives the current-schema payload and must tolerate being called
// again for an event it has already seen during a replay.
type Root interface {
	AggregateType() string
	AggregateID() string

	// Version is the number of events folded so far, snapshots included.
	Version() int64
	setVersion(int64)
	// Seq is the sequence number of the last folded event.
	Seq() int64
	setSeq(int64)

	Apply(eventType string, p event.Payload) error

	Raise(eventType string, p event.Payload)
	Uncommitted() []Recorded
	ClearUncommitted()
}

// BaseRoot is an embeddable helper that tracks identity, version and
// uncommitted events.
type BaseRoot struct {
	id          string
	version     int64
	seq         int64
	uncommitted []Recorded
}

func NewBaseRoot(id string) BaseRoot { return BaseRoot{id: id} }

func (b *BaseRoot) AggregateID() string { return b.id }
func (b *BaseRoot) Version() int64      { return b.version }
func (b *BaseRoot) setVersion(v int64)  { b.version = v }
func (b *BaseRoot) Seq() int64          { return b.seq }
func (b *BaseRoot) setSeq(s int64)      { b.seq = s }
func (b *BaseRoot) ClearUncommitted()   { b.uncommitted = nil }
func (b *BaseRoot) Raise(t string, p event.Payload) {
	b.uncommitted = append(b.uncommitted, Recorded{Type: t, Payload: p})
}

func (b *BaseRoot) Uncommitted() []Recorded {
	out := make([]Recorded, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

type raiseApplier interface {
	Raise(eventType string, p event.Payload)
	Apply(eventType string, p event.Payload) error
}

// RaiseAndApply records the event as uncommitted and applies it.
func RaiseAndApply(a raiseApplier, eventType string, p event.Payload) error {
	if err := a.Apply(eventType, p); err != nil {
		return err
	}
	a.Raise(eventType, p)
	return nil
}

// Fold applies a stored event whose payload is already at the current schema.
func Fold(root Root, e event.StoredEvent) error {
	if e.AggregateID != root.AggregateID() {
		return fmt.Errorf("%w: event %s belongs to %s, not %s", ErrInvalidEvent, e.ID, e.AggregateID, root.AggregateID())
	}
	p, err := e.Decode()
	if err != nil {
		return err
	}
	if err := root.Apply(e.EventType, p); err != nil {
		return fmt.Errorf("apply %s (seq %d): %w", e.EventType, e.SequenceNo, err)
	}
	root.setVersion(root.Version() + 1)
	if e.SequenceNo > root.Seq() {
		root.setSeq(e.SequenceNo)
	}
	return nil
}

// Snapshottable lets an aggregate control its snapshot encoding. Others are
// encoded with encoding/json.
type Snapshottable interface {
	Snapshot() ([]byte, error)
	RestoreSnapshot(data []byte) error
}

// State encodes the aggregate for a snapshot.
func State(root Root) (json.RawMessage, error) {
	if s, ok := root.(Snapshottable); ok {
		return s.Snapshot()
	}
	return json.Marshal(root)
}

// Restore loads snapshot state into root.
func Restore(root Root, s *storage.Snapshot) error {
	var err error
	if ss, ok := root.(Snapshottable); ok {
		err = ss.RestoreSnapshot(s.State)
	} else {
		err = json.Unmarshal(s.State, root)
	}
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	root.setVersion(s.EventCount)
	root.setSeq(s.SequenceNo)
	return nil
}
