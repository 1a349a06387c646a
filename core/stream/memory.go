package stream

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memPending struct {
	consumer    string
	deliveries  int64
	deliveredAt time.Time
}

type memGroup struct {
	next      int // index of the first never-delivered entry
	pending   map[string]*memPending
	consumers map[string]time.Time // last seen
}

type memStream struct {
	seq     int64
	entries []Entry
	index   map[string]int
	groups  map[string]*memGroup
}

// MemoryBroker is an in-process Broker for tests and single-node runs.
type MemoryBroker struct {
	mu      sync.Mutex
	now     func() time.Time
	streams map[string]*memStream
}

type MemoryBrokerOption func(*MemoryBroker)

func WithBrokerClock(now func() time.Time) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.now = now }
}

func NewMemoryBroker(opts ...MemoryBrokerOption) *MemoryBroker {
	b := &MemoryBroker{now: time.Now, streams: map[string]*memStream{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{index: map[string]int{}, groups: map[string]*memGroup{}}
		b.streams[name] = s
	}
	return s
}

func (b *MemoryBroker) group(stream, group string) (*memStream, *memGroup, error) {
	s, ok := b.streams[stream]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrGroupNotFound, stream, group)
	}
	return s, g, nil
}

func (b *MemoryBroker) Append(_ context.Context, stream string, fields map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	s.seq++
	id := fmt.Sprintf("%d-%d", b.now().UnixMilli(), s.seq)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.index[id] = len(s.entries)
	s.entries = append(s.entries, Entry{ID: id, Fields: copied})
	return id, nil
}

func (b *MemoryBroker) CreateGroup(_ context.Context, stream, group, start string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	next, err := s.startIndex(start)
	if err != nil {
		return err
	}
	s.groups[group] = &memGroup{next: next, pending: map[string]*memPending{}, consumers: map[string]time.Time{}}
	return nil
}

// startIndex resolves a group start position to the index of the first entry
// the group delivers: "$" is past the end, otherwise the first entry whose id
// is greater than start.
func (s *memStream) startIndex(start string) (int, error) {
	if start == StartFromNew {
		return len(s.entries), nil
	}
	if start == "" {
		return 0, nil
	}
	after, err := parseEntryID(start)
	if err != nil {
		return 0, err
	}
	return sort.Search(len(s.entries), func(i int) bool {
		id, _ := parseEntryID(s.entries[i].ID)
		return id.after(after)
	}), nil
}

type entryID struct{ ms, seq uint64 }

func (a entryID) after(b entryID) bool {
	return a.ms > b.ms || (a.ms == b.ms && a.seq > b.seq)
}

// parseEntryID accepts "<ms>" and "<ms>-<seq>".
func parseEntryID(id string) (entryID, error) {
	msPart, seqPart, hasSeq := strings.Cut(id, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("%w: %q", ErrInvalidEntryID, id)
	}
	var seq uint64
	if hasSeq {
		if seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
			return entryID{}, fmt.Errorf("%w: %q", ErrInvalidEntryID, id)
		}
	}
	return entryID{ms: ms, seq: seq}, nil
}

func (b *MemoryBroker) ReadGroup(_ context.Context, stream, group, consumer string, count int) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, g, err := b.group(stream, group)
	if err != nil {
		return nil, err
	}
	now := b.now()
	g.consumers[consumer] = now

	var out []Entry
	for g.next < len(s.entries) && (count <= 0 || len(out) < count) {
		e := s.entries[g.next]
		g.next++
		g.pending[e.ID] = &memPending{consumer: consumer, deliveries: 1, deliveredAt: now}
		out = append(out, e)
	}
	return out, nil
}

func (b *MemoryBroker) Ack(_ context.Context, stream, group string, ids ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, g, err := b.group(stream, group)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBroker) pendingSorted(s *memStream, g *memGroup) []string {
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.index[ids[i]] < s.index[ids[j]] })
	return ids
}

func (b *MemoryBroker) Pending(_ context.Context, stream, group string, count int) ([]PendingEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, g, err := b.group(stream, group)
	if err != nil {
		return nil, err
	}
	now := b.now()
	var out []PendingEntry
	for _, id := range b.pendingSorted(s, g) {
		p := g.pending[id]
		out = append(out, PendingEntry{ID: id, Consumer: p.consumer, Deliveries: p.deliveries, Idle: now.Sub(p.deliveredAt)})
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func (b *MemoryBroker) GroupInfo(_ context.Context, stream, group string) (GroupInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, g, err := b.group(stream, group)
	if err != nil {
		return GroupInfo{}, err
	}
	now := b.now()
	info := GroupInfo{Name: group, Pending: int64(len(g.pending))}
	if g.next > 0 {
		info.LastDeliveredID = s.entries[g.next-1].ID
	}
	perConsumer := map[string]int64{}
	for _, p := range g.pending {
		perConsumer[p.consumer]++
	}
	for name, seen := range g.consumers {
		info.Consumers = append(info.Consumers, ConsumerInfo{Name: name, Pending: perConsumer[name], Idle: now.Sub(seen)})
	}
	sort.Slice(info.Consumers, func(i, j int) bool { return info.Consumers[i].Name < info.Consumers[j].Name })
	return info, nil
}

func (b *MemoryBroker) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, g, err := b.group(stream, group)
	if err != nil {
		return nil, err
	}
	now := b.now()
	g.consumers[consumer] = now

	var out []Entry
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveries++
		p.deliveredAt = now
		out = append(out, s.entries[s.index[id]])
	}
	return out, nil
}

var _ Broker = (*MemoryBroker)(nil)
