// Package redis implements stream.Broker on Redis Streams consumer groups.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/eventvault-go/core/stream"
)

const pendingPage = 1000

// Open parses a redis:// URL and verifies the server answers.
func Open(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func ReadyCheck(rdb goredis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}

type BrokerOption func(*Broker)

func WithLogger(log *slog.Logger) BrokerOption {
	return func(b *Broker) { b.log = log }
}

// WithMaxLen caps every stream at roughly n entries (XADD MAXLEN ~).
func WithMaxLen(n int64) BrokerOption {
	return func(b *Broker) { b.maxLen = n }
}

type Broker struct {
	rdb    goredis.UniversalClient
	log    *slog.Logger
	maxLen int64
}

func NewBroker(rdb goredis.UniversalClient, opts ...BrokerOption) *Broker {
	b := &Broker{rdb: rdb, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(slog.String("component", "redis.broker"))
	return b
}

func (b *Broker) Append(ctx context.Context, s string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &goredis.XAddArgs{Stream: s, Values: values}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s, err)
	}
	return id, nil
}

func (b *Broker) CreateGroup(ctx context.Context, s, group, start string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, s, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", s, group, err)
	}
	if err == nil {
		b.log.Info("consumer group created", slog.String("stream", s), slog.String("group", group), slog.String("start", start))
	}
	return nil
}

func (b *Broker) ReadGroup(ctx context.Context, s, group, consumer string, count int) ([]stream.Entry, error) {
	res, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s, ">"},
		Count:    int64(count),
		Block:    -1,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(s, group, err)
	}
	var out []stream.Entry
	for _, xs := range res {
		out = append(out, toEntries(xs.Messages)...)
	}
	return out, nil
}

func (b *Broker) Ack(ctx context.Context, s, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := b.rdb.XAck(ctx, s, group, ids...).Result()
	if err != nil {
		return 0, mapErr(s, group, err)
	}
	return n, nil
}

func (b *Broker) Pending(ctx context.Context, s, group string, count int) ([]stream.PendingEntry, error) {
	var out []stream.PendingEntry
	start := "-"
	for {
		page := int64(pendingPage)
		if count > 0 && int64(count-len(out)) < page {
			page = int64(count - len(out))
		}
		res, err := b.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: s,
			Group:  group,
			Start:  start,
			End:    "+",
			Count:  page,
		}).Result()
		if err != nil {
			return nil, mapErr(s, group, err)
		}
		for _, p := range res {
			out = append(out, stream.PendingEntry{
				ID:         p.ID,
				Consumer:   p.Consumer,
				Deliveries: p.RetryCount,
				Idle:       p.Idle,
			})
		}
		if int64(len(res)) < page || (count > 0 && len(out) >= count) {
			return out, nil
		}
		start = "(" + res[len(res)-1].ID
	}
}

func (b *Broker) GroupInfo(ctx context.Context, s, group string) (stream.GroupInfo, error) {
	groups, err := b.rdb.XInfoGroups(ctx, s).Result()
	if err != nil {
		return stream.GroupInfo{}, mapErr(s, group, err)
	}
	for _, g := range groups {
		if g.Name != group {
			continue
		}
		info := stream.GroupInfo{Name: g.Name, Pending: g.Pending, LastDeliveredID: g.LastDeliveredID}
		if info.LastDeliveredID == "0-0" {
			info.LastDeliveredID = ""
		}
		consumers, err := b.rdb.XInfoConsumers(ctx, s, group).Result()
		if err != nil {
			return stream.GroupInfo{}, mapErr(s, group, err)
		}
		for _, c := range consumers {
			info.Consumers = append(info.Consumers, stream.ConsumerInfo{Name: c.Name, Pending: c.Pending, Idle: c.Idle})
		}
		return info, nil
	}
	return stream.GroupInfo{}, fmt.Errorf("%w: %s/%s", stream.ErrGroupNotFound, s, group)
}

func (b *Broker) Claim(ctx context.Context, s, group, consumer string, minIdle time.Duration, ids ...string) ([]stream.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := b.rdb.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   s,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, mapErr(s, group, err)
	}
	return toEntries(msgs), nil
}

func toEntries(msgs []goredis.XMessage) []stream.Entry {
	out := make([]stream.Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			fields[k] = fmt.Sprint(v)
		}
		out = append(out, stream.Entry{ID: m.ID, Fields: fields})
	}
	return out
}

func mapErr(s, group string, err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOGROUP"):
		return fmt.Errorf("%w: %s/%s", stream.ErrGroupNotFound, s, group)
	case strings.Contains(msg, "no such key"):
		return fmt.Errorf("%w: %s", stream.ErrStreamNotFound, s)
	}
	return err
}

var _ stream.Broker = (*Broker)(nil)
