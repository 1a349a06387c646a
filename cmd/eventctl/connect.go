package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/codewandler/eventvault-go/adapters/kafka"
	"github.com/codewandler/eventvault-go/adapters/nats"
	"github.com/codewandler/eventvault-go/adapters/postgres"
	"github.com/codewandler/eventvault-go/adapters/redis"
	"github.com/codewandler/eventvault-go/internal/config"
	"github.com/codewandler/eventvault-go/internal/runtime"
)

// envConnector opens the production backends named by environment variables.
type envConnector struct {
	log *slog.Logger

	mu      sync.Mutex
	storage *Storage
	streams *Streams
	closers []func()
}

func newEnvConnector(log *slog.Logger) *envConnector {
	return &envConnector{log: log}
}

func (e *envConnector) Storage(ctx context.Context) (*Storage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.storage != nil {
		return e.storage, nil
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	pool, err := postgres.Open(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	e.closers = append(e.closers, pool.Close)

	store := postgres.NewStore(pool, postgres.WithLogger(e.log))
	e.storage = &Storage{
		Tables:    store,
		Records:   store,
		Snapshots: store,
		ApplySchema: func(ctx context.Context, eventTables, snapshotTables []string) error {
			return postgres.Schema{EventTables: eventTables, SnapshotTables: snapshotTables}.Apply(ctx, pool)
		},
		Ready: []runtime.ReadyCheck{{Name: "postgres", Check: postgres.ReadyCheck(pool)}},
	}
	return e.storage, nil
}

func (e *envConnector) Streams(ctx context.Context) (*Streams, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streams != nil {
		return e.streams, nil
	}

	redisURL, err := config.RequiredString("REDIS_URL")
	if err != nil {
		return nil, err
	}
	rdb, err := redis.Open(ctx, redisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	e.closers = append(e.closers, func() { _ = rdb.Close() })

	s := &Streams{
		Broker: redis.NewBroker(rdb,
			redis.WithLogger(e.log),
			redis.WithMaxLen(int64(config.Int("STREAM_MAX_LEN", 0))),
		),
		Ready: []runtime.ReadyCheck{{Name: "redis", Check: redis.ReadyCheck(rdb)}},
	}

	switch backend := strings.ToLower(config.String("DLQ_BACKEND", "stream")); backend {
	case "stream":
	case "kafka":
		brokers := config.String("KAFKA_BROKERS", "")
		if len(kafka.SplitBrokers(brokers)) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when DLQ_BACKEND=kafka")
		}
		dl := kafka.NewDeadLetters(kafka.SplitBrokers(brokers), config.String("KAFKA_DLQ_TOPIC", kafka.DefaultTopic), kafka.WithLogger(e.log))
		e.closers = append(e.closers, func() { _ = dl.Close() })
		s.DeadLetters = dl
		s.Ready = append(s.Ready, runtime.ReadyCheck{Name: "kafka", Check: kafka.ReadyCheck(brokers)})
	case "nats":
		dl, err := nats.NewDeadLetters(ctx, nats.DeadLetterConfig{
			Connect:    nats.ConnectDefault(),
			Log:        e.log,
			StreamName: config.String("NATS_DLQ_STREAM", ""),
		})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		e.closers = append(e.closers, dl.Close)
		s.DeadLetters = dl
		s.Ready = append(s.Ready, runtime.ReadyCheck{Name: "nats", Check: dl.Ready()})
	default:
		return nil, fmt.Errorf("DLQ_BACKEND must be one of stream, kafka, nats (got %q)", backend)
	}

	e.streams = s
	return s, nil
}

func (e *envConnector) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

var _ Connector = (*envConnector)(nil)
