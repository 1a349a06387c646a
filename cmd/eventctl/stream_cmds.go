package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/codewandler/eventvault-go/core/cache"
	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/replay"
	"github.com/codewandler/eventvault-go/core/snapshot"
	"github.com/codewandler/eventvault-go/core/storage"
	"github.com/codewandler/eventvault-go/core/stream"
	"github.com/codewandler/eventvault-go/internal/config"
	"github.com/codewandler/eventvault-go/internal/runtime"
)

const defaultGroup = "projectors"

func (c *cli) publisher(b stream.Broker, opts ...stream.PublisherOption) *stream.Publisher {
	return stream.NewPublisher(b, c.router, append([]stream.PublisherOption{
		stream.WithPublisherLogger(c.log),
		stream.WithPublisherMetrics(c.metrics),
	}, opts...)...)
}

func (c *cli) requireDomain(domain string) error {
	if domain == "" {
		return event.NewValidationError("domain", "--domain is required.")
	}
	if !c.router.HasDomain(domain) {
		return event.NewLookupError("domain", domain, c.router.Domains())
	}
	return nil
}

func cmdStreamPublish(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("stream:publish")
	var (
		domain   string
		afterSeq int64
		limit    int
		codec    string
	)
	fs.StringVar(&domain, "domain", "", "domain whose events are published (required)")
	fs.StringVar(&codec, "codec", config.String("STREAM_CODEC", "json"), "entry encoding: json|cbor")
	fs.Int64Var(&afterSeq, "after-seq", 0, "only events with a greater sequence number")
	fs.IntVar(&limit, "limit", 1000, "events to publish (0 = all)")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	if err := c.requireDomain(domain); err != nil {
		return err
	}
	enc, err := stream.CodecByName(codec)
	if err != nil {
		return err
	}

	st, err := c.connect.Storage(ctx)
	if err != nil {
		return err
	}
	streams, err := c.connect.Streams(ctx)
	if err != nil {
		return err
	}

	table := c.router.ResolveTableForDomain(domain)
	events, err := st.Tables.Read(ctx, table, storage.EventQuery{Domain: domain, AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		return err
	}
	pub := c.publisher(streams.Broker, stream.WithCodec(enc))
	ids, err := pub.PublishBatch(ctx, events)
	if len(ids) > 0 {
		last := events[len(ids)-1].SequenceNo
		c.printf("published %d events from %s to %s (last seq %d)\n", len(ids), table, pub.StreamForDomain(domain), last)
	} else if err == nil {
		c.printf("no events after seq %d in %s\n", afterSeq, table)
	}
	return err
}

func cmdStreamInfo(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("stream:info")
	var domain, name, group, format string
	var pendingLimit int
	fs.StringVar(&domain, "domain", "", "domain whose stream is inspected")
	fs.StringVar(&name, "stream", "", "stream name (overrides --domain)")
	fs.StringVar(&group, "group", defaultGroup, "consumer group")
	fs.IntVar(&pendingLimit, "pending", 20, "pending entries to list (0 = all)")
	fs.StringVar(&format, "format", "table", "output format: table|json")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	format, err := parseFormat(format)
	if err != nil {
		return err
	}
	if name == "" {
		if err := c.requireDomain(domain); err != nil {
			return err
		}
	}

	streams, err := c.connect.Streams(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		name = c.publisher(streams.Broker).StreamForDomain(domain)
	}
	info, err := streams.Broker.GroupInfo(ctx, name, group)
	if err != nil {
		return err
	}
	pending, err := streams.Broker.Pending(ctx, name, group, pendingLimit)
	if err != nil {
		return err
	}
	c.metrics.StreamPending(name, group, info.Pending)

	if format == "json" {
		return writeJSON(c.stdout, struct {
			Stream  string                `json:"stream"`
			Group   stream.GroupInfo      `json:"group"`
			Entries []stream.PendingEntry `json:"pending_entries"`
		}{name, info, pending})
	}
	c.printf("stream %s group %s: %d pending, last delivered %s\n", name, info.Name, info.Pending, orDash(info.LastDeliveredID))
	t := newTable(c.stdout, "CONSUMER", "PENDING", "IDLE")
	for _, ci := range info.Consumers {
		t.row(ci.Name, ci.Pending, ci.Idle.Round(time.Millisecond))
	}
	if err := t.flush(); err != nil {
		return err
	}
	if len(pending) > 0 {
		c.printf("\n")
		t = newTable(c.stdout, "ENTRY", "CONSUMER", "DELIVERIES", "IDLE")
		for _, p := range pending {
			t.row(p.ID, p.Consumer, p.Deliveries, p.Idle.Round(time.Millisecond))
		}
		return t.flush()
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cmdStreamWork(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("stream:work")
	var domain, group, consumer, projector, addr string
	var concurrency, dedupe int
	fs.StringVar(&domain, "domain", "", "domain whose stream is consumed (required)")
	fs.StringVar(&group, "group", defaultGroup, "consumer group")
	fs.StringVar(&consumer, "consumer", "", "consumer name (default random)")
	fs.StringVar(&projector, "projector", "", "only this projector (default all)")
	fs.IntVar(&concurrency, "concurrency", config.Int("STREAM_CONCURRENCY", 1), "aggregates handled in parallel")
	fs.IntVar(&dedupe, "dedupe", config.Int("STREAM_DEDUPE_SIZE", 10000), "recently handled event ids remembered to drop duplicates (0 disables)")
	fs.StringVar(&addr, "addr", config.String("METRICS_ADDR", ":9090"), "health and metrics listen address (empty disables)")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	if err := c.requireDomain(domain); err != nil {
		return err
	}
	projectors := c.projectors.All()
	if projector != "" {
		p, err := c.projectors.Lookup(projector)
		if err != nil {
			return err
		}
		projectors = []replay.Projector{p}
	}

	streams, err := c.connect.Streams(ctx)
	if err != nil {
		return err
	}
	name := c.publisher(streams.Broker).StreamForDomain(domain)
	var seen cache.Cache
	if dedupe > 0 {
		seen = cache.NewLRU(cache.LRUOpts{Size: dedupe, TTL: config.Duration("STREAM_DEDUPE_TTL", time.Hour)})
	}
	worker, err := stream.NewConsumer(streams.Broker, stream.ConsumerConfig{
		Stream:        name,
		Group:         group,
		Consumer:      consumer,
		MinIdle:       config.Duration("STREAM_MIN_IDLE", stream.DefaultMinIdle),
		MaxDeliveries: int64(config.Int("STREAM_MAX_DELIVERIES", stream.DefaultMaxDeliveries)),
		Concurrency:   concurrency,
		Seen:          seen,
		DeadLetters:   streams.DeadLetters,
		Upcaster:      c.upcaster,
		Logger:        c.log,
		Metrics:       c.metrics,
	})
	if err != nil {
		return err
	}

	if addr != "" {
		srv := c.metricsServer(addr, streams.Ready)
		go func() {
			c.log.Info("http server starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error("http server error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				c.log.Error("http server shutdown error", "err", err)
			}
			c.log.Info("http server stopped")
		}()
	}

	c.log.Info("worker started", "stream", name, "group", group, "consumer", worker.Name())
	return worker.Run(ctx, func(ctx context.Context, msg stream.Message) error {
		return replay.Project(ctx, projectors, msg.Event)
	})
}

func (c *cli) metricsServer(addr string, ready []runtime.ReadyCheck) *http.Server {
	mux := runtime.NewBaseMuxWithReady(ready...)
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry}))
	return &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "eventctl"),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func cmdSchemaApply(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("schema:apply")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	st, err := c.connect.Storage(ctx)
	if err != nil {
		return err
	}
	if st.ApplySchema == nil {
		c.printf("backend needs no schema\n")
		return nil
	}
	tables := snapshot.DefaultTables()
	snapshotTables := make([]string, 0, len(tables))
	for _, d := range sortedKeys(tables) {
		snapshotTables = append(snapshotTables, tables[d])
	}
	if err := st.ApplySchema(ctx, c.router.Tables(), snapshotTables); err != nil {
		return err
	}
	c.printf("applied schema: %d event tables, %d snapshot tables\n", len(c.router.Tables()), len(snapshotTables))
	return nil
}
