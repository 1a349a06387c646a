// Package stats reports per-domain event counts and growth.
package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/router"
	"github.com/codewandler/eventvault-go/core/storage"
)

type DomainStats struct {
	Domain     string `json:"domain"`
	Table      string `json:"table"`
	Exists     bool   `json:"exists"`
	Total      int64  `json:"total"`
	Last24h    int64  `json:"last_24h"`
	Last7d     int64  `json:"last_7d"`
	Unmigrated int64  `json:"unmigrated"`
}

type Collector struct {
	router      *router.Router
	tables      storage.EventTables
	now         func() time.Time
	concurrency int
}

type Option func(*Collector)

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func WithConcurrency(n int) Option {
	return func(c *Collector) { c.concurrency = n }
}

func NewCollector(r *router.Router, tables storage.EventTables, opts ...Option) *Collector {
	c := &Collector{router: r, tables: tables, now: time.Now, concurrency: 4}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect returns stats for one domain, or for every mapped domain when
// domain is empty. Results are sorted by domain.
func (c *Collector) Collect(ctx context.Context, domain string) ([]DomainStats, error) {
	domains := c.router.Domains()
	if domain != "" {
		if !c.router.HasDomain(domain) {
			return nil, event.NewLookupError("domain", domain, domains)
		}
		domains = []string{domain}
	}

	now := c.now()
	var mu sync.Mutex
	out := make([]DomainStats, 0, len(domains))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, d := range domains {
		g.Go(func() error {
			s, err := c.collect(ctx, d, now)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (c *Collector) collect(ctx context.Context, domain string, now time.Time) (DomainStats, error) {
	s := DomainStats{Domain: domain, Table: c.router.ResolveTableForDomain(domain)}
	ok, err := c.tables.TableExists(ctx, s.Table)
	if err != nil || !ok {
		return s, err
	}
	s.Exists = true

	q := storage.EventQuery{Domain: domain}
	if s.Total, err = c.tables.Count(ctx, s.Table, q); err != nil {
		return s, err
	}
	q.From = now.Add(-24 * time.Hour)
	if s.Last24h, err = c.tables.Count(ctx, s.Table, q); err != nil {
		return s, err
	}
	q.From = now.AddDate(0, 0, -7)
	if s.Last7d, err = c.tables.Count(ctx, s.Table, q); err != nil {
		return s, err
	}

	def := c.router.DefaultTable()
	if def != s.Table {
		if ok, err := c.tables.TableExists(ctx, def); err != nil {
			return s, err
		} else if ok {
			if s.Unmigrated, err = c.tables.CountPending(ctx, def, s.Table, domain); err != nil {
				return s, err
			}
		}
	}
	return s, nil
}
