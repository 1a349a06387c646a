// Package migration relocates events from the shared legacy table into their
// per-domain tables and verifies the result.
package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash"
	"log/slog"

	"golang.org/x/crypto/blake2b"

	"github.com/codewandler/eventvault-go/core/event"
	"github.com/codewandler/eventvault-go/core/storage"
)

// Check names, in report order.
const (
	CheckSourceTableExists = "source_table_exists"
	CheckTargetTableExists = "target_table_exists"
	CheckRowCountParity    = "row_count_parity"
	CheckMissingEvents     = "missing_events"
	CheckPayloadChecksum   = "payload_checksum"
)

var checkOrder = []string{
	CheckSourceTableExists,
	CheckTargetTableExists,
	CheckRowCountParity,
	CheckMissingEvents,
	CheckPayloadChecksum,
}

type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Report always carries every check, in a fixed order.
type Report struct {
	Domain      string  `json:"domain"`
	SourceTable string  `json:"source_table"`
	TargetTable string  `json:"target_table"`
	Valid       bool    `json:"valid"`
	Checks      []Check `json:"checks"`
}

// Check returns the named check.
func (r Report) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Failed lists the names of failed checks.
func (r Report) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

const checksumBatch = 1000

// Validator compares a source/target table pair for one domain. It only reads.
type Validator struct {
	tables storage.EventTables
	log    *slog.Logger
}

func NewValidator(tables storage.EventTables, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{tables: tables, log: log.With(slog.String("component", "migration_validator"))}
}

func (v *Validator) Validate(ctx context.Context, source, target, domain string) (Report, error) {
	results := map[string]Check{}
	set := func(name string, passed bool, format string, args ...any) {
		results[name] = Check{Name: name, Passed: passed, Detail: fmt.Sprintf(format, args...)}
	}
	report := func() Report {
		r := Report{Domain: domain, SourceTable: source, TargetTable: target, Valid: true}
		for _, name := range checkOrder {
			c, ok := results[name]
			if !ok {
				c = Check{Name: name, Detail: "skipped: prerequisite check failed"}
			}
			r.Valid = r.Valid && c.Passed
			r.Checks = append(r.Checks, c)
		}
		return r
	}

	srcOK, err := v.tables.TableExists(ctx, source)
	if err != nil {
		return Report{}, err
	}
	set(CheckSourceTableExists, srcOK, "table %s exists: %t", source, srcOK)

	dstOK, err := v.tables.TableExists(ctx, target)
	if err != nil {
		return Report{}, err
	}
	set(CheckTargetTableExists, dstOK, "table %s exists: %t", target, dstOK)

	if !srcOK || !dstOK {
		for _, name := range checkOrder[2:] {
			reason := "target table missing"
			if !srcOK {
				reason = "source table missing"
			}
			set(name, false, "skipped: %s", reason)
		}
		r := report()
		v.log.Warn("validation short-circuited", slog.String("domain", domain), slog.Any("failed", r.Failed()))
		return r, nil
	}

	q := storage.EventQuery{Domain: domain}
	srcCount, err := v.tables.Count(ctx, source, q)
	if err != nil {
		return Report{}, err
	}
	dstCount, err := v.tables.Count(ctx, target, q)
	if err != nil {
		return Report{}, err
	}
	// the target may already hold events appended after the cut-over
	set(CheckRowCountParity, dstCount >= srcCount, "source=%d target=%d", srcCount, dstCount)

	missing, err := v.tables.CountPending(ctx, source, target, domain)
	if err != nil {
		return Report{}, err
	}
	set(CheckMissingEvents, missing == 0, "%d source events missing from target", missing)

	srcSum, dstSum, compared, err := v.checksums(ctx, source, target, domain)
	if err != nil {
		return Report{}, err
	}
	set(CheckPayloadChecksum, bytes.Equal(srcSum, dstSum), "compared=%d source=%x target=%x", compared, srcSum[:8], dstSum[:8])

	r := report()
	v.log.Info(
		"validation finished",
		slog.String("domain", domain),
		slog.Bool("valid", r.Valid),
		slog.Any("failed", r.Failed()),
	)
	return r, nil
}

// checksums hashes (id, canonical payload) of every source event that is
// present in target, on both sides, in sequence order.
func (v *Validator) checksums(ctx context.Context, source, target, domain string) (src, dst []byte, compared int, err error) {
	hs, _ := blake2b.New256(nil)
	hd, _ := blake2b.New256(nil)

	var after int64
	for {
		batch, err := v.tables.Read(ctx, source, storage.EventQuery{Domain: domain, AfterSeq: after, Limit: checksumBatch})
		if err != nil {
			return nil, nil, 0, err
		}
		if len(batch) == 0 {
			break
		}
		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		copies, err := v.tables.Read(ctx, target, storage.EventQuery{IDs: ids})
		if err != nil {
			return nil, nil, 0, err
		}
		byID := make(map[string]event.StoredEvent, len(copies))
		for _, e := range copies {
			byID[e.ID] = e
		}
		for _, e := range batch {
			c, ok := byID[e.ID]
			if !ok {
				continue
			}
			if err := writeCanonical(hs, e); err != nil {
				return nil, nil, 0, err
			}
			if err := writeCanonical(hd, c); err != nil {
				return nil, nil, 0, err
			}
			compared++
		}
		after = batch[len(batch)-1].SequenceNo
	}
	return hs.Sum(nil), hd.Sum(nil), compared, nil
}

func writeCanonical(h hash.Hash, e event.StoredEvent) error {
	p, err := e.Decode()
	if err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	h.Write([]byte(e.ID))
	h.Write([]byte{0})
	h.Write(b)
	h.Write([]byte{0})
	return nil
}
