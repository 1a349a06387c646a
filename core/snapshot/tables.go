// Package snapshot creates aggregate snapshots and prunes old ones while
// keeping the newest snapshot of every aggregate.
package snapshot

import (
	"sort"
	"strings"

	"github.com/codewandler/eventvault-go/core/aggregate"
)

// DefaultTables maps snapshot domains to their tables.
func DefaultTables() map[string]string {
	return map[string]string{
		"transaction": "transaction_snapshots",
		"transfer":    "transfer_snapshots",
		"ledger":      "ledger_snapshots",
		"treasury":    "treasury_snapshots",
		"lending":     "lending_snapshots",
		"stablecoin":  "stablecoin_snapshots",
		"exchange":    "exchange_snapshots",
	}
}

// Kind binds a snapshot type to its table and the aggregate type it captures.
type Kind struct {
	Type      string
	Table     string
	Aggregate string
	// Always snapshots every matching aggregate, ignoring the threshold.
	Always bool
}

// DefaultKinds are the snapshot types snapshot:create supports.
func DefaultKinds() []Kind {
	return []Kind{
		{Type: "transaction", Table: "transaction_snapshots", Aggregate: aggregate.TypeTransaction},
		{Type: "transfer", Table: "transfer_snapshots", Aggregate: aggregate.TypeTransfer},
		{Type: "ledger", Table: "ledger_snapshots", Aggregate: aggregate.TypeLedger, Always: true},
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
