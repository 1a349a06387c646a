// Package router maps event types and domains onto physical event tables.
package router

import (
	"log/slog"
	"sort"
	"strings"
)

const (
	// UnknownDomain is returned by ExtractDomain for names outside the convention.
	UnknownDomain = "Unknown"
	// DefaultTable receives events whose domain has no dedicated table.
	DefaultTable = "stored_events"
)

// DefaultDomainTables is the reference deployment's domain to table map.
func DefaultDomainTables() map[string]string {
	return map[string]string{
		"Account":              "account_events",
		"Activity":             "activity_events",
		"AgentProtocol":        "agent_protocol_events",
		"AI":                   "ai_events",
		"Asset":                "asset_events",
		"Banking":              "banking_events",
		"Basket":               "basket_events",
		"Batch":                "batch_events",
		"CardIssuance":         "card_issuance_events",
		"Cgo":                  "cgo_events",
		"Commerce":             "commerce_events",
		"Compliance":           "compliance_events",
		"Custodian":            "custodian_events",
		"DeFi":                 "defi_events",
		"Exchange":             "exchange_events",
		"FinancialInstitution": "financial_institution_events",
		"Fraud":                "fraud_events",
		"Governance":           "governance_events",
		"KeyManagement":        "key_management_events",
		"Lending":              "lending_events",
		"Mobile":               "mobile_events",
		"Monitoring":           "monitoring_events",
		"Payment":              "payment_events",
		"Performance":          "performance_events",
		"Privacy":              "privacy_events",
		"Product":              "product_events",
		"Regulatory":           "regulatory_events",
		"Relayer":              "relayer_events",
		"Stablecoin":           "stablecoin_events",
		"Treasury":             "treasury_events",
		"TrustCert":            "trust_cert_events",
		"User":                 "user_events",
		"Wallet":               "wallet_events",
	}
}

type options struct {
	tables       map[string]string
	defaultTable string
	log          *slog.Logger
}

type Option func(*options)

// WithTables replaces the domain map.
func WithTables(tables map[string]string) Option {
	return func(o *options) { o.tables = tables }
}

// WithDefaultTable replaces the fallback table.
func WithDefaultTable(table string) Option {
	return func(o *options) { o.defaultTable = table }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// Router resolves tables. It is immutable after New and safe for concurrent use.
type Router struct {
	tables       map[string]string
	defaultTable string
	log          *slog.Logger
}

func New(opts ...Option) *Router {
	o := &options{
		tables:       DefaultDomainTables(),
		defaultTable: DefaultTable,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	tables := make(map[string]string, len(o.tables))
	for d, t := range o.tables {
		tables[d] = t
	}
	if o.defaultTable == "" {
		o.defaultTable = DefaultTable
	}
	return &Router{
		tables:       tables,
		defaultTable: o.defaultTable,
		log:          o.log.With(slog.String("component", "router")),
	}
}

// ExtractDomain returns X for names shaped like `...\Domain\X\Events\Name`
// (either separator) and UnknownDomain for anything else.
func ExtractDomain(eventType string) string {
	parts := strings.FieldsFunc(eventType, func(r rune) bool { return r == '\\' || r == '/' })
	for i := 0; i+3 < len(parts); i++ {
		if parts[i] == "Domain" && parts[i+2] == "Events" {
			return parts[i+1]
		}
	}
	return UnknownDomain
}

func (r *Router) ExtractDomain(eventType string) string { return ExtractDomain(eventType) }

func (r *Router) ResolveTableForEvent(eventType string) string {
	return r.ResolveTableForDomain(ExtractDomain(eventType))
}

func (r *Router) ResolveTableForDomain(domain string) string {
	if t, ok := r.tables[domain]; ok {
		return t
	}
	r.log.Debug("domain not mapped, using default table", slog.String("domain", domain))
	return r.defaultTable
}

// HasDomain reports whether domain has its own table.
func (r *Router) HasDomain(domain string) bool {
	_, ok := r.tables[domain]
	return ok
}

func (r *Router) DefaultTable() string { return r.defaultTable }

// DomainTableMap returns a copy of the domain map.
func (r *Router) DomainTableMap() map[string]string {
	out := make(map[string]string, len(r.tables))
	for d, t := range r.tables {
		out[d] = t
	}
	return out
}

// Domains returns mapped domain names, sorted.
func (r *Router) Domains() []string {
	out := make([]string, 0, len(r.tables))
	for d := range r.tables {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Tables returns every physical table, including the default, sorted and deduplicated.
func (r *Router) Tables() []string {
	seen := map[string]struct{}{r.defaultTable: {}}
	for _, t := range r.tables {
		seen[t] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
