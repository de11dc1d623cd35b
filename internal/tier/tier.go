// Package tier is the static policy table mapping a tier id to its rate
// limit, monthly quota and feature set.
package tier

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"defidash/go-backend/internal/platform/faults"
)

const (
	Free         = "free"
	Starter      = "starter"
	Professional = "professional"
	Enterprise   = "enterprise"
)

// Feature flags gated by tier.
const (
	FeaturePortfolio = "portfolio"
	FeaturePrices    = "prices"
	FeatureGPU       = "gpu_marketplace"
	FeatureWebhooks  = "webhooks"
	FeatureAgents    = "agent_wallets"
)

// Definition is immutable once it is part of a Table. A nil MonthlyQuota
// means unlimited.
type Definition struct {
	ID                string
	RequestsPerMinute int
	MonthlyQuota      *int64
	Features          []string
}

// Unlimited reports whether the tier has no monthly quota.
func (d Definition) Unlimited() bool {
	return d.MonthlyQuota == nil
}

// QuotaExceeded reports whether usage has reached the monthly quota.
func (d Definition) QuotaExceeded(usage int64) bool {
	if d.MonthlyQuota == nil {
		return false
	}
	return usage >= *d.MonthlyQuota
}

// Remaining returns the calls left this month, or -1 when unlimited.
func (d Definition) Remaining(usage int64) int64 {
	if d.MonthlyQuota == nil {
		return -1
	}
	if left := *d.MonthlyQuota - usage; left > 0 {
		return left
	}
	return 0
}

func (d Definition) HasFeature(feature string) bool {
	return slices.Contains(d.Features, feature)
}

// Table is a closed set of tier definitions. It is safe for concurrent use
// because it is never mutated after construction.
type Table struct {
	byID map[string]Definition
}

// Quota returns a pointer suitable for Definition.MonthlyQuota.
func Quota(n int64) *int64 {
	return &n
}

// Default returns the built-in deploy-time tiers.
func Default() *Table {
	t, err := NewTable(
		Definition{ID: Free, RequestsPerMinute: 10, MonthlyQuota: Quota(1_000),
			Features: []string{FeaturePortfolio, FeaturePrices}},
		Definition{ID: Starter, RequestsPerMinute: 30, MonthlyQuota: Quota(10_000),
			Features: []string{FeaturePortfolio, FeaturePrices, FeatureGPU}},
		Definition{ID: Professional, RequestsPerMinute: 60, MonthlyQuota: Quota(100_000),
			Features: []string{FeaturePortfolio, FeaturePrices, FeatureGPU, FeatureWebhooks}},
		Definition{ID: Enterprise, RequestsPerMinute: 300, MonthlyQuota: nil,
			Features: []string{FeaturePortfolio, FeaturePrices, FeatureGPU, FeatureWebhooks, FeatureAgents}},
	)
	if err != nil {
		panic(err)
	}
	return t
}

// NewTable validates defs and builds an immutable table. Definitions are
// deep-copied so later changes to the inputs do not leak in.
func NewTable(defs ...Definition) (*Table, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: tier table is empty", faults.ErrConfiguration)
	}
	byID := make(map[string]Definition, len(defs))
	for _, d := range defs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: tier id is empty", faults.ErrConfiguration)
		}
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %q", faults.ErrConfiguration, id)
		}
		if d.RequestsPerMinute <= 0 {
			return nil, fmt.Errorf("%w: tier %q needs a positive requests per minute", faults.ErrConfiguration, id)
		}
		if d.MonthlyQuota != nil && *d.MonthlyQuota < 0 {
			return nil, fmt.Errorf("%w: tier %q has a negative quota", faults.ErrConfiguration, id)
		}
		byID[id] = cloneDefinition(Definition{
			ID:                id,
			RequestsPerMinute: d.RequestsPerMinute,
			MonthlyQuota:      d.MonthlyQuota,
			Features:          d.Features,
		})
	}
	return &Table{byID: byID}, nil
}

// Resolve returns the definition for id. Unknown ids are a caller bug and
// wrap faults.ErrConfiguration.
func (t *Table) Resolve(id string) (Definition, error) {
	d, ok := t.byID[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: unknown tier %q", faults.ErrConfiguration, id)
	}
	return cloneDefinition(d), nil
}

// Known reports whether id names a tier in the table.
func (t *Table) Known(id string) bool {
	_, ok := t.byID[id]
	return ok
}

// IsQuotaExceeded resolves id and applies Definition.QuotaExceeded.
func (t *Table) IsQuotaExceeded(id string, usage int64) (bool, error) {
	d, err := t.Resolve(id)
	if err != nil {
		return false, err
	}
	return d.QuotaExceeded(usage), nil
}

// IDs returns the tier ids in sorted order.
func (t *Table) IDs() []string {
	out := make([]string, 0, len(t.byID))
	for id := range t.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func cloneDefinition(d Definition) Definition {
	out := d
	if d.MonthlyQuota != nil {
		q := *d.MonthlyQuota
		out.MonthlyQuota = &q
	}
	out.Features = slices.Clone(d.Features)
	return out
}
