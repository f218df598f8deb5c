// Package entitlement owns per-user plan tiers and quota counters.
package entitlement

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tier is a subscription plan tier.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// ParseTier normalizes s into a Tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierPro, TierBusiness:
		return t, nil
	default:
		return "", fmt.Errorf("unknown plan tier %q", s)
	}
}

// Period is the quota renewal interval of a plan.
type Period string

const (
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Next returns t advanced by one period.
func (p Period) Next(t time.Time) time.Time {
	if p == PeriodWeekly {
		return t.AddDate(0, 0, 7)
	}
	return t.AddDate(0, 1, 0)
}

// Unlimited marks a plan allotment that is never decremented.
const Unlimited = -1

// Plan describes what a tier is entitled to per period.
type Plan struct {
	Tier      Tier   `json:"tier"`
	Name      string `json:"name"`
	Allotment int    `json:"allotment"` // Unlimited (-1) for no cap
	Period    Period `json:"period"`
	Watermark bool   `json:"watermark"`
}

// IsUnlimited reports whether reservations against p skip the quota counter.
func (p Plan) IsUnlimited() bool {
	return p.Allotment < 0
}

// StartingQuota is the quota_remaining value at the start of a period.
func (p Plan) StartingQuota() int {
	if p.IsUnlimited() {
		return 0
	}
	return p.Allotment
}

// Catalog maps tiers to plans.
type Catalog map[Tier]Plan

// DefaultCatalog returns the stock plans: Starter, Creator and Professional.
func DefaultCatalog() Catalog {
	return NewCatalog(3, 20, 50)
}

// NewCatalog returns the stock plans with the given per-period allotments.
func NewCatalog(free, pro, business int) Catalog {
	return Catalog{
		TierFree:     {Tier: TierFree, Name: "Starter", Allotment: free, Period: PeriodWeekly, Watermark: true},
		TierPro:      {Tier: TierPro, Name: "Creator", Allotment: pro, Period: PeriodMonthly},
		TierBusiness: {Tier: TierBusiness, Name: "Professional", Allotment: business, Period: PeriodMonthly},
	}
}

// Get returns the plan for t, falling back to the free plan for unknown tiers.
func (c Catalog) Get(t Tier) Plan {
	if p, ok := c[t]; ok {
		return p
	}
	return c[TierFree]
}

// List returns the plans ordered free, pro, business.
func (c Catalog) List() []Plan {
	order := map[Tier]int{TierFree: 0, TierPro: 1, TierBusiness: 2}
	plans := make([]Plan, 0, len(c))
	for _, p := range c {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return order[plans[i].Tier] < order[plans[j].Tier] })
	return plans
}
