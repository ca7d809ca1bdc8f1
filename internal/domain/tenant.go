package domain

import "time"

// Tenant is the owning account for all scoped entities. Tenants are created
// by the admin surface; the core never deletes them.
type Tenant struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	PlanID    int64     `json:"plan_id" db:"plan_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// Per-tenant quota overrides. Zero means "inherit from plan".
	DailyLimitOverride   int64 `json:"daily_limit_override" db:"daily_limit_override"`
	MonthlyLimitOverride int64 `json:"monthly_limit_override" db:"monthly_limit_override"`
}

// Plan holds billing tier metadata and the quota feature map.
type Plan struct {
	ID               int64        `json:"id" db:"id"`
	Name             string       `json:"name" db:"name"`
	MonthlyPrice     float64      `json:"monthly_price" db:"monthly_price"`
	IncludedMessages int64        `json:"included_messages" db:"included_messages"`
	Features         PlanFeatures `json:"features" db:"features"`
}

// PlanFeatures is the feature map stored as JSONB on the plan row.
type PlanFeatures struct {
	Quotas PlanQuotas `json:"quotas"`
}

// PlanQuotas holds the sending quotas inside the plan feature map.
// Zero means "no limit".
type PlanQuotas struct {
	EmailsPerDay   int64 `json:"emailsPerDay"`
	EmailsPerMonth int64 `json:"emailsPerMonth"`
}

// DailyLimit resolves the effective daily send limit for a tenant on a plan.
// Tenant override wins, then the plan feature map. Zero means unlimited.
func DailyLimit(t *Tenant, p *Plan) int64 {
	if t != nil && t.DailyLimitOverride > 0 {
		return t.DailyLimitOverride
	}
	if p != nil {
		return p.Features.Quotas.EmailsPerDay
	}
	return 0
}

// MonthlyLimit resolves the effective monthly send limit. Tenant override,
// then the plan feature map, then the plan's included-message count.
func MonthlyLimit(t *Tenant, p *Plan) int64 {
	if t != nil && t.MonthlyLimitOverride > 0 {
		return t.MonthlyLimitOverride
	}
	if p == nil {
		return 0
	}
	if p.Features.Quotas.EmailsPerMonth > 0 {
		return p.Features.Quotas.EmailsPerMonth
	}
	return p.IncludedMessages
}
