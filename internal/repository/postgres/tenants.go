package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/monkeysmail/platform/internal/domain"
)

// TenantRepo reads tenants and their plans.
type TenantRepo struct{ db *sql.DB }

// NewTenantRepo creates a Postgres-backed tenant repository.
func NewTenantRepo(db *sql.DB) *TenantRepo { return &TenantRepo{db: db} }

// Get returns a tenant by id.
func (r *TenantRepo) Get(ctx context.Context, id int64) (*domain.Tenant, error) {
	t := &domain.Tenant{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, plan_id, daily_limit_override, monthly_limit_override, created_at
		FROM tenants
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.PlanID, &t.DailyLimitOverride, &t.MonthlyLimitOverride, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.Faultf(domain.KindNotFound, "tenant %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// GetPlan returns a plan by id. The features column is JSONB.
func (r *TenantRepo) GetPlan(ctx context.Context, id int64) (*domain.Plan, error) {
	p := &domain.Plan{}
	var features []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, monthly_price, included_messages, features
		FROM plans
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.MonthlyPrice, &p.IncludedMessages, &features)
	if err == sql.ErrNoRows {
		return nil, domain.Faultf(domain.KindNotFound, "plan %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &p.Features); err != nil {
			return nil, fmt.Errorf("decode plan features: %w", err)
		}
	}
	return p, nil
}

// GetWithPlan loads a tenant and its plan in one call. A missing plan row
// is tolerated (nil plan, zero limits).
func (r *TenantRepo) GetWithPlan(ctx context.Context, id int64) (*domain.Tenant, *domain.Plan, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, err := r.GetPlan(ctx, t.PlanID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return t, nil, nil
		}
		return nil, nil, err
	}
	return t, p, nil
}
