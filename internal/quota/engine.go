// Package quota enforces per-tenant sending limits. Limits resolve from the
// tenant's overrides, then its plan; a zero limit means unlimited. The daily
// window counts from the usage aggregates, the monthly window from a
// rate-limit counter anchored on the first of the month at 00:00 UTC.
package quota

import (
	"context"
	"time"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/pkg/logger"
)

// TenantStore loads tenants with their plan.
type TenantStore interface {
	GetWithPlan(ctx context.Context, id int64) (*domain.Tenant, *domain.Plan, error)
}

// UsageStore reads and bumps the daily usage aggregates.
type UsageStore interface {
	SentForDay(ctx context.Context, tenantID int64, t time.Time) (int64, error)
	AddCounter(ctx context.Context, tenantID int64, day time.Time, column string, n int64) error
}

// CounterStore maintains the windowed monthly counters.
type CounterStore interface {
	EnsureRow(ctx context.Context, tenantID int64, key string, windowStart time.Time) error
	Inc(ctx context.Context, tenantID int64, key string, windowStart time.Time, n int64) error
	Count(ctx context.Context, tenantID int64, key string, windowStart time.Time) (int64, error)
}

// Engine resolves and enforces the two sending windows.
type Engine struct {
	tenants  TenantStore
	usage    UsageStore
	counters CounterStore
	now      func() time.Time
}

// NewEngine creates a quota engine.
func NewEngine(tenants TenantStore, usage UsageStore, counters CounterStore) *Engine {
	return &Engine{tenants: tenants, usage: usage, counters: counters, now: time.Now}
}

// Limits resolves the effective (daily, monthly) limits for a tenant.
// Zero means unlimited.
func (e *Engine) Limits(ctx context.Context, tenantID int64) (int64, int64, error) {
	t, p, err := e.tenants.GetWithPlan(ctx, tenantID)
	if err != nil {
		return 0, 0, err
	}
	return domain.DailyLimit(t, p), domain.MonthlyLimit(t, p), nil
}

// Check fails with kind quota_exceeded when adding n recipients would push
// either window over its limit. Exactly-at-limit passes.
func (e *Engine) Check(ctx context.Context, tenantID, n int64) error {
	daily, monthly, err := e.Limits(ctx, tenantID)
	if err != nil {
		return err
	}
	now := e.now()

	if daily > 0 {
		sent, err := e.usage.SentForDay(ctx, tenantID, now)
		if err != nil {
			return err
		}
		if sent+n > daily {
			return domain.Faultf(domain.KindQuotaExceeded,
				"daily limit reached: %d of %d used, %d requested", sent, daily, n)
		}
	}

	if monthly > 0 {
		anchor := domain.MonthWindowStart(now)
		count, err := e.counters.Count(ctx, tenantID, domain.MonthlyCounterKey(now), anchor)
		if err != nil {
			return err
		}
		if count+n > monthly {
			return domain.Faultf(domain.KindQuotaExceeded,
				"monthly limit reached: %d of %d used, %d requested", count, monthly, n)
		}
	}

	return nil
}

// EnsureWindow creates the current monthly counter row if absent. Idempotent;
// called before enqueue so the later increment never races row creation.
func (e *Engine) EnsureWindow(ctx context.Context, tenantID int64) error {
	now := e.now()
	return e.counters.EnsureRow(ctx, tenantID, domain.MonthlyCounterKey(now), domain.MonthWindowStart(now))
}

// CommitEnqueued records n successfully enqueued recipients: monthly counter
// plus today's sent aggregate. A usage-aggregate failure is logged and
// swallowed so it never fails the ingest; a counter failure is returned so
// callers never double-count.
func (e *Engine) CommitEnqueued(ctx context.Context, tenantID, n int64) error {
	if n <= 0 {
		return nil
	}
	now := e.now()

	if err := e.counters.Inc(ctx, tenantID, domain.MonthlyCounterKey(now), domain.MonthWindowStart(now), n); err != nil {
		return err
	}

	if err := e.usage.AddCounter(ctx, tenantID, now, "sent", n); err != nil {
		logger.Warn("usage aggregate update failed", "tenant_id", tenantID, "error", err.Error())
	}
	return nil
}
