package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/monkeysmail/platform/internal/domain"
)

// UsageRepo maintains the per-tenant daily usage aggregates.
type UsageRepo struct{ db *sql.DB }

// NewUsageRepo creates a Postgres-backed usage repository.
func NewUsageRepo(db *sql.DB) *UsageRepo { return &UsageRepo{db: db} }

// usage counter columns addressable by AddCounter. Whitelisted to keep the
// column name out of caller control.
var usageColumns = map[string]bool{
	"sent": true, "delivered": true, "bounced": true,
	"complained": true, "opens": true, "clicks": true,
}

// AddCounter upserts today's row and adds n to the named counter.
func (r *UsageRepo) AddCounter(ctx context.Context, tenantID int64, day time.Time, column string, n int64) error {
	if !usageColumns[column] {
		return fmt.Errorf("unknown usage counter %q", column)
	}
	if n < 0 {
		return fmt.Errorf("negative usage increment %d", n)
	}
	q := fmt.Sprintf(`
		INSERT INTO usage_aggregates (tenant_id, day, %s)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, day)
		DO UPDATE SET %s = usage_aggregates.%s + EXCLUDED.%s
	`, column, column, column, column)
	if _, err := r.db.ExecContext(ctx, q, tenantID, domain.DayWindowStart(day), n); err != nil {
		return fmt.Errorf("add usage %s: %w", column, err)
	}
	return nil
}

// SentForDay returns the tenant's sent count for the UTC day containing t.
// Missing rows read as zero.
func (r *UsageRepo) SentForDay(ctx context.Context, tenantID int64, t time.Time) (int64, error) {
	var sent int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(sent), 0) FROM usage_aggregates
		WHERE tenant_id = $1 AND day = $2
	`, tenantID, domain.DayWindowStart(t)).Scan(&sent)
	if err != nil {
		return 0, fmt.Errorf("sent for day: %w", err)
	}
	return sent, nil
}

// RateLimitRepo maintains the windowed rate-limit counters (monthly sends).
type RateLimitRepo struct{ db *sql.DB }

// NewRateLimitRepo creates a Postgres-backed rate-limit repository.
func NewRateLimitRepo(db *sql.DB) *RateLimitRepo { return &RateLimitRepo{db: db} }

// EnsureRow creates the counter row at zero if absent. Idempotent.
func (r *RateLimitRepo) EnsureRow(ctx context.Context, tenantID int64, key string, windowStart time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_limit_counters (tenant_id, key, window_start, count)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (tenant_id, key, window_start) DO NOTHING
	`, tenantID, key, windowStart)
	if err != nil {
		return fmt.Errorf("ensure rate limit row: %w", err)
	}
	return nil
}

// Inc atomically upserts count += n. n must be non-negative.
func (r *RateLimitRepo) Inc(ctx context.Context, tenantID int64, key string, windowStart time.Time, n int64) error {
	if n < 0 {
		return fmt.Errorf("negative rate limit increment %d", n)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_limit_counters (tenant_id, key, window_start, count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, key, window_start)
		DO UPDATE SET count = rate_limit_counters.count + EXCLUDED.count
	`, tenantID, key, windowStart, n)
	if err != nil {
		return fmt.Errorf("inc rate limit: %w", err)
	}
	return nil
}

// Count reads the counter; missing rows read as zero.
func (r *RateLimitRepo) Count(ctx context.Context, tenantID int64, key string, windowStart time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT count FROM rate_limit_counters
		WHERE tenant_id = $1 AND key = $2 AND window_start = $3
	`, tenantID, key, windowStart).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate limit: %w", err)
	}
	return count, nil
}
