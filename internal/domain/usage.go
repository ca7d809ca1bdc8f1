package domain

import (
	"fmt"
	"time"
)

// UsageAggregate is the per-tenant, per-UTC-day counter row. Unique on
// (tenant_id, day).
type UsageAggregate struct {
	TenantID   int64     `json:"tenant_id" db:"tenant_id"`
	Day        time.Time `json:"day" db:"day"`
	Sent       int64     `json:"sent" db:"sent"`
	Delivered  int64     `json:"delivered" db:"delivered"`
	Bounced    int64     `json:"bounced" db:"bounced"`
	Complained int64     `json:"complained" db:"complained"`
	Opens      int64     `json:"opens" db:"opens"`
	Clicks     int64     `json:"clicks" db:"clicks"`
}

// RateLimitCounter is the monthly send counter row. Unique on
// (tenant_id, key, window_start).
type RateLimitCounter struct {
	TenantID    int64     `json:"tenant_id" db:"tenant_id"`
	Key         string    `json:"key" db:"key"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
	Count       int64     `json:"count" db:"count"`
}

// MonthWindowStart returns the first of the month at 00:00 UTC for t.
func MonthWindowStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthlyCounterKey encodes the rate-limit key for the month containing t,
// e.g. "messages:month:2026-08-01".
func MonthlyCounterKey(t time.Time) string {
	return fmt.Sprintf("messages:month:%s", MonthWindowStart(t).Format("2006-01-02"))
}

// DayWindowStart returns 00:00 UTC of the day containing t.
func DayWindowStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SuppressionType classifies why an address is suppressed.
type SuppressionType string

const (
	SuppressionBounce      SuppressionType = "bounce"
	SuppressionComplaint   SuppressionType = "complaint"
	SuppressionUnsubscribe SuppressionType = "unsubscribe"
	SuppressionManual      SuppressionType = "manual"
)

// Suppression blocks delivery to an address for a tenant. Unique on
// (tenant_id, address, type).
type Suppression struct {
	ID        int64           `json:"id" db:"id"`
	TenantID  int64           `json:"tenant_id" db:"tenant_id"`
	Address   string          `json:"address" db:"address"`
	Type      SuppressionType `json:"type" db:"type"`
	Reason    string          `json:"reason" db:"reason"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at" db:"expires_at"`
}

// ActiveAt reports whether the suppression is in force at the given time.
func (s *Suppression) ActiveAt(now time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}
