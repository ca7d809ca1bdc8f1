package domain

import (
	"testing"
	"time"
)

func TestDailyLimit(t *testing.T) {
	plan := &Plan{Features: PlanFeatures{Quotas: PlanQuotas{EmailsPerDay: 500, EmailsPerMonth: 10000}}}

	tests := []struct {
		name   string
		tenant *Tenant
		want   int64
	}{
		{"plan limit", &Tenant{}, 500},
		{"tenant override wins", &Tenant{DailyLimitOverride: 50}, 50},
		{"nil tenant", nil, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DailyLimit(tt.tenant, plan); got != tt.want {
				t.Errorf("DailyLimit() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := DailyLimit(&Tenant{}, &Plan{}); got != 0 {
		t.Errorf("zero plan limit should mean unlimited, got %d", got)
	}
}

func TestMonthlyLimit(t *testing.T) {
	tests := []struct {
		name   string
		tenant *Tenant
		plan   *Plan
		want   int64
	}{
		{"feature map", &Tenant{}, &Plan{IncludedMessages: 1000, Features: PlanFeatures{Quotas: PlanQuotas{EmailsPerMonth: 20000}}}, 20000},
		{"falls back to included messages", &Tenant{}, &Plan{IncludedMessages: 1000}, 1000},
		{"tenant override wins", &Tenant{MonthlyLimitOverride: 7}, &Plan{IncludedMessages: 1000}, 7},
		{"nil plan", &Tenant{}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MonthlyLimit(tt.tenant, tt.plan); got != tt.want {
				t.Errorf("MonthlyLimit() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMonthlyCounterKey(t *testing.T) {
	ts := time.Date(2026, 8, 26, 15, 4, 5, 0, time.UTC)
	if got := MonthlyCounterKey(ts); got != "messages:month:2026-08-01" {
		t.Errorf("MonthlyCounterKey() = %q", got)
	}

	// Non-UTC input must anchor on the UTC month.
	loc := time.FixedZone("UTC+13", 13*3600)
	nye := time.Date(2027, 1, 1, 0, 30, 0, 0, loc) // still 2026-12-31 in UTC
	if got := MonthlyCounterKey(nye); got != "messages:month:2026-12-01" {
		t.Errorf("MonthlyCounterKey(+13 zone) = %q", got)
	}
}

func TestSuppressionActiveAt(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if s := (&Suppression{ExpiresAt: &past}); s.ActiveAt(now) {
		t.Error("expired suppression should be inactive")
	}
	if s := (&Suppression{ExpiresAt: &future}); !s.ActiveAt(now) {
		t.Error("future-expiring suppression should be active")
	}
	if s := (&Suppression{}); !s.ActiveAt(now) {
		t.Error("suppression without expiry should be active")
	}
}
