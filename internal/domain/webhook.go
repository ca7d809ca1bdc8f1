package domain

import (
	"encoding/json"
	"time"
)

// Webhook is a tenant endpoint subscribed to message lifecycle events.
type Webhook struct {
	ID       int64  `json:"id" db:"id"`
	TenantID int64  `json:"tenant_id" db:"tenant_id"`
	URL      string `json:"url" db:"url"`

	// Events is the subscribed event-kind set.
	Events []string `json:"events" db:"events"`

	Secret     string `json:"-" db:"secret"`
	BatchSize  int    `json:"batch_size" db:"batch_size"`
	MaxRetries int    `json:"max_retries" db:"max_retries"`

	// BackoffSeconds is the per-attempt retry schedule. Attempts beyond
	// the slice reuse the last entry.
	BackoffSeconds []int `json:"backoff_seconds" db:"backoff_seconds"`

	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Subscribed reports whether the webhook wants events of the given kind.
func (w *Webhook) Subscribed(kind EventKind) bool {
	for _, e := range w.Events {
		if e == string(kind) || e == "*" {
			return true
		}
	}
	return false
}

// Backoff returns the deterministic delay before the given retry attempt
// (1-based). Attempts past the schedule reuse the final entry; an empty
// schedule falls back to 60s doubling per attempt, capped at one hour.
func (w *Webhook) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if len(w.BackoffSeconds) > 0 {
		idx := attempt - 1
		if idx >= len(w.BackoffSeconds) {
			idx = len(w.BackoffSeconds) - 1
		}
		return time.Duration(w.BackoffSeconds[idx]) * time.Second
	}
	d := time.Duration(60<<(attempt-1)) * time.Second
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// WebhookDelivery is one attempt ledger row for a webhook event.
type WebhookDelivery struct {
	ID        int64  `json:"id" db:"id"`
	WebhookID int64  `json:"webhook_id" db:"webhook_id"`
	EventID   string `json:"event_id" db:"event_id"`
	EventKind string `json:"event_kind" db:"event_kind"`

	Attempt        int             `json:"attempt" db:"attempt"`
	HTTPCode       int             `json:"http_code" db:"http_code"`
	ResponseTimeMS int64           `json:"response_time_ms" db:"response_time_ms"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	ResponseBody   string          `json:"response_body" db:"response_body"`

	NextRetryAt *time.Time `json:"next_retry_at" db:"next_retry_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
