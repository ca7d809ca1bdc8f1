package webhooks

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/pkg/logger"
	"github.com/monkeysmail/platform/internal/streambus"
)

// WebhookSource lists a tenant's active subscriptions.
type WebhookSource interface {
	ListActive(ctx context.Context, tenantID int64) ([]domain.Webhook, error)
}

// Event is the payload POSTed to subscribed endpoints.
type Event struct {
	ID         string                 `json:"id"`
	TenantID   int64                  `json:"tenant_id"`
	Kind       string                 `json:"kind"`
	OccurredAt string                 `json:"occurred_at"`
	Data       map[string]interface{} `json:"data"`
}

// DeliveryJob is the stream payload for one webhook delivery attempt.
type DeliveryJob struct {
	WebhookID  int64  `json:"webhook_id"`
	Event      Event  `json:"event"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt string `json:"enqueued_at,omitempty"`

	// NotBefore defers a retry until its backoff elapses.
	NotBefore string `json:"not_before,omitempty"`
}

// Dispatcher matches events against tenant subscriptions and enqueues
// delivery jobs. It never raises to the event producer: fan-out failures
// are logged and the producer's own pipeline continues.
type Dispatcher struct {
	webhooks WebhookSource
	bus      *streambus.Bus
	stream   string
}

// NewDispatcher creates an event dispatcher writing to the given stream.
func NewDispatcher(webhooks WebhookSource, bus *streambus.Bus, stream string) *Dispatcher {
	if stream == "" {
		stream = "webhooks:deliveries"
	}
	return &Dispatcher{webhooks: webhooks, bus: bus, stream: stream}
}

// Dispatch fans one event out to every subscribed active webhook. All
// matched webhooks share the same event id.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID int64, kind domain.EventKind, payload map[string]interface{}) {
	hooks, err := d.webhooks.ListActive(ctx, tenantID)
	if err != nil {
		logger.Warn("webhook lookup failed", "tenant_id", tenantID, "kind", string(kind), "error", err.Error())
		return
	}

	now := time.Now().UTC()
	event := Event{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Kind:       string(kind),
		OccurredAt: now.Format(time.RFC3339),
		Data:       payload,
	}

	matched := 0
	for i := range hooks {
		if !hooks[i].Subscribed(kind) {
			continue
		}
		matched++
		job := DeliveryJob{
			WebhookID:  hooks[i].ID,
			Event:      event,
			Attempt:    1,
			EnqueuedAt: now.Format(time.RFC3339),
		}
		if _, err := d.bus.Append(ctx, d.stream, job); err != nil {
			logger.Warn("webhook enqueue failed",
				"webhook_id", hooks[i].ID, "event_id", event.ID, "error", err.Error())
		}
	}
	if matched > 0 {
		logger.Debug("event dispatched", "event_id", event.ID, "kind", string(kind), "webhooks", matched)
	}
}
