package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/monkeysmail/platform/internal/domain"
)

// WebhookRepo manages webhook subscriptions and the delivery ledger.
type WebhookRepo struct{ db *sql.DB }

// NewWebhookRepo creates a Postgres-backed webhook repository.
func NewWebhookRepo(db *sql.DB) *WebhookRepo { return &WebhookRepo{db: db} }

const webhookColumns = `
	id, tenant_id, url, events, secret, batch_size, max_retries,
	COALESCE(backoff_seconds, '{}'), active, created_at`

func scanWebhook(row interface{ Scan(...interface{}) error }) (*domain.Webhook, error) {
	w := &domain.Webhook{}
	var events pq.StringArray
	var backoff pq.Int64Array
	err := row.Scan(&w.ID, &w.TenantID, &w.URL, &events, &w.Secret,
		&w.BatchSize, &w.MaxRetries, &backoff, &w.Active, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.Events = []string(events)
	w.BackoffSeconds = make([]int, len(backoff))
	for i, s := range backoff {
		w.BackoffSeconds[i] = int(s)
	}
	return w, nil
}

// Get returns a webhook by id.
func (r *WebhookRepo) Get(ctx context.Context, id int64) (*domain.Webhook, error) {
	w, err := scanWebhook(r.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.Faultf(domain.KindNotFound, "webhook %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

// ListActive returns a tenant's active webhooks.
func (r *WebhookRepo) ListActive(ctx context.Context, tenantID int64) ([]domain.Webhook, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE tenant_id = $1 AND active = true ORDER BY id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// Create inserts a webhook and returns its id.
func (r *WebhookRepo) Create(ctx context.Context, w *domain.Webhook) (int64, error) {
	backoff := make(pq.Int64Array, len(w.BackoffSeconds))
	for i, s := range w.BackoffSeconds {
		backoff[i] = int64(s)
	}
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO webhooks
			(tenant_id, url, events, secret, batch_size, max_retries, backoff_seconds, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id
	`, w.TenantID, w.URL, pq.StringArray(w.Events), w.Secret,
		w.BatchSize, w.MaxRetries, backoff, w.Active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create webhook: %w", err)
	}
	return id, nil
}

// RecordDelivery appends one attempt to the delivery ledger.
func (r *WebhookRepo) RecordDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	payload := d.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_deliveries
			(webhook_id, event_id, event_kind, attempt, http_code, response_time_ms,
			 payload, response_body, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, created_at
	`, d.WebhookID, d.EventID, d.EventKind, d.Attempt, d.HTTPCode, d.ResponseTimeMS,
		[]byte(payload), d.ResponseBody, d.NextRetryAt).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Deliveries lists the ledger for one webhook, newest first.
func (r *WebhookRepo) Deliveries(ctx context.Context, webhookID int64, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, webhook_id, event_id, event_kind, attempt, http_code,
		       response_time_ms, payload, COALESCE(response_body,''), next_retry_at, created_at
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		var payload []byte
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventKind, &d.Attempt,
			&d.HTTPCode, &d.ResponseTimeMS, &payload, &d.ResponseBody,
			&d.NextRetryAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Payload = payload
		out = append(out, d)
	}
	return out, rows.Err()
}
