package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/monkeysmail/platform/internal/domain"
)

// MessageRepo persists messages, their recipients, and lifecycle events.
type MessageRepo struct{ db *sql.DB }

// NewMessageRepo creates a Postgres-backed message repository.
func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

// CreateWithRecipients inserts the message, its recipients, and the initial
// lifecycle event in a single transaction. IDs are written back into the
// passed structs.
func (r *MessageRepo) CreateWithRecipients(ctx context.Context, m *domain.Message, recipients []domain.MessageRecipient, ev *domain.MessageEvent) error {
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages
			(tenant_id, domain_id, external_id, from_email, from_name, reply_to,
			 subject, html, text, headers, attachments, track_opens, track_clicks,
			 state, created_at, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), $15)
		RETURNING id, created_at
	`, m.TenantID, m.DomainID, m.ExternalID, m.FromEmail, m.FromName, m.ReplyTo,
		m.Subject, m.HTML, m.Text, headers, attachments, m.TrackOpens, m.TrackClicks,
		m.State, m.QueuedAt).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for i := range recipients {
		rc := &recipients[i]
		rc.MessageID = m.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO message_recipients
				(message_id, type, address, name, status, tracking_token, queued_at, status_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			RETURNING id, status_at
		`, m.ID, rc.Type, rc.Address, rc.Name, rc.Status, rc.TrackingToken, rc.QueuedAt).
			Scan(&rc.ID, &rc.StatusAt)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	if ev != nil {
		ev.MessageID = m.ID
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get returns a message scoped to a tenant.
func (r *MessageRepo) Get(ctx context.Context, tenantID, id int64) (*domain.Message, error) {
	m := &domain.Message{}
	var headers, attachments []byte
	var providerID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, domain_id, external_id, from_email, COALESCE(from_name,''),
		       COALESCE(reply_to,''), subject, COALESCE(html,''), COALESCE(text,''),
		       COALESCE(headers,'{}'), COALESCE(attachments,'[]'),
		       track_opens, track_clicks, provider_message_id, state,
		       created_at, queued_at, sent_at
		FROM messages
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(
		&m.ID, &m.TenantID, &m.DomainID, &m.ExternalID, &m.FromEmail, &m.FromName,
		&m.ReplyTo, &m.Subject, &m.HTML, &m.Text,
		&headers, &attachments,
		&m.TrackOpens, &m.TrackClicks, &providerID, &m.State,
		&m.CreatedAt, &m.QueuedAt, &m.SentAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.Faultf(domain.KindNotFound, "message %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	m.ProviderMessageID = providerID.String
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &m.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return m, nil
}

// Recipients returns all recipients of a message in insertion order.
func (r *MessageRepo) Recipients(ctx context.Context, messageID int64) ([]domain.MessageRecipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, type, address, COALESCE(name,''), status,
		       COALESCE(smtp_code,0), COALESCE(smtp_text,''), tracking_token,
		       queued_at, sent_at, delivered_at, status_at
		FROM message_recipients
		WHERE message_id = $1
		ORDER BY id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.MessageRecipient
	for rows.Next() {
		var rc domain.MessageRecipient
		if err := rows.Scan(
			&rc.ID, &rc.MessageID, &rc.Type, &rc.Address, &rc.Name, &rc.Status,
			&rc.SMTPCode, &rc.SMTPText, &rc.TrackingToken,
			&rc.QueuedAt, &rc.SentAt, &rc.DeliveredAt, &rc.StatusAt,
		); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// MarkSent records a successful send for one delivery job. Only the job's
// recipient row moves to sent (never a row already in a terminal state); the
// message flips to sent on the first success and keeps that first sent_at and
// provider id, even if a sibling job already dead-lettered it as failed.
// recipientID 0 means a legacy job without per-recipient fan-out: all
// still-pending recipients of the message are marked.
func (r *MessageRepo) MarkSent(ctx context.Context, id, recipientID int64, providerMessageID string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if recipientID > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE message_recipients
			SET status = $1, sent_at = $2, status_at = $2
			WHERE message_id = $3 AND id = $4 AND status IN ('queued', 'deferred')
		`, domain.RecipientSent, at, id, recipientID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE message_recipients
			SET status = $1, sent_at = $2, status_at = $2
			WHERE message_id = $3 AND status IN ('queued', 'deferred')
		`, domain.RecipientSent, at, id)
	}
	if err != nil {
		return fmt.Errorf("mark recipient sent: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages
		SET state = $1, sent_at = COALESCE(sent_at, $2),
		    provider_message_id = COALESCE(provider_message_id, NULLIF($3, ''))
		WHERE id = $4
	`, domain.MessageSent, at, providerMessageID, id)
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkFailed records a terminal delivery failure for one job's recipient.
// The message itself flips to failed only once nothing is left in flight and
// no recipient was ever sent; a sibling's success always wins. recipientID 0
// fails every still-pending recipient (legacy jobs).
func (r *MessageRepo) MarkFailed(ctx context.Context, id, recipientID int64, reason string, at time.Time) error {
	return r.closeRecipient(ctx, id, recipientID, domain.RecipientFailed, reason, at)
}

// SkipRecipient closes one recipient without attempting delivery (active
// suppression match). Siblings keep flowing; the message still completes for
// its deliverable recipients.
func (r *MessageRepo) SkipRecipient(ctx context.Context, id, recipientID int64, reason string, at time.Time) error {
	return r.closeRecipient(ctx, id, recipientID, domain.RecipientSkipped, reason, at)
}

func (r *MessageRepo) closeRecipient(ctx context.Context, id, recipientID int64, status domain.RecipientStatus, reason string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if recipientID > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE message_recipients
			SET status = $1, smtp_text = $2, status_at = $3
			WHERE message_id = $4 AND id = $5 AND status IN ('queued', 'deferred')
		`, status, reason, at, id, recipientID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE message_recipients
			SET status = $1, smtp_text = $2, status_at = $3
			WHERE message_id = $4 AND status IN ('queued', 'deferred')
		`, status, reason, at, id)
	}
	if err != nil {
		return fmt.Errorf("close recipient: %w", err)
	}

	// Settle the message: failed only when no recipient is still in flight
	// and none was ever sent.
	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET state = $1
		WHERE id = $2 AND state <> 'sent'
		  AND NOT EXISTS (
			SELECT 1 FROM message_recipients
			WHERE message_id = $2
			  AND (status IN ('queued', 'deferred') OR sent_at IS NOT NULL)
		  )
	`, domain.MessageFailed, id)
	if err != nil {
		return fmt.Errorf("settle message state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetState updates the message state without touching recipients.
func (r *MessageRepo) SetState(ctx context.Context, id int64, state domain.MessageState) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET state = $1 WHERE id = $2`, state, id)
	if err != nil {
		return fmt.Errorf("set message state: %w", err)
	}
	return nil
}

// RecipientByToken resolves a tracking token to its recipient and the owning
// message's tenant and tracking flags.
func (r *MessageRepo) RecipientByToken(ctx context.Context, token string) (*domain.MessageRecipient, *domain.Message, error) {
	rc := &domain.MessageRecipient{}
	m := &domain.Message{}
	err := r.db.QueryRowContext(ctx, `
		SELECT r.id, r.message_id, r.type, r.address, COALESCE(r.name,''), r.status,
		       r.tracking_token, r.status_at,
		       m.id, m.tenant_id, m.domain_id, m.track_opens, m.track_clicks, m.state
		FROM message_recipients r
		JOIN messages m ON m.id = r.message_id
		WHERE r.tracking_token = $1
	`, token).Scan(
		&rc.ID, &rc.MessageID, &rc.Type, &rc.Address, &rc.Name, &rc.Status,
		&rc.TrackingToken, &rc.StatusAt,
		&m.ID, &m.TenantID, &m.DomainID, &m.TrackOpens, &m.TrackClicks, &m.State,
	)
	if err == sql.ErrNoRows {
		return nil, nil, domain.Faultf(domain.KindNotFound, "tracking token not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("recipient by token: %w", err)
	}
	return rc, m, nil
}

// UpdateRecipientStatus moves one recipient of a message to a downstream
// status (delivered, bounced, complained, deferred) with SMTP detail.
func (r *MessageRepo) UpdateRecipientStatus(ctx context.Context, messageID int64, address string, status domain.RecipientStatus, smtpCode int, smtpText string, at time.Time) error {
	q := `
		UPDATE message_recipients
		SET status = $1, smtp_code = NULLIF($2, 0), smtp_text = NULLIF($3, ''), status_at = $4
		WHERE message_id = $5 AND address = $6`
	if status == domain.RecipientDelivered {
		q = `
		UPDATE message_recipients
		SET status = $1, smtp_code = NULLIF($2, 0), smtp_text = NULLIF($3, ''), status_at = $4,
		    delivered_at = $4
		WHERE message_id = $5 AND address = $6`
	}
	res, err := r.db.ExecContext(ctx, q, status, smtpCode, smtpText, at, messageID, address)
	if err != nil {
		return fmt.Errorf("update recipient status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.Faultf(domain.KindNotFound, "recipient not on message %d", messageID)
	}
	return nil
}

// AddEvent appends a lifecycle event row.
func (r *MessageRepo) AddEvent(ctx context.Context, ev *domain.MessageEvent) error {
	return insertEvent(ctx, r.db, ev)
}

type execQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertEvent(ctx context.Context, q execQueryer, ev *domain.MessageEvent) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO message_events (message_id, kind, recipient, provider, payload, occurred_at)
		VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), $5, COALESCE($6, NOW()))
		RETURNING id, occurred_at
	`, ev.MessageID, ev.Kind, ev.Recipient, ev.Provider, []byte(payload), nullTime(ev.OccurredAt)).
		Scan(&ev.ID, &ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
