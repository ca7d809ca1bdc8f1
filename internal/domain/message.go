package domain

import (
	"encoding/json"
	"time"
)

// MessageState is the lifecycle of a submitted message.
type MessageState string

const (
	MessagePreview     MessageState = "preview"
	MessageQueued      MessageState = "queued"
	MessageQueueFailed MessageState = "queue_failed"
	MessageSent        MessageState = "sent"
	MessageFailed      MessageState = "failed"
)

// RecipientType is the envelope bucket an address was submitted under.
type RecipientType string

const (
	RecipientTo  RecipientType = "to"
	RecipientCc  RecipientType = "cc"
	RecipientBcc RecipientType = "bcc"
)

// RecipientStatus is the per-address delivery status.
type RecipientStatus string

const (
	RecipientQueued     RecipientStatus = "queued"
	RecipientSent       RecipientStatus = "sent"
	RecipientDelivered  RecipientStatus = "delivered"
	RecipientBounced    RecipientStatus = "bounced"
	RecipientComplained RecipientStatus = "complained"
	RecipientDeferred   RecipientStatus = "deferred"
	RecipientFailed     RecipientStatus = "failed"
	RecipientSkipped    RecipientStatus = "skipped"
)

// EventKind identifies a message lifecycle event.
type EventKind string

const (
	EventPreview     EventKind = "preview"
	EventQueued      EventKind = "queued"
	EventQueueFailed EventKind = "queue_failed"
	EventSent        EventKind = "sent"
	EventFailed      EventKind = "failed"
	EventSkipped     EventKind = "skipped"
	EventDelivered   EventKind = "delivered"
	EventBounced     EventKind = "bounced"
	EventComplained  EventKind = "complained"
	EventOpened      EventKind = "opened"
	EventClicked     EventKind = "clicked"
)

// Attachment is a base64-encoded file carried with the message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Message is a persisted outbound message. Recipients and events hang off
// it via explicit repository calls; the struct holds no back-references.
type Message struct {
	ID         int64  `json:"id" db:"id"`
	TenantID   int64  `json:"tenant_id" db:"tenant_id"`
	DomainID   int64  `json:"domain_id" db:"domain_id"`
	ExternalID string `json:"external_id" db:"external_id"`

	FromEmail string            `json:"from_email" db:"from_email"`
	FromName  string            `json:"from_name" db:"from_name"`
	ReplyTo   string            `json:"reply_to" db:"reply_to"`
	Subject   string            `json:"subject" db:"subject"`
	HTML      string            `json:"html" db:"html"`
	Text      string            `json:"text" db:"text"`
	Headers   map[string]string `json:"headers" db:"headers"`
	Attachments []Attachment    `json:"attachments" db:"attachments"`

	TrackOpens  bool `json:"track_opens" db:"track_opens"`
	TrackClicks bool `json:"track_clicks" db:"track_clicks"`

	ProviderMessageID string       `json:"provider_message_id" db:"provider_message_id"`
	State             MessageState `json:"state" db:"state"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	QueuedAt  *time.Time `json:"queued_at" db:"queued_at"`
	SentAt    *time.Time `json:"sent_at" db:"sent_at"`
}

// Terminal reports whether the message has reached a final state.
func (m *Message) Terminal() bool {
	return m.State == MessageSent || m.State == MessageFailed || m.State == MessageQueueFailed
}

// MessageRecipient is one normalized address of a message, carrying its own
// delivery status and a unique 128-bit tracking token.
type MessageRecipient struct {
	ID        int64           `json:"id" db:"id"`
	MessageID int64           `json:"message_id" db:"message_id"`
	Type      RecipientType   `json:"type" db:"type"`
	Address   string          `json:"address" db:"address"`
	Name      string          `json:"name" db:"name"`
	Status    RecipientStatus `json:"status" db:"status"`

	SMTPCode int    `json:"smtp_code" db:"smtp_code"`
	SMTPText string `json:"smtp_text" db:"smtp_text"`

	// TrackingToken is mandatory: open/click attribution keys on it.
	TrackingToken string `json:"tracking_token" db:"tracking_token"`

	QueuedAt    *time.Time `json:"queued_at" db:"queued_at"`
	SentAt      *time.Time `json:"sent_at" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at" db:"delivered_at"`
	StatusAt    time.Time  `json:"status_at" db:"status_at"`
}

// MessageEvent is an append-only lifecycle record for a message.
type MessageEvent struct {
	ID         int64           `json:"id" db:"id"`
	MessageID  int64           `json:"message_id" db:"message_id"`
	Kind       EventKind       `json:"kind" db:"kind"`
	Recipient  string          `json:"recipient" db:"recipient"`
	Provider   string          `json:"provider" db:"provider"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
}
