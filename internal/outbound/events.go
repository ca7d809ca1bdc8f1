package outbound

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/pkg/logger"
)

// EventMessageStore is the message-repository slice delivery-event intake
// uses.
type EventMessageStore interface {
	Get(ctx context.Context, tenantID, id int64) (*domain.Message, error)
	RecipientByToken(ctx context.Context, token string) (*domain.MessageRecipient, *domain.Message, error)
	UpdateRecipientStatus(ctx context.Context, messageID int64, address string, status domain.RecipientStatus, smtpCode int, smtpText string, at time.Time) error
	AddEvent(ctx context.Context, ev *domain.MessageEvent) error
}

// UsageSink bumps daily usage counters.
type UsageSink interface {
	AddCounter(ctx context.Context, tenantID int64, day time.Time, column string, n int64) error
}

// SuppressionWriter records suppressions derived from bounces/complaints.
type SuppressionWriter interface {
	Upsert(ctx context.Context, s *domain.Suppression) error
}

// ContactStatusWriter mirrors delivery feedback onto the contact catalog.
type ContactStatusWriter interface {
	UpdateStatus(ctx context.Context, tenantID int64, email string, status domain.ContactStatus) error
}

// DeliveryEvents ingests downstream delivery feedback (delivered, bounced,
// complained, opened, clicked): it updates recipient state, appends the
// MessageEvent, bumps usage aggregates, derives suppressions, and fans out
// to webhooks. MIME parsing of provider reports happens upstream; this is
// the structured half.
type DeliveryEvents struct {
	messages     EventMessageStore
	usage        UsageSink
	suppressions SuppressionWriter
	contacts     ContactStatusWriter
	sink         EventSink

	now func() time.Time
}

// NewDeliveryEvents creates the intake service. usage, suppressions,
// contacts, and sink may each be nil to disable that side effect.
func NewDeliveryEvents(messages EventMessageStore, usage UsageSink, suppressions SuppressionWriter, contacts ContactStatusWriter, sink EventSink) *DeliveryEvents {
	return &DeliveryEvents{
		messages:     messages,
		usage:        usage,
		suppressions: suppressions,
		contacts:     contacts,
		sink:         sink,
		now:          time.Now,
	}
}

// Record applies one delivery event to a message recipient.
func (s *DeliveryEvents) Record(ctx context.Context, tenantID, messageID int64, recipient string, kind domain.EventKind, smtpCode int, smtpText string) error {
	msg, err := s.messages.Get(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	return s.apply(ctx, msg, recipient, kind, smtpCode, smtpText)
}

// RecordByToken resolves a tracking token and applies the event. Used by
// the open-pixel and click-redirect endpoints; unknown tokens return
// not_found and the caller stays silent toward the visitor.
func (s *DeliveryEvents) RecordByToken(ctx context.Context, token string, kind domain.EventKind) error {
	rec, msg, err := s.messages.RecipientByToken(ctx, token)
	if err != nil {
		return err
	}
	return s.apply(ctx, msg, rec.Address, kind, 0, "")
}

func (s *DeliveryEvents) apply(ctx context.Context, msg *domain.Message, recipient string, kind domain.EventKind, smtpCode int, smtpText string) error {
	recipient = strings.ToLower(strings.TrimSpace(recipient))
	now := s.now().UTC()

	if status, ok := recipientStatusFor(kind); ok {
		if err := s.messages.UpdateRecipientStatus(ctx, msg.ID, recipient, status, smtpCode, smtpText, now); err != nil {
			return err
		}
	}

	payload := map[string]interface{}{}
	if smtpCode != 0 {
		payload["smtp_code"] = smtpCode
	}
	if smtpText != "" {
		payload["smtp_text"] = smtpText
	}
	data, _ := json.Marshal(payload)
	ev := &domain.MessageEvent{MessageID: msg.ID, Kind: kind, Recipient: recipient, Payload: data}
	if err := s.messages.AddEvent(ctx, ev); err != nil {
		return err
	}

	s.bumpUsage(ctx, msg.TenantID, kind, now)
	s.deriveSuppression(ctx, msg.TenantID, recipient, kind, smtpText, now)

	if s.sink != nil {
		s.sink.Dispatch(ctx, msg.TenantID, kind, map[string]interface{}{
			"message_id": msg.ID,
			"recipient":  recipient,
			"smtp_code":  smtpCode,
		})
	}
	return nil
}

func recipientStatusFor(kind domain.EventKind) (domain.RecipientStatus, bool) {
	switch kind {
	case domain.EventDelivered:
		return domain.RecipientDelivered, true
	case domain.EventBounced:
		return domain.RecipientBounced, true
	case domain.EventComplained:
		return domain.RecipientComplained, true
	default:
		// opened/clicked do not change delivery status
		return "", false
	}
}

func (s *DeliveryEvents) bumpUsage(ctx context.Context, tenantID int64, kind domain.EventKind, now time.Time) {
	if s.usage == nil {
		return
	}
	column := ""
	switch kind {
	case domain.EventDelivered:
		column = "delivered"
	case domain.EventBounced:
		column = "bounced"
	case domain.EventComplained:
		column = "complained"
	case domain.EventOpened:
		column = "opens"
	case domain.EventClicked:
		column = "clicks"
	}
	if column == "" {
		return
	}
	if err := s.usage.AddCounter(ctx, tenantID, now, column, 1); err != nil {
		logger.Warn("usage counter update failed", "column", column, "error", err.Error())
	}
}

func (s *DeliveryEvents) deriveSuppression(ctx context.Context, tenantID int64, recipient string, kind domain.EventKind, reason string, now time.Time) {
	var supType domain.SuppressionType
	var contactStatus domain.ContactStatus
	switch kind {
	case domain.EventBounced:
		supType, contactStatus = domain.SuppressionBounce, domain.ContactBounced
	case domain.EventComplained:
		supType, contactStatus = domain.SuppressionComplaint, domain.ContactComplained
	default:
		return
	}

	if s.suppressions != nil {
		sup := &domain.Suppression{TenantID: tenantID, Address: recipient, Type: supType, Reason: reason}
		if err := s.suppressions.Upsert(ctx, sup); err != nil {
			logger.Warn("suppression upsert failed", "error", err.Error())
		}
	}
	if s.contacts != nil {
		if err := s.contacts.UpdateStatus(ctx, tenantID, recipient, contactStatus); err != nil {
			logger.Warn("contact status update failed", "error", err.Error())
		}
	}
}
