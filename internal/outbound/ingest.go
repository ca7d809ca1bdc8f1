package outbound

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/pkg/logger"
)

// AddressInput is one submitted address: either a bare string or an
// {email, name} object.
type AddressInput struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// UnmarshalJSON accepts "user@host" and {"email": "...", "name": "..."}.
func (a *AddressInput) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		a.Email = s
		a.Name = ""
		return nil
	}
	type plain AddressInput
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = AddressInput(p)
	return nil
}

// TrackingInput carries the open/click toggles. Both default to true.
type TrackingInput struct {
	Opens  *bool `json:"opens,omitempty"`
	Clicks *bool `json:"clicks,omitempty"`
}

// AttachmentInput is one submitted attachment with base64 content.
type AttachmentInput struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"base64"`
}

// SubmitInput is the typed ingest payload.
type SubmitInput struct {
	From        AddressInput           `json:"from"`
	ReplyTo     string                 `json:"replyTo,omitempty"`
	Subject     string                 `json:"subject"`
	Text        string                 `json:"text,omitempty"`
	HTML        string                 `json:"html,omitempty"`
	To          []AddressInput         `json:"to,omitempty"`
	Cc          []AddressInput         `json:"cc,omitempty"`
	Bcc         []AddressInput         `json:"bcc,omitempty"`
	Headers     map[string]interface{} `json:"headers,omitempty"`
	Tracking    TrackingInput          `json:"tracking"`
	Attachments []AttachmentInput      `json:"attachments,omitempty"`
	DryRun      bool                   `json:"dryRun,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
}

// SubmitResult is the ingest reply.
type SubmitResult struct {
	Status   string          `json:"status"` // preview | queued | queue_failed
	Message  *domain.Message `json:"message"`
	Envelope *Envelope       `json:"envelope,omitempty"`
	EntryIDs []string        `json:"entryIds,omitempty"`
	Queued   int             `json:"queued"`
	Failed   int             `json:"failed"`
}

// MessageStore is the slice of the message repository that ingest needs.
type MessageStore interface {
	CreateWithRecipients(ctx context.Context, m *domain.Message, recipients []domain.MessageRecipient, ev *domain.MessageEvent) error
	SetState(ctx context.Context, id int64, state domain.MessageState) error
	AddEvent(ctx context.Context, ev *domain.MessageEvent) error
}

// QuotaGate is the slice of the quota engine that ingest needs.
type QuotaGate interface {
	Check(ctx context.Context, tenantID, n int64) error
	EnsureWindow(ctx context.Context, tenantID int64) error
	CommitEnqueued(ctx context.Context, tenantID, n int64) error
}

// StreamAppender appends one job document to a stream.
type StreamAppender interface {
	Append(ctx context.Context, stream string, payload interface{}) (string, error)
}

// Ingest validates submissions, persists them, and fans jobs out onto the
// mail stream, one entry per recipient.
type Ingest struct {
	messages MessageStore
	quota    QuotaGate
	bus      StreamAppender
	stream   string

	// request_id dedup. Per-process and best-effort: survives neither
	// restarts nor other replicas.
	mu        sync.Mutex
	seen      map[string]*SubmitResult
	seenOrder []string
	seenMax   int
}

// NewIngest creates the ingest service writing to the given mail stream.
func NewIngest(messages MessageStore, quota QuotaGate, bus StreamAppender, stream string) *Ingest {
	return &Ingest{
		messages: messages,
		quota:    quota,
		bus:      bus,
		stream:   stream,
		seen:     make(map[string]*SubmitResult),
		seenMax:  10000,
	}
}

// Submit runs the full ingest pipeline for one tenant-scoped payload.
func (s *Ingest) Submit(ctx context.Context, tenantID, domainID int64, in SubmitInput) (*SubmitResult, error) {
	if in.RequestID != "" {
		if cached := s.cachedResult(in.RequestID); cached != nil {
			return cached, nil
		}
	}

	from, err := normalizeAddress(in.From.Email)
	if err != nil {
		return nil, domain.Faultf(domain.KindInvalidSender, "invalid from address")
	}
	replyTo := ""
	if strings.TrimSpace(in.ReplyTo) != "" {
		replyTo, err = normalizeAddress(in.ReplyTo)
		if err != nil {
			return nil, domain.Faultf(domain.KindInvalidReplyTo, "invalid reply-to address")
		}
	}

	recipients := normalizeRecipients(in.To, in.Cc, in.Bcc)
	if len(recipients) == 0 {
		return nil, domain.NewFault(domain.KindNoRecipients, "no valid recipients")
	}

	headers := cleanHeaders(in.Headers)
	attachments := cleanAttachments(in.Attachments)

	if err := s.quota.Check(ctx, tenantID, int64(len(recipients))); err != nil {
		return nil, err
	}

	trackOpens := in.Tracking.Opens == nil || *in.Tracking.Opens
	trackClicks := in.Tracking.Clicks == nil || *in.Tracking.Clicks

	state := domain.MessageQueued
	if in.DryRun {
		state = domain.MessagePreview
	}

	now := time.Now().UTC()
	msg := &domain.Message{
		TenantID:    tenantID,
		DomainID:    domainID,
		ExternalID:  newToken(),
		FromEmail:   from,
		FromName:    strings.TrimSpace(in.From.Name),
		ReplyTo:     replyTo,
		Subject:     in.Subject,
		HTML:        in.HTML,
		Text:        in.Text,
		Headers:     headers,
		Attachments: attachments,
		TrackOpens:  trackOpens,
		TrackClicks: trackClicks,
		State:       state,
	}
	if !in.DryRun {
		msg.QueuedAt = &now
	}

	rows := make([]domain.MessageRecipient, len(recipients))
	for i, rc := range recipients {
		rows[i] = domain.MessageRecipient{
			Type:          rc.bucket,
			Address:       rc.address,
			Name:          rc.name,
			Status:        domain.RecipientQueued,
			TrackingToken: newToken(),
		}
		if !in.DryRun {
			rows[i].QueuedAt = &now
		}
	}

	ev := &domain.MessageEvent{Kind: domain.EventKind(state)}
	if err := s.messages.CreateWithRecipients(ctx, msg, rows, ev); err != nil {
		return nil, domain.WrapFault(domain.KindInternal, "persist message", err)
	}

	if in.DryRun {
		env := s.fullEnvelope(msg, recipients)
		result := &SubmitResult{Status: string(domain.MessagePreview), Message: msg, Envelope: &env}
		s.cacheResult(in.RequestID, result)
		return result, nil
	}

	if err := s.quota.EnsureWindow(ctx, tenantID); err != nil {
		return nil, domain.WrapFault(domain.KindInternal, "ensure quota window", err)
	}

	var entryIDs []string
	failed := 0
	for i, rc := range recipients {
		env := singleEnvelope(msg, rc)
		job := NewJob(msg.ID, tenantID, domainID, rows[i].ID, rows[i].TrackingToken, env)
		id, err := s.bus.Append(ctx, s.stream, job)
		if err != nil {
			failed++
			logger.Warn("stream append failed", "message_id", msg.ID, "recipient", rc.address, "error", err.Error())
			continue
		}
		entryIDs = append(entryIDs, id)
	}

	if len(entryIDs) == 0 {
		msg.State = domain.MessageQueueFailed
		if err := s.messages.SetState(ctx, msg.ID, domain.MessageQueueFailed); err != nil {
			logger.Error("mark queue_failed", "message_id", msg.ID, "error", err.Error())
		}
		_ = s.messages.AddEvent(ctx, &domain.MessageEvent{
			MessageID: msg.ID,
			Kind:      domain.EventQueueFailed,
		})
		result := &SubmitResult{Status: string(domain.MessageQueueFailed), Message: msg, Failed: failed}
		s.cacheResult(in.RequestID, result)
		return result, nil
	}

	if err := s.quota.CommitEnqueued(ctx, tenantID, int64(len(entryIDs))); err != nil {
		logger.Error("quota commit failed", "tenant_id", tenantID, "error", err.Error())
	}

	result := &SubmitResult{
		Status:   string(domain.MessageQueued),
		Message:  msg,
		EntryIDs: entryIDs,
		Queued:   len(entryIDs),
		Failed:   failed,
	}
	s.cacheResult(in.RequestID, result)
	return result, nil
}

type normalizedRecipient struct {
	bucket  domain.RecipientType
	address string
	name    string
}

// normalizeRecipients trims, validates, lower-cases the host part, and
// de-duplicates across to|cc|bcc preserving insertion order. The dedup key
// is the whole address case-folded, so U@b.tld and u@b.tld collapse to one
// delivery. Invalid entries are dropped.
func normalizeRecipients(to, cc, bcc []AddressInput) []normalizedRecipient {
	var out []normalizedRecipient
	seen := map[string]bool{}

	add := func(bucket domain.RecipientType, entries []AddressInput) {
		for _, e := range entries {
			addr, err := normalizeAddress(e.Email)
			if err != nil {
				continue
			}
			key := strings.ToLower(addr)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, normalizedRecipient{bucket: bucket, address: addr, name: strings.TrimSpace(e.Name)})
		}
	}

	add(domain.RecipientTo, to)
	add(domain.RecipientCc, cc)
	add(domain.RecipientBcc, bcc)
	return out
}

// normalizeAddress validates an RFC 5322 addr-spec and lower-cases its
// host part. The local part keeps its case.
func normalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", mail.ErrHeaderNotPresent
	}
	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return "", err
	}
	addr := parsed.Address
	at := strings.LastIndex(addr, "@")
	if at < 1 || at == len(addr)-1 {
		return "", mail.ErrHeaderNotPresent
	}
	return addr[:at] + "@" + strings.ToLower(addr[at+1:]), nil
}

// cleanHeaders keeps only entries with a non-empty key and a non-empty
// string value. Arrays and objects are dropped.
func cleanHeaders(raw map[string]interface{}) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := map[string]string{}
	for k, v := range raw {
		if strings.TrimSpace(k) == "" {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		out[k] = s
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// cleanAttachments keeps only entries with both a filename and content.
func cleanAttachments(raw []AttachmentInput) []domain.Attachment {
	var out []domain.Attachment
	for _, a := range raw {
		if a.Filename == "" || a.Content == "" {
			continue
		}
		out = append(out, domain.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}
	return out
}

// singleEnvelope builds the per-recipient envelope: exactly one address in
// the recipient's original bucket, full headers and sender fields.
func singleEnvelope(m *domain.Message, rc normalizedRecipient) Envelope {
	env := Envelope{
		From:     m.FromEmail,
		FromName: m.FromName,
		ReplyTo:  m.ReplyTo,
		Headers:  m.Headers,
	}
	switch rc.bucket {
	case domain.RecipientCc:
		env.Cc = []string{rc.address}
	case domain.RecipientBcc:
		env.Bcc = []string{rc.address}
	default:
		env.To = []string{rc.address}
	}
	return env
}

// fullEnvelope builds the preview envelope listing every recipient.
func (s *Ingest) fullEnvelope(m *domain.Message, recipients []normalizedRecipient) Envelope {
	env := Envelope{From: m.FromEmail, FromName: m.FromName, ReplyTo: m.ReplyTo, Headers: m.Headers}
	for _, rc := range recipients {
		switch rc.bucket {
		case domain.RecipientCc:
			env.Cc = append(env.Cc, rc.address)
		case domain.RecipientBcc:
			env.Bcc = append(env.Bcc, rc.address)
		default:
			env.To = append(env.To, rc.address)
		}
	}
	return env
}

func (s *Ingest) cachedResult(requestID string) *SubmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[requestID]
}

func (s *Ingest) cacheResult(requestID string, r *SubmitResult) {
	if requestID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[requestID]; ok {
		return
	}
	if len(s.seenOrder) >= s.seenMax {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
	s.seen[requestID] = r
	s.seenOrder = append(s.seenOrder, requestID)
}

// newToken returns a fresh 128-bit hex token.
func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
