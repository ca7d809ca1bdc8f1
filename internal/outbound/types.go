// Package outbound implements the transactional send pipeline: ingest
// validation, per-recipient fan-out onto the mail stream, and the worker
// that delivers jobs over SMTP with retry and dead-lettering.
package outbound

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/monkeysmail/platform/internal/streambus"
)

// Envelope carries the SMTP-level addressing of one job. Jobs are fanned
// out one recipient per entry, so exactly one of to/cc/bcc holds a single
// address.
type Envelope struct {
	From     string            `json:"from"`
	FromName string            `json:"fromName,omitempty"`
	ReplyTo  string            `json:"replyTo,omitempty"`
	To       []string          `json:"to,omitempty"`
	Cc       []string          `json:"cc,omitempty"`
	Bcc      []string          `json:"bcc,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// RecipientCount is the total address count across all buckets.
func (e Envelope) RecipientCount() int {
	return len(e.To) + len(e.Cc) + len(e.Bcc)
}

// Addresses returns every envelope address, to then cc then bcc.
func (e Envelope) Addresses() []string {
	out := make([]string, 0, e.RecipientCount())
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	return append(out, e.Bcc...)
}

// RetryCount decodes the job retries field leniently: numbers, numeric
// strings, and the empty string (treated as zero) all parse.
type RetryCount int

// UnmarshalJSON accepts 3, "3", and "".
func (r *RetryCount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == `""` || string(data) == "null" {
		*r = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*r = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*r = RetryCount(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = RetryCount(n)
	return nil
}

// Job is one stream entry's document: a single-recipient delivery order.
type Job struct {
	MessageID     int64      `json:"message_id"`
	TenantID      int64      `json:"tenant_id"`
	DomainID      int64      `json:"domain_id"`
	RecipientID   int64      `json:"recipient_id,omitempty"`
	TrackingToken string     `json:"tracking_token,omitempty"`
	Envelope      Envelope   `json:"envelope"`
	Retries       RetryCount `json:"retries,omitempty"`
	EnqueuedAt    string     `json:"enqueued_at,omitempty"`
}

// NewJob stamps the enqueue time on a job.
func NewJob(messageID, tenantID, domainID, recipientID int64, token string, env Envelope) Job {
	return Job{
		MessageID:     messageID,
		TenantID:      tenantID,
		DomainID:      domainID,
		RecipientID:   recipientID,
		TrackingToken: token,
		Envelope:      env,
		EnqueuedAt:    time.Now().UTC().Format(time.RFC3339),
	}
}

// DecodeJob extracts and parses a job from a stream entry. A job without a
// message_id is malformed. Malformed entries must be acked and dropped.
func DecodeJob(values map[string]interface{}) (*Job, bool) {
	doc, ok := streambus.EntryJSON(values)
	if !ok {
		return nil, false
	}
	var j Job
	if err := json.Unmarshal(doc, &j); err != nil {
		return nil, false
	}
	if j.MessageID == 0 {
		return nil, false
	}
	return &j, true
}
