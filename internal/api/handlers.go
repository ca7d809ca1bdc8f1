package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/outbound"
	"github.com/monkeysmail/platform/internal/streambus"
)

type submitRequest struct {
	DomainID int64 `json:"domain_id"`
	outbound.SubmitInput
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest unavailable")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.ingest.Submit(r.Context(), tenantFrom(r), req.DomainID, req.SubmitInput)
	if err != nil {
		writeFault(w, err)
		return
	}

	code := http.StatusAccepted
	if res.Status == "preview" {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok || s.status == nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	s.serveStatus(w, r, streambus.MessageKey(tenantFrom(r), id))
}

func (s *Server) handleSegmentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok || s.status == nil {
		writeError(w, http.StatusBadRequest, "invalid segment id")
		return
	}
	s.serveStatus(w, r, streambus.SegmentKey(tenantFrom(r), id))
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request, key string) {
	snap, err := s.status.Get(r.Context(), key)
	if err != nil {
		writeFault(w, err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "no recent status")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSegmentBuild(w http.ResponseWriter, r *http.Request) {
	if s.segments == nil {
		writeError(w, http.StatusServiceUnavailable, "segment builds unavailable")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid segment id")
		return
	}

	materialize := true
	if v := r.URL.Query().Get("materialize"); v != "" {
		materialize, _ = strconv.ParseBool(v)
	}

	entryID, err := s.segments.Enqueue(r.Context(), tenantFrom(r), id, materialize)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "queued",
		"entry_id":    entryID,
		"segment_id":  id,
		"materialize": materialize,
	})
}

func (s *Server) handleDomainVerify(w http.ResponseWriter, r *http.Request) {
	if s.domains == nil {
		writeError(w, http.StatusServiceUnavailable, "verification unavailable")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid domain id")
		return
	}

	report, status, err := s.domains.VerifyDomain(r.Context(), tenantFrom(r), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": string(status),
		"report": report,
	})
}

type eventIntakeRequest struct {
	MessageID int64  `json:"message_id"`
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	SMTPCode  int    `json:"smtp_code,omitempty"`
	SMTPText  string `json:"smtp_text,omitempty"`
}

var intakeKinds = map[domain.EventKind]bool{
	domain.EventDelivered:  true,
	domain.EventBounced:    true,
	domain.EventComplained: true,
}

func (s *Server) handleEventIntake(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event intake unavailable")
		return
	}
	var req eventIntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	kind := domain.EventKind(req.Kind)
	if req.MessageID <= 0 || req.Recipient == "" || !intakeKinds[kind] {
		writeError(w, http.StatusBadRequest, "message_id, recipient, and a delivery kind are required")
		return
	}

	err := s.events.Record(r.Context(), tenantFrom(r), req.MessageID, req.Recipient, kind, req.SMTPCode, req.SMTPText)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

type webhookCreateRequest struct {
	URL            string   `json:"url"`
	Events         []string `json:"events"`
	Secret         string   `json:"secret"`
	BatchSize      int      `json:"batch_size,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	BackoffSeconds []int    `json:"backoff_seconds,omitempty"`
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks unavailable")
		return
	}
	var req webhookCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" || len(req.Events) == 0 || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "url, events, and secret are required")
		return
	}

	hook := &domain.Webhook{
		TenantID:       tenantFrom(r),
		URL:            req.URL,
		Events:         req.Events,
		Secret:         req.Secret,
		BatchSize:      req.BatchSize,
		MaxRetries:     req.MaxRetries,
		BackoffSeconds: req.BackoffSeconds,
		Active:         true,
	}
	id, err := s.webhooks.Create(r.Context(), hook)
	if err != nil {
		writeFault(w, err)
		return
	}
	hook.ID = id
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks unavailable")
		return
	}
	hooks, err := s.webhooks.ListActive(r.Context(), tenantFrom(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	if hooks == nil {
		hooks = []domain.Webhook{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks unavailable")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}

	hook, err := s.webhooks.Get(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if hook.TenantID != tenantFrom(r) {
		writeFault(w, domain.NewFault(domain.KindCrossTenant, "webhook belongs to another tenant"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deliveries, err := s.webhooks.Deliveries(r.Context(), id, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []domain.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}
