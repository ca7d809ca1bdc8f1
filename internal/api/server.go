// Package api exposes the platform's core operations over a thin chi
// router: message submission, domain verification, segment builds, status
// polls, webhook administration, delivery-event intake, and the tracking
// redirect endpoints. Authentication and tenant management live in front
// of this service; the tenant id arrives as a trusted header.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/monkeysmail/platform/internal/dnsverify"
	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/outbound"
)

// TenantHeader carries the authenticated tenant id, set by the gateway.
const TenantHeader = "X-Tenant-Id"

type ctxKey int

const tenantKey ctxKey = iota

// MessageSubmitter runs the ingest pipeline.
type MessageSubmitter interface {
	Submit(ctx context.Context, tenantID, domainID int64, in outbound.SubmitInput) (*outbound.SubmitResult, error)
}

// SegmentEnqueuer requests asynchronous segment builds.
type SegmentEnqueuer interface {
	Enqueue(ctx context.Context, tenantID, segmentID int64, materialize bool) (string, error)
}

// DomainVerifier runs DNS verification for a tenant domain.
type DomainVerifier interface {
	VerifyDomain(ctx context.Context, tenantID, id int64) (*dnsverify.Report, domain.DomainStatus, error)
}

// StatusReader reads short-TTL job status snapshots.
type StatusReader interface {
	Get(ctx context.Context, key string) (map[string]interface{}, error)
}

// EventRecorder ingests delivery feedback and tracking hits.
type EventRecorder interface {
	Record(ctx context.Context, tenantID, messageID int64, recipient string, kind domain.EventKind, smtpCode int, smtpText string) error
	RecordByToken(ctx context.Context, token string, kind domain.EventKind) error
}

// WebhookAdmin manages webhook subscriptions and their ledgers.
type WebhookAdmin interface {
	Create(ctx context.Context, w *domain.Webhook) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Webhook, error)
	ListActive(ctx context.Context, tenantID int64) ([]domain.Webhook, error)
	Deliveries(ctx context.Context, webhookID int64, limit int) ([]domain.WebhookDelivery, error)
}

// Server wires the core services into HTTP handlers.
type Server struct {
	ingest   MessageSubmitter
	segments SegmentEnqueuer
	domains  DomainVerifier
	status   StatusReader
	events   EventRecorder
	webhooks WebhookAdmin

	allowedOrigins []string
}

// NewServer creates the HTTP surface. Any dependency may be nil; its
// routes then answer 503.
func NewServer(ingest MessageSubmitter, segs SegmentEnqueuer, domains DomainVerifier, status StatusReader, events EventRecorder, webhooks WebhookAdmin, allowedOrigins []string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{
		ingest:         ingest,
		segments:       segs,
		domains:        domains,
		status:         status,
		events:         events,
		webhooks:       webhooks,
		allowedOrigins: allowedOrigins,
	}
}

// Router builds the chi mux.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", TenantHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	// Tracking endpoints are unauthenticated: the token is the credential.
	r.Get("/t/o/{token}", s.handleOpen)
	r.Get("/t/c/{token}", s.handleClick)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireTenant)

		r.Post("/messages", s.handleSubmit)
		r.Get("/messages/{id}/status", s.handleMessageStatus)

		r.Post("/segments/{id}/build", s.handleSegmentBuild)
		r.Get("/segments/{id}/status", s.handleSegmentStatus)

		r.Post("/domains/{id}/verify", s.handleDomainVerify)

		r.Post("/events", s.handleEventIntake)

		r.Post("/webhooks", s.handleWebhookCreate)
		r.Get("/webhooks", s.handleWebhookList)
		r.Get("/webhooks/{id}/deliveries", s.handleWebhookDeliveries)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireTenant rejects requests without a parsable tenant header and puts
// the id on the context.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(TenantHeader), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+TenantHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, id)))
	})
}

func tenantFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(tenantKey).(int64)
	return id
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}
