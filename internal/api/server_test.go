package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeysmail/platform/internal/dnsverify"
	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/outbound"
)

type fakeSubmitter struct {
	res      *outbound.SubmitResult
	err      error
	tenantID int64
	domainID int64
}

func (f *fakeSubmitter) Submit(ctx context.Context, tenantID, domainID int64, in outbound.SubmitInput) (*outbound.SubmitResult, error) {
	f.tenantID, f.domainID = tenantID, domainID
	return f.res, f.err
}

type fakeEnqueuer struct {
	entryID     string
	materialize bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, tenantID, segmentID int64, materialize bool) (string, error) {
	f.materialize = materialize
	return f.entryID, nil
}

type fakeVerifier struct {
	report *dnsverify.Report
	status domain.DomainStatus
	err    error
}

func (f *fakeVerifier) VerifyDomain(ctx context.Context, tenantID, id int64) (*dnsverify.Report, domain.DomainStatus, error) {
	return f.report, f.status, f.err
}

type fakeStatusReader struct {
	snaps map[string]map[string]interface{}
}

func (f *fakeStatusReader) Get(ctx context.Context, key string) (map[string]interface{}, error) {
	return f.snaps[key], nil
}

type fakeRecorder struct {
	tokens []string
	kinds  []domain.EventKind
	calls  []eventIntakeRequest
	err    error
}

func (f *fakeRecorder) Record(ctx context.Context, tenantID, messageID int64, recipient string, kind domain.EventKind, smtpCode int, smtpText string) error {
	f.calls = append(f.calls, eventIntakeRequest{MessageID: messageID, Recipient: recipient, Kind: string(kind), SMTPCode: smtpCode, SMTPText: smtpText})
	return f.err
}

func (f *fakeRecorder) RecordByToken(ctx context.Context, token string, kind domain.EventKind) error {
	f.tokens = append(f.tokens, token)
	f.kinds = append(f.kinds, kind)
	return f.err
}

type fakeWebhookAdmin struct {
	created *domain.Webhook
	hook    *domain.Webhook
}

func (f *fakeWebhookAdmin) Create(ctx context.Context, w *domain.Webhook) (int64, error) {
	f.created = w
	return 11, nil
}

func (f *fakeWebhookAdmin) Get(ctx context.Context, id int64) (*domain.Webhook, error) {
	if f.hook == nil || f.hook.ID != id {
		return nil, domain.Faultf(domain.KindNotFound, "webhook %d not found", id)
	}
	return f.hook, nil
}

func (f *fakeWebhookAdmin) ListActive(ctx context.Context, tenantID int64) ([]domain.Webhook, error) {
	return nil, nil
}

func (f *fakeWebhookAdmin) Deliveries(ctx context.Context, webhookID int64, limit int) ([]domain.WebhookDelivery, error) {
	return []domain.WebhookDelivery{{ID: 1, WebhookID: webhookID}}, nil
}

func do(t *testing.T, h http.Handler, method, path, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireTenant(t *testing.T) {
	s := NewServer(&fakeSubmitter{}, nil, nil, nil, nil, nil, nil)
	h := s.Router()

	rec := do(t, h, http.MethodPost, "/v1/messages", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/messages", "nope", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitRoutesToIngest(t *testing.T) {
	sub := &fakeSubmitter{res: &outbound.SubmitResult{Status: "queued", Queued: 1}}
	s := NewServer(sub, nil, nil, nil, nil, nil, nil)
	h := s.Router()

	rec := do(t, h, http.MethodPost, "/v1/messages", "7",
		`{"domain_id":3,"from":"x@a.tld","to":["u@b.tld"],"subject":"Hi","html":"<p>hi</p>"}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(7), sub.tenantID)
	assert.Equal(t, int64(3), sub.domainID)

	var res outbound.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "queued", res.Status)
	assert.Equal(t, 1, res.Queued)
}

func TestSubmitFaultMapping(t *testing.T) {
	cases := []struct {
		kind domain.Kind
		code int
	}{
		{domain.KindInvalidSender, http.StatusBadRequest},
		{domain.KindNoRecipients, http.StatusBadRequest},
		{domain.KindQuotaExceeded, http.StatusTooManyRequests},
		{domain.KindNotFound, http.StatusNotFound},
		{domain.KindCrossTenant, http.StatusNotFound},
		{domain.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		sub := &fakeSubmitter{err: domain.NewFault(tc.kind, "secret detail")}
		s := NewServer(sub, nil, nil, nil, nil, nil, nil)

		rec := do(t, s.Router(), http.MethodPost, "/v1/messages", "1", `{"domain_id":1}`)
		assert.Equal(t, tc.code, rec.Code, "kind %s", tc.kind)

		if tc.code == http.StatusNotFound || tc.code == http.StatusInternalServerError {
			assert.NotContains(t, rec.Body.String(), "secret detail", "kind %s must not leak", tc.kind)
		}
	}
}

func TestMessageStatusEndpoint(t *testing.T) {
	status := &fakeStatusReader{snaps: map[string]map[string]interface{}{
		"mail:status:1:42": {"status": "sent", "progress": float64(100)},
	}}
	s := NewServer(nil, nil, nil, status, nil, nil, nil)
	h := s.Router()

	rec := do(t, h, http.MethodGet, "/v1/messages/42/status", "1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sent"`)

	rec = do(t, h, http.MethodGet, "/v1/messages/43/status", "1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Another tenant's key is simply absent.
	rec = do(t, h, http.MethodGet, "/v1/messages/42/status", "2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSegmentBuildEndpoint(t *testing.T) {
	enq := &fakeEnqueuer{entryID: "1700000000000-0"}
	s := NewServer(nil, enq, nil, nil, nil, nil, nil)
	h := s.Router()

	rec := do(t, h, http.MethodPost, "/v1/segments/5/build", "1", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, enq.materialize, "materialize defaults to true")
	assert.Contains(t, rec.Body.String(), "1700000000000-0")

	rec = do(t, h, http.MethodPost, "/v1/segments/5/build?materialize=false", "1", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, enq.materialize)

	rec = do(t, h, http.MethodPost, "/v1/segments/abc/build", "1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDomainVerifyEndpoint(t *testing.T) {
	v := &fakeVerifier{
		report: &dnsverify.Report{Summary: dnsverify.Summary{Passed: 3, Active: true}},
		status: domain.DomainActive,
	}
	s := NewServer(nil, nil, v, nil, nil, nil, nil)

	rec := do(t, s.Router(), http.MethodPost, "/v1/domains/3/verify", "1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active"`)
}

func TestEventIntake(t *testing.T) {
	recd := &fakeRecorder{}
	s := NewServer(nil, nil, nil, nil, recd, nil, nil)
	h := s.Router()

	rec := do(t, h, http.MethodPost, "/v1/events", "1",
		`{"message_id":42,"recipient":"u@b.tld","kind":"bounced","smtp_code":550,"smtp_text":"user unknown"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, recd.calls, 1)
	assert.Equal(t, "bounced", recd.calls[0].Kind)
	assert.Equal(t, 550, recd.calls[0].SMTPCode)

	// opened/clicked arrive via tracking endpoints, not intake
	rec = do(t, h, http.MethodPost, "/v1/events", "1",
		`{"message_id":42,"recipient":"u@b.tld","kind":"opened"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/events", "1", `{"recipient":"u@b.tld","kind":"bounced"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookEndpoints(t *testing.T) {
	admin := &fakeWebhookAdmin{hook: &domain.Webhook{ID: 11, TenantID: 1}}
	s := NewServer(nil, nil, nil, nil, nil, admin, nil)
	h := s.Router()

	rec := do(t, h, http.MethodPost, "/v1/webhooks", "1",
		`{"url":"https://a.example/hook","events":["sent"],"secret":"whsec"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, admin.created)
	assert.True(t, admin.created.Active)
	assert.Equal(t, int64(1), admin.created.TenantID)

	rec = do(t, h, http.MethodPost, "/v1/webhooks", "1", `{"url":"https://a.example/hook"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/webhooks/11/deliveries", "1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Another tenant cannot read the ledger.
	rec = do(t, h, http.MethodGet, "/v1/webhooks/11/deliveries", "2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenPixelAlwaysServed(t *testing.T) {
	recd := &fakeRecorder{}
	s := NewServer(nil, nil, nil, nil, recd, nil, nil)
	h := s.Router()

	rec := do(t, h, http.MethodGet, "/t/o/tok123", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Equal(t, pixelGIF, rec.Body.Bytes())
	assert.Equal(t, []string{"tok123"}, recd.tokens)
	assert.Equal(t, []domain.EventKind{domain.EventOpened}, recd.kinds)

	// A stale token still gets the pixel.
	recd.err = domain.NewFault(domain.KindNotFound, "gone")
	rec = do(t, h, http.MethodGet, "/t/o/stale", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pixelGIF, rec.Body.Bytes())
}

func TestClickRedirect(t *testing.T) {
	recd := &fakeRecorder{}
	s := NewServer(nil, nil, nil, nil, recd, nil, nil)
	h := s.Router()

	u := base64.RawURLEncoding.EncodeToString([]byte("https://x.example/page"))
	rec := do(t, h, http.MethodGet, "/t/c/tok123?u="+u, "", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://x.example/page", rec.Header().Get("Location"))
	assert.Equal(t, []domain.EventKind{domain.EventClicked}, recd.kinds)

	rec = do(t, h, http.MethodGet, "/t/c/tok123?u=%25%25", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// javascript: and relative targets are refused.
	bad := base64.RawURLEncoding.EncodeToString([]byte("javascript:alert(1)"))
	rec = do(t, h, http.MethodGet, "/t/c/tok123?u="+bad, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
