package dnsverify

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeysmail/platform/internal/domain"
)

type fakeResolver struct {
	txt    map[string][]string
	mx     map[string][]*net.MX
	cname  map[string]string
	errFor map[string]error
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if err := f.errFor[name]; err != nil {
		return nil, err
	}
	return f.txt[name], nil
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	if err := f.errFor[name]; err != nil {
		return nil, err
	}
	return f.mx[name], nil
}

func (f *fakeResolver) LookupCNAME(ctx context.Context, name string) (string, error) {
	if err := f.errFor[name]; err != nil {
		return "", err
	}
	return f.cname[name], nil
}

type fakePolicy struct {
	policy *Policy
	err    error
}

func (f *fakePolicy) Fetch(ctx context.Context, apex string) (*Policy, error) {
	return f.policy, f.err
}

func fullExpectations() *domain.Domain {
	return &domain.Domain{
		ID: 3, TenantID: 1, Name: "example.com", Status: domain.DomainPending,
		TxtName:      "_monkeys.example.com",
		TxtValue:     "monkeys-verify=abc123",
		SPFRecord:    "v=spf1 include:spf.monkeysmail.com ~all",
		DMARCRecord:  "v=DMARC1; p=quarantine; rua=mailto:dmarc@example.com",
		ExpectedMX:   []domain.MXRecord{{Host: "mx1.monkeysmail.com.", Priority: 10}, {Host: "mx2.monkeysmail.com.", Priority: 20}},
		DkimSelector: "mail",
		DkimTxtValue: "v=DKIM1; k=rsa; p=MIIBIjANBg",
		TLSRPTRecord: "v=TLSRPTv1; rua=mailto:tlsrpt@example.com",
		MTAStsRecord: "v=STSv1; id=20260826",
		MTAStsCNAME:  "mta-sts.monkeysmail.com",
		AcmeDelegation: "acme.monkeysmail.com",
	}
}

func passingResolver() *fakeResolver {
	return &fakeResolver{
		txt: map[string][]string{
			"_monkeys.example.com":       {`"monkeys-verify=abc123"`},
			"example.com":                {"some other txt", "v=spf1   include:spf.monkeysmail.com ~all"},
			"_dmarc.example.com":         {"V=DMARC1; P=quarantine; RUA=mailto:dmarc@example.com"},
			"mail._domainkey.example.com": {"v=DKIM1; k=rsa; p=MIIBIjANBg"},
			"_smtp._tls.example.com":     {"v=TLSRPTv1; rua=mailto:tlsrpt@example.com"},
			"_mta-sts.example.com":       {"v=STSv1; id=20260826"},
		},
		mx: map[string][]*net.MX{
			"example.com": {{Host: "MX2.monkeysmail.com", Pref: 20}, {Host: "mx1.monkeysmail.com.", Pref: 10}},
		},
		cname: map[string]string{
			"mta-sts.example.com":                 "mta-sts.monkeysmail.com.",
			"_acme-challenge.mta-sts.example.com": "acme.monkeysmail.com.",
		},
	}
}

func passingPolicy() *fakePolicy {
	return &fakePolicy{policy: &Policy{
		Version: "STSv1", Mode: "enforce",
		MX: []string{"mx1.monkeysmail.com", "mx2.monkeysmail.com"}, MaxAge: 86400,
	}}
}

func TestVerifyAllChecksPass(t *testing.T) {
	v := NewVerifier(passingResolver(), passingPolicy(), time.Second)

	report, status := v.Verify(context.Background(), fullExpectations())

	assert.Equal(t, domain.DomainActive, status)
	assert.Equal(t, 10, report.Summary.Passed)
	assert.Zero(t, report.Summary.Failed)
	assert.True(t, report.Summary.Active)
	for name, c := range report.Checks {
		assert.Equal(t, StatusPass, c.Status, "check %s: %v", name, c.Errors)
	}
}

func TestVerifyFailuresKeepPending(t *testing.T) {
	r := passingResolver()
	r.txt["_dmarc.example.com"] = []string{"v=DMARC1; p=none"}
	r.errFor = map[string]error{"_smtp._tls.example.com": errors.New("NXDOMAIN")}
	v := NewVerifier(r, passingPolicy(), time.Second)

	report, status := v.Verify(context.Background(), fullExpectations())

	assert.Equal(t, domain.DomainPending, status)
	assert.Equal(t, 2, report.Summary.Failed)
	assert.False(t, report.Summary.Active)

	dmarc := report.Checks["dmarc"]
	assert.Equal(t, StatusFail, dmarc.Status)
	assert.Contains(t, dmarc.Found, "p=none")
	require.NotEmpty(t, dmarc.Errors)

	tlsrpt := report.Checks["tlsrpt"]
	assert.Equal(t, StatusFail, tlsrpt.Status)
	assert.Contains(t, tlsrpt.Errors[0], "NXDOMAIN")
}

func TestVerifySkipsEmptyExpectations(t *testing.T) {
	d := &domain.Domain{ID: 3, TenantID: 1, Name: "example.com",
		SPFRecord: "v=spf1 ~all"}
	r := &fakeResolver{txt: map[string][]string{"example.com": {"v=spf1 ~all"}}}
	v := NewVerifier(r, nil, time.Second)

	report, status := v.Verify(context.Background(), d)

	assert.Equal(t, domain.DomainActive, status, "one passing check with the rest skipped activates")
	assert.Equal(t, 1, report.Summary.Passed)
	assert.Equal(t, 9, report.Summary.Skipped)
	assert.Equal(t, StatusSkipped, report.Checks["dmarc"].Status)
}

func TestVerifyNothingToCheckStaysPending(t *testing.T) {
	v := NewVerifier(&fakeResolver{}, nil, time.Second)

	report, status := v.Verify(context.Background(), &domain.Domain{Name: "example.com"})

	assert.Equal(t, domain.DomainPending, status)
	assert.Zero(t, report.Summary.Passed)
	assert.Equal(t, 10, report.Summary.Skipped)
}

func TestVerifyMXSetMismatch(t *testing.T) {
	r := passingResolver()
	r.mx["example.com"] = []*net.MX{{Host: "mx1.monkeysmail.com.", Pref: 10}}
	v := NewVerifier(r, passingPolicy(), time.Second)

	report, _ := v.Verify(context.Background(), fullExpectations())
	mx := report.Checks["mx"]
	assert.Equal(t, StatusFail, mx.Status)
	assert.Contains(t, mx.Errors[0], "MX set")
}

func TestVerifyDKIMComparesPOnly(t *testing.T) {
	r := passingResolver()
	// Different surrounding fields, same key material.
	r.txt["mail._domainkey.example.com"] = []string{"k=rsa; v=DKIM1; t=s; p=MIIBIjANBg"}
	v := NewVerifier(r, passingPolicy(), time.Second)

	report, _ := v.Verify(context.Background(), fullExpectations())
	assert.Equal(t, StatusPass, report.Checks["dkim"].Status)

	r.txt["mail._domainkey.example.com"] = []string{"v=DKIM1; k=rsa; p=DIFFERENT"}
	report, _ = v.Verify(context.Background(), fullExpectations())
	assert.Equal(t, StatusFail, report.Checks["dkim"].Status)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(strings.NewReader(
		"version: STSv1\nmode: enforce\nmx: MX1.example.com\nmx: mx2.example.com\nmax_age: 604800\n"))
	require.NoError(t, err)
	assert.Equal(t, "STSv1", p.Version)
	assert.Equal(t, "enforce", p.Mode)
	assert.Equal(t, []string{"mx1.example.com", "mx2.example.com"}, p.MX)
	assert.Equal(t, 604800, p.MaxAge)

	_, err = ParsePolicy(strings.NewReader("mode: testing\n"))
	assert.Error(t, err, "version is mandatory")

	_, err = ParsePolicy(strings.NewReader("version: STSv1\nmax_age: soon\n"))
	assert.Error(t, err)
}

type fakeDomainStore struct {
	domain *domain.Domain
	saved  struct {
		status          domain.DomainStatus
		report          json.RawMessage
		firstActivation bool
		calls           int
	}
}

func (f *fakeDomainStore) Get(ctx context.Context, tenantID, id int64) (*domain.Domain, error) {
	if f.domain == nil || f.domain.ID != id || f.domain.TenantID != tenantID {
		return nil, domain.Faultf(domain.KindNotFound, "domain %d not found", id)
	}
	return f.domain, nil
}

func (f *fakeDomainStore) ListForVerification(ctx context.Context, limit int) ([]domain.Domain, error) {
	if f.domain == nil {
		return nil, nil
	}
	return []domain.Domain{*f.domain}, nil
}

func (f *fakeDomainStore) SaveVerification(ctx context.Context, id int64, status domain.DomainStatus, report json.RawMessage, checkedAt time.Time, firstActivation bool) error {
	f.saved.status = status
	f.saved.report = report
	f.saved.firstActivation = firstActivation
	f.saved.calls++
	return nil
}

func TestServiceVerifyDomainStampsFirstActivationOnce(t *testing.T) {
	store := &fakeDomainStore{domain: fullExpectations()}
	svc := NewService(NewVerifier(passingResolver(), passingPolicy(), time.Second), store)

	report, status, err := svc.VerifyDomain(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.DomainActive, status)
	assert.True(t, store.saved.firstActivation)
	assert.True(t, report.Summary.Active)

	var persisted Report
	require.NoError(t, json.Unmarshal(store.saved.report, &persisted))
	assert.Equal(t, 10, persisted.Summary.Passed)

	// An already-verified domain re-activates without re-stamping.
	now := time.Now()
	store.domain.VerifiedAt = &now
	_, _, err = svc.VerifyDomain(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.False(t, store.saved.firstActivation)
}

func TestServiceVerifyDomainCrossTenant(t *testing.T) {
	store := &fakeDomainStore{domain: fullExpectations()}
	svc := NewService(NewVerifier(passingResolver(), passingPolicy(), time.Second), store)

	_, _, err := svc.VerifyDomain(context.Background(), 99, 3)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
	assert.Zero(t, store.saved.calls)
}

func TestServiceSweep(t *testing.T) {
	store := &fakeDomainStore{domain: fullExpectations()}
	svc := NewService(NewVerifier(passingResolver(), passingPolicy(), time.Second), store)

	checked, err := svc.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, checked)
	assert.Equal(t, domain.DomainActive, store.saved.status)
}
