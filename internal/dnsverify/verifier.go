// Package dnsverify resolves and compares a sending domain's DNS records
// against its stored expectations and produces a verification report.
package dnsverify

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/pkg/logger"
)

// Resolver is the DNS surface the verifier needs. *net.Resolver satisfies
// it; tests inject a fake.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupCNAME(ctx context.Context, name string) (string, error)
}

// PolicyFetcher retrieves and parses the MTA-STS HTTPS policy for an apex.
type PolicyFetcher interface {
	Fetch(ctx context.Context, apex string) (*Policy, error)
}

// Check statuses.
const (
	StatusPass    = "pass"
	StatusFail    = "fail"
	StatusSkipped = "skipped"
)

// CheckResult is the outcome of one record comparison.
type CheckResult struct {
	Status   string   `json:"status"`
	Expected string   `json:"expected,omitempty"`
	Found    string   `json:"found,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Summary aggregates the per-check outcomes.
type Summary struct {
	Passed  int  `json:"passed"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
	Active  bool `json:"active"`
}

// Report is the structured verification result stored on the domain row.
type Report struct {
	Checks    map[string]CheckResult `json:"checks"`
	Summary   Summary                `json:"summary"`
	CheckedAt string                 `json:"checked_at"`
}

var mtaStsTxtPattern = regexp.MustCompile(`^v=STSv1;\s*id=`)

// Verifier runs the full DNS check suite for one domain. Checks whose
// expectation is empty are skipped; the domain goes active only when every
// expected record verifies and at least one check ran.
type Verifier struct {
	resolver Resolver
	policy   PolicyFetcher
	timeout  time.Duration
	now      func() time.Time
}

// NewVerifier creates a verifier. A zero timeout defaults to 5s per lookup;
// a nil policy fetcher skips the MTA-STS HTTPS policy check.
func NewVerifier(resolver Resolver, policy PolicyFetcher, timeout time.Duration) *Verifier {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Verifier{resolver: resolver, policy: policy, timeout: timeout, now: time.Now}
}

// Verify runs every check for the domain and returns the report plus the
// status the domain should move to.
func (v *Verifier) Verify(ctx context.Context, d *domain.Domain) (*Report, domain.DomainStatus) {
	report := &Report{
		Checks:    map[string]CheckResult{},
		CheckedAt: v.now().UTC().Format(time.RFC3339),
	}

	report.Checks["verification_txt"] = v.checkVerificationTXT(ctx, d)
	report.Checks["spf"] = v.checkSPF(ctx, d)
	report.Checks["dmarc"] = v.checkDMARC(ctx, d)
	report.Checks["mx"] = v.checkMX(ctx, d)
	report.Checks["dkim"] = v.checkDKIM(ctx, d)
	report.Checks["tlsrpt"] = v.checkTLSRPT(ctx, d)
	report.Checks["mta_sts_txt"] = v.checkMTAStsTXT(ctx, d)
	report.Checks["mta_sts_cname"] = v.checkCNAME(ctx, "mta-sts."+d.Name, d.MTAStsCNAME)
	report.Checks["acme_delegation"] = v.checkCNAME(ctx, "_acme-challenge.mta-sts."+d.Name, d.AcmeDelegation)
	report.Checks["mta_sts_policy"] = v.checkPolicy(ctx, d)

	for _, c := range report.Checks {
		switch c.Status {
		case StatusPass:
			report.Summary.Passed++
		case StatusFail:
			report.Summary.Failed++
		default:
			report.Summary.Skipped++
		}
	}
	report.Summary.Active = report.Summary.Failed == 0 && report.Summary.Passed > 0

	status := domain.DomainPending
	if report.Summary.Active {
		status = domain.DomainActive
	}
	return report, status
}

func (v *Verifier) checkVerificationTXT(ctx context.Context, d *domain.Domain) CheckResult {
	if d.TxtName == "" || d.TxtValue == "" {
		return CheckResult{Status: StatusSkipped}
	}
	expected := collapseWhitespace(trimQuotes(d.TxtValue))
	records, err := v.lookupTXT(ctx, d.TxtName)
	if err != nil {
		return failure(expected, "", err)
	}
	for _, r := range records {
		if collapseWhitespace(trimQuotes(r)) == expected {
			return CheckResult{Status: StatusPass, Expected: expected, Found: r}
		}
	}
	return CheckResult{Status: StatusFail, Expected: expected, Found: strings.Join(records, " | "),
		Errors: []string{"no matching TXT record"}}
}

func (v *Verifier) checkSPF(ctx context.Context, d *domain.Domain) CheckResult {
	if d.SPFRecord == "" {
		return CheckResult{Status: StatusSkipped}
	}
	expected := collapseWhitespace(strings.ToLower(d.SPFRecord))
	records, err := v.lookupTXT(ctx, d.Name)
	if err != nil {
		return failure(expected, "", err)
	}
	var found string
	for _, r := range records {
		norm := collapseWhitespace(strings.ToLower(trimQuotes(r)))
		if !strings.HasPrefix(norm, "v=spf1") {
			continue
		}
		found = r
		if norm == expected {
			return CheckResult{Status: StatusPass, Expected: expected, Found: r}
		}
	}
	errMsg := "SPF record does not match"
	if found == "" {
		errMsg = "no v=spf1 record found"
	}
	return CheckResult{Status: StatusFail, Expected: expected, Found: found, Errors: []string{errMsg}}
}

func (v *Verifier) checkDMARC(ctx context.Context, d *domain.Domain) CheckResult {
	if d.DMARCRecord == "" {
		return CheckResult{Status: StatusSkipped}
	}
	expected := stripWhitespace(strings.ToLower(d.DMARCRecord))
	records, err := v.lookupTXT(ctx, "_dmarc."+d.Name)
	if err != nil {
		return failure(d.DMARCRecord, "", err)
	}
	for _, r := range records {
		if stripWhitespace(strings.ToLower(trimQuotes(r))) == expected {
			return CheckResult{Status: StatusPass, Expected: d.DMARCRecord, Found: r}
		}
	}
	return CheckResult{Status: StatusFail, Expected: d.DMARCRecord, Found: strings.Join(records, " | "),
		Errors: []string{"DMARC record does not match"}}
}

func (v *Verifier) checkMX(ctx context.Context, d *domain.Domain) CheckResult {
	if len(d.ExpectedMX) == 0 {
		return CheckResult{Status: StatusSkipped}
	}
	lctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	found, err := v.resolver.LookupMX(lctx, d.Name)
	if err != nil {
		return failure(mxSetString(d.ExpectedMX), "", err)
	}

	expected := map[string]bool{}
	for _, mx := range d.ExpectedMX {
		expected[fmt.Sprintf("%s %d", withTrailingDot(strings.ToLower(mx.Host)), mx.Priority)] = true
	}
	got := map[string]bool{}
	var gotList []string
	for _, mx := range found {
		key := fmt.Sprintf("%s %d", withTrailingDot(strings.ToLower(mx.Host)), mx.Pref)
		got[key] = true
		gotList = append(gotList, key)
	}
	sort.Strings(gotList)

	if len(expected) == len(got) {
		match := true
		for k := range expected {
			if !got[k] {
				match = false
				break
			}
		}
		if match {
			return CheckResult{Status: StatusPass, Expected: mxSetString(d.ExpectedMX), Found: strings.Join(gotList, ", ")}
		}
	}
	return CheckResult{Status: StatusFail, Expected: mxSetString(d.ExpectedMX),
		Found: strings.Join(gotList, ", "), Errors: []string{"MX set does not match"}}
}

func (v *Verifier) checkDKIM(ctx context.Context, d *domain.Domain) CheckResult {
	if d.DkimSelector == "" || d.DkimTxtValue == "" {
		return CheckResult{Status: StatusSkipped}
	}
	expectedP := extractP(d.DkimTxtValue)
	if expectedP == "" {
		return CheckResult{Status: StatusFail, Expected: d.DkimTxtValue,
			Errors: []string{"expectation has no p= value"}}
	}
	name := d.DkimSelector + "._domainkey." + d.Name
	records, err := v.lookupTXT(ctx, name)
	if err != nil {
		return failure("p=" + expectedP, "", err)
	}
	for _, r := range records {
		if extractP(r) == expectedP {
			return CheckResult{Status: StatusPass, Expected: "p=" + expectedP, Found: r}
		}
	}
	return CheckResult{Status: StatusFail, Expected: "p=" + expectedP,
		Found: strings.Join(records, " | "), Errors: []string{"DKIM p= value does not match"}}
}

func (v *Verifier) checkTLSRPT(ctx context.Context, d *domain.Domain) CheckResult {
	if d.TLSRPTRecord == "" {
		return CheckResult{Status: StatusSkipped}
	}
	expected := collapseWhitespace(strings.ToLower(d.TLSRPTRecord))
	records, err := v.lookupTXT(ctx, "_smtp._tls."+d.Name)
	if err != nil {
		return failure(d.TLSRPTRecord, "", err)
	}
	for _, r := range records {
		if collapseWhitespace(strings.ToLower(trimQuotes(r))) == expected {
			return CheckResult{Status: StatusPass, Expected: d.TLSRPTRecord, Found: r}
		}
	}
	return CheckResult{Status: StatusFail, Expected: d.TLSRPTRecord,
		Found: strings.Join(records, " | "), Errors: []string{"TLS-RPT record does not match"}}
}

func (v *Verifier) checkMTAStsTXT(ctx context.Context, d *domain.Domain) CheckResult {
	if d.MTAStsRecord == "" {
		return CheckResult{Status: StatusSkipped}
	}
	records, err := v.lookupTXT(ctx, "_mta-sts."+d.Name)
	if err != nil {
		return failure(d.MTAStsRecord, "", err)
	}
	for _, r := range records {
		if mtaStsTxtPattern.MatchString(trimQuotes(r)) {
			return CheckResult{Status: StatusPass, Expected: d.MTAStsRecord, Found: r}
		}
	}
	return CheckResult{Status: StatusFail, Expected: d.MTAStsRecord,
		Found: strings.Join(records, " | "), Errors: []string{"no v=STSv1 record found"}}
}

func (v *Verifier) checkCNAME(ctx context.Context, name, expectedTarget string) CheckResult {
	if expectedTarget == "" {
		return CheckResult{Status: StatusSkipped}
	}
	expected := withTrailingDot(strings.ToLower(expectedTarget))
	lctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	target, err := v.resolver.LookupCNAME(lctx, name)
	if err != nil {
		return failure(expected, "", err)
	}
	if withTrailingDot(strings.ToLower(target)) == expected {
		return CheckResult{Status: StatusPass, Expected: expected, Found: target}
	}
	return CheckResult{Status: StatusFail, Expected: expected, Found: target,
		Errors: []string{"CNAME target does not match"}}
}

func (v *Verifier) checkPolicy(ctx context.Context, d *domain.Domain) CheckResult {
	if d.MTAStsRecord == "" {
		return CheckResult{Status: StatusSkipped}
	}
	if v.policy == nil {
		return CheckResult{Status: StatusSkipped, Errors: []string{"policy fetcher not configured"}}
	}
	policy, err := v.policy.Fetch(ctx, d.Name)
	if err != nil {
		return failure("version: STSv1", "", err)
	}
	found := fmt.Sprintf("version=%s mode=%s mx=%s max_age=%d",
		policy.Version, policy.Mode, strings.Join(policy.MX, ","), policy.MaxAge)
	var errs []string
	if policy.Version != "STSv1" {
		errs = append(errs, "version is not STSv1")
	}
	if policy.Mode == "" {
		errs = append(errs, "mode missing")
	}
	if len(policy.MX) == 0 {
		errs = append(errs, "mx missing")
	}
	if policy.MaxAge <= 0 {
		errs = append(errs, "max_age missing")
	}
	if len(errs) > 0 {
		return CheckResult{Status: StatusFail, Expected: "version: STSv1", Found: found, Errors: errs}
	}
	return CheckResult{Status: StatusPass, Expected: "version: STSv1", Found: found}
}

func (v *Verifier) lookupTXT(ctx context.Context, name string) ([]string, error) {
	lctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	records, err := v.resolver.LookupTXT(lctx, name)
	if err != nil {
		return nil, fmt.Errorf("lookup TXT %s: %w", name, err)
	}
	return records, nil
}

func failure(expected, found string, err error) CheckResult {
	return CheckResult{Status: StatusFail, Expected: expected, Found: found, Errors: []string{err.Error()}}
}

func trimQuotes(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stripWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func withTrailingDot(s string) string {
	if s == "" || strings.HasSuffix(s, ".") {
		return s
	}
	return s + "."
}

func mxSetString(set []domain.MXRecord) string {
	var parts []string
	for _, mx := range set {
		parts = append(parts, fmt.Sprintf("%s %d", withTrailingDot(strings.ToLower(mx.Host)), mx.Priority))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func extractP(record string) string {
	for _, part := range strings.Split(trimQuotes(record), ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "p="); ok {
			return stripWhitespace(v)
		}
	}
	return ""
}

// DomainStore is the slice of the domain repository the service uses.
type DomainStore interface {
	Get(ctx context.Context, tenantID, id int64) (*domain.Domain, error)
	ListForVerification(ctx context.Context, limit int) ([]domain.Domain, error)
	SaveVerification(ctx context.Context, id int64, status domain.DomainStatus, report json.RawMessage, checkedAt time.Time, firstActivation bool) error
}

// Service runs verification against stored domains and persists the
// outcome.
type Service struct {
	verifier *Verifier
	store    DomainStore
}

// NewService creates a verification service.
func NewService(verifier *Verifier, store DomainStore) *Service {
	return &Service{verifier: verifier, store: store}
}

// VerifyDomain verifies one tenant domain and saves the result. The
// verified_at stamp is written only on the first pending→active flip.
func (s *Service) VerifyDomain(ctx context.Context, tenantID, id int64) (*Report, domain.DomainStatus, error) {
	d, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, "", err
	}

	report, status := s.verifier.Verify(ctx, d)
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, "", fmt.Errorf("marshal report: %w", err)
	}

	firstActivation := status == domain.DomainActive && d.VerifiedAt == nil
	checkedAt := s.verifier.now().UTC()
	if err := s.store.SaveVerification(ctx, d.ID, status, raw, checkedAt, firstActivation); err != nil {
		return nil, "", err
	}

	logger.Info("domain verified", "domain", d.Name, "status", string(status),
		"passed", report.Summary.Passed, "failed", report.Summary.Failed)
	return report, status, nil
}

// Sweep re-verifies the stalest pending/active domains and returns how many
// were checked. Used by the periodic re-verification job.
func (s *Service) Sweep(ctx context.Context, limit int) (int, error) {
	domains, err := s.store.ListForVerification(ctx, limit)
	if err != nil {
		return 0, err
	}
	checked := 0
	for i := range domains {
		d := &domains[i]
		report, status := s.verifier.Verify(ctx, d)
		raw, err := json.Marshal(report)
		if err != nil {
			logger.Warn("report marshal failed", "domain", d.Name, "error", err.Error())
			continue
		}
		firstActivation := status == domain.DomainActive && d.VerifiedAt == nil
		if err := s.store.SaveVerification(ctx, d.ID, status, raw, s.verifier.now().UTC(), firstActivation); err != nil {
			logger.Warn("save verification failed", "domain", d.Name, "error", err.Error())
			continue
		}
		checked++
	}
	return checked, nil
}
