package domain

import (
	"encoding/json"
	"time"
)

// DomainStatus tracks DNS verification state for a sending domain.
type DomainStatus string

const (
	DomainPending DomainStatus = "pending"
	DomainActive  DomainStatus = "active"
	DomainFailed  DomainStatus = "failed"
)

// Domain is a tenant's sending domain together with the DNS records we
// expect to find when verifying it. The apex name is stored lower-case.
type Domain struct {
	ID       int64        `json:"id" db:"id"`
	TenantID int64        `json:"tenant_id" db:"tenant_id"`
	Name     string       `json:"name" db:"name"`
	Status   DomainStatus `json:"status" db:"status"`

	// Verification expectations. Empty fields are skipped by the verifier.
	TxtName         string     `json:"txt_name" db:"txt_name"`
	TxtValue        string     `json:"txt_value" db:"txt_value"`
	SPFRecord       string     `json:"spf_record" db:"spf_record"`
	DMARCRecord     string     `json:"dmarc_record" db:"dmarc_record"`
	ExpectedMX      []MXRecord `json:"expected_mx" db:"expected_mx"`
	DkimSelector    string     `json:"dkim_selector" db:"dkim_selector"`
	DkimTxtValue    string     `json:"dkim_txt_value" db:"dkim_txt_value"`
	TLSRPTRecord    string     `json:"tlsrpt_record" db:"tlsrpt_record"`
	MTAStsRecord    string     `json:"mta_sts_record" db:"mta_sts_record"`
	MTAStsCNAME     string     `json:"mta_sts_cname" db:"mta_sts_cname"`
	AcmeDelegation  string     `json:"acme_delegation" db:"acme_delegation"`

	RequireTLS  bool `json:"require_tls" db:"require_tls"`
	ArcSign     bool `json:"arc_sign" db:"arc_sign"`
	BimiEnabled bool `json:"bimi_enabled" db:"bimi_enabled"`

	VerifiedAt         *time.Time      `json:"verified_at" db:"verified_at"`
	LastCheckedAt      *time.Time      `json:"last_checked_at" db:"last_checked_at"`
	VerificationReport json.RawMessage `json:"verification_report" db:"verification_report"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// MXRecord is one expected MX target. Host is stored with a trailing dot.
type MXRecord struct {
	Host     string `json:"host"`
	Priority uint16 `json:"priority"`
}

// DkimKey is a signing keypair for a (domain, selector) pair. At most one
// key per pair may be active at a time.
type DkimKey struct {
	ID             int64      `json:"id" db:"id"`
	DomainID       int64      `json:"domain_id" db:"domain_id"`
	Selector       string     `json:"selector" db:"selector"`
	PublicPEM      string     `json:"public_pem" db:"public_pem"`
	PrivateKeyPath string     `json:"-" db:"private_key_path"`
	TxtValue       string     `json:"txt_value" db:"txt_value"`
	Active         bool       `json:"active" db:"active"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	RotatedAt      *time.Time `json:"rotated_at" db:"rotated_at"`
}
