package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/monkeysmail/platform/internal/domain"
)

// DomainRepo manages sending domains and their DKIM keys.
type DomainRepo struct{ db *sql.DB }

// NewDomainRepo creates a Postgres-backed domain repository.
func NewDomainRepo(db *sql.DB) *DomainRepo { return &DomainRepo{db: db} }

const domainColumns = `
	id, tenant_id, name, status,
	COALESCE(txt_name,''), COALESCE(txt_value,''), COALESCE(spf_record,''),
	COALESCE(dmarc_record,''), COALESCE(expected_mx,'[]'),
	COALESCE(dkim_selector,''), COALESCE(dkim_txt_value,''),
	COALESCE(tlsrpt_record,''), COALESCE(mta_sts_record,''), COALESCE(mta_sts_cname,''),
	COALESCE(acme_delegation,''),
	require_tls, arc_sign, bimi_enabled,
	verified_at, last_checked_at, COALESCE(verification_report,'{}'), created_at`

func scanDomain(row interface{ Scan(...interface{}) error }) (*domain.Domain, error) {
	d := &domain.Domain{}
	var mx []byte
	err := row.Scan(
		&d.ID, &d.TenantID, &d.Name, &d.Status,
		&d.TxtName, &d.TxtValue, &d.SPFRecord,
		&d.DMARCRecord, &mx,
		&d.DkimSelector, &d.DkimTxtValue,
		&d.TLSRPTRecord, &d.MTAStsRecord, &d.MTAStsCNAME,
		&d.AcmeDelegation,
		&d.RequireTLS, &d.ArcSign, &d.BimiEnabled,
		&d.VerifiedAt, &d.LastCheckedAt, &d.VerificationReport, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(mx) > 0 {
		if err := json.Unmarshal(mx, &d.ExpectedMX); err != nil {
			return nil, fmt.Errorf("decode expected_mx: %w", err)
		}
	}
	return d, nil
}

// Get returns a domain scoped to a tenant.
func (r *DomainRepo) Get(ctx context.Context, tenantID, id int64) (*domain.Domain, error) {
	d, err := scanDomain(r.db.QueryRowContext(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if err == sql.ErrNoRows {
		return nil, domain.Faultf(domain.KindNotFound, "domain %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return d, nil
}

// GetByName returns a tenant's domain by its apex name (case-insensitive).
func (r *DomainRepo) GetByName(ctx context.Context, tenantID int64, name string) (*domain.Domain, error) {
	d, err := scanDomain(r.db.QueryRowContext(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE tenant_id = $1 AND name = $2`,
		tenantID, strings.ToLower(name)))
	if err == sql.ErrNoRows {
		return nil, domain.Faultf(domain.KindNotFound, "domain %s not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get domain by name: %w", err)
	}
	return d, nil
}

// Create inserts a domain in pending state and returns its id.
func (r *DomainRepo) Create(ctx context.Context, d *domain.Domain) (int64, error) {
	mx, err := json.Marshal(d.ExpectedMX)
	if err != nil {
		return 0, fmt.Errorf("encode expected_mx: %w", err)
	}
	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO domains
			(tenant_id, name, status, txt_name, txt_value, spf_record, dmarc_record,
			 expected_mx, dkim_selector, dkim_txt_value, tlsrpt_record,
			 mta_sts_record, mta_sts_cname, acme_delegation,
			 require_tls, arc_sign, bimi_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		RETURNING id
	`, d.TenantID, strings.ToLower(d.Name), domain.DomainPending,
		d.TxtName, d.TxtValue, d.SPFRecord, d.DMARCRecord, mx,
		d.DkimSelector, d.DkimTxtValue, d.TLSRPTRecord,
		d.MTAStsRecord, d.MTAStsCNAME, d.AcmeDelegation,
		d.RequireTLS, d.ArcSign, d.BimiEnabled).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create domain: %w", err)
	}
	return id, nil
}

// ListForVerification returns domains that the periodic sweep should
// re-check, oldest check first.
func (r *DomainRepo) ListForVerification(ctx context.Context, limit int) ([]domain.Domain, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+domainColumns+`
		FROM domains
		WHERE status IN ('pending', 'active')
		ORDER BY last_checked_at ASC NULLS FIRST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list domains for verification: %w", err)
	}
	defer rows.Close()

	var out []domain.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// SaveVerification records a verification pass. verifiedAt is only written
// on the first activation; last_checked_at and the report are always stamped.
func (r *DomainRepo) SaveVerification(ctx context.Context, id int64, status domain.DomainStatus, report json.RawMessage, checkedAt time.Time, firstActivation bool) error {
	var err error
	if firstActivation {
		_, err = r.db.ExecContext(ctx, `
			UPDATE domains
			SET status = $1, verification_report = $2, last_checked_at = $3, verified_at = $3
			WHERE id = $4
		`, status, report, checkedAt, id)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE domains
			SET status = $1, verification_report = $2, last_checked_at = $3
			WHERE id = $4
		`, status, report, checkedAt, id)
	}
	if err != nil {
		return fmt.Errorf("save verification: %w", err)
	}
	return nil
}

// UpdateExpectations rewrites the DNS expectation fields after a DKIM key
// rotation or record regeneration.
func (r *DomainRepo) UpdateExpectations(ctx context.Context, d *domain.Domain) error {
	mx, err := json.Marshal(d.ExpectedMX)
	if err != nil {
		return fmt.Errorf("encode expected_mx: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE domains
		SET txt_name = $1, txt_value = $2, spf_record = $3, dmarc_record = $4,
		    expected_mx = $5, dkim_selector = $6, dkim_txt_value = $7,
		    tlsrpt_record = $8, mta_sts_record = $9, mta_sts_cname = $10,
		    acme_delegation = $11
		WHERE id = $12 AND tenant_id = $13
	`, d.TxtName, d.TxtValue, d.SPFRecord, d.DMARCRecord, mx,
		d.DkimSelector, d.DkimTxtValue, d.TLSRPTRecord,
		d.MTAStsRecord, d.MTAStsCNAME, d.AcmeDelegation, d.ID, d.TenantID)
	if err != nil {
		return fmt.Errorf("update expectations: %w", err)
	}
	return nil
}

// InsertDkimKey stores a new signing key and deactivates prior keys for the
// same (domain, selector) pair in one transaction.
func (r *DomainRepo) InsertDkimKey(ctx context.Context, k *domain.DkimKey) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE dkim_keys SET active = false, rotated_at = NOW()
		WHERE domain_id = $1 AND selector = $2 AND active = true
	`, k.DomainID, k.Selector)
	if err != nil {
		return 0, fmt.Errorf("deactivate prior keys: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO dkim_keys
			(domain_id, selector, public_pem, private_key_path, txt_value, active, created_at)
		VALUES ($1, $2, $3, $4, $5, true, NOW())
		RETURNING id
	`, k.DomainID, k.Selector, k.PublicPEM, k.PrivateKeyPath, k.TxtValue).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert dkim key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// ActiveDkimKey returns the active key for a (domain, selector) pair.
func (r *DomainRepo) ActiveDkimKey(ctx context.Context, domainID int64, selector string) (*domain.DkimKey, error) {
	k := &domain.DkimKey{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, domain_id, selector, public_pem, private_key_path, txt_value,
		       active, created_at, rotated_at
		FROM dkim_keys
		WHERE domain_id = $1 AND selector = $2 AND active = true
	`, domainID, selector).Scan(
		&k.ID, &k.DomainID, &k.Selector, &k.PublicPEM, &k.PrivateKeyPath,
		&k.TxtValue, &k.Active, &k.CreatedAt, &k.RotatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.Faultf(domain.KindNotFound, "no active dkim key for domain %d selector %s", domainID, selector)
	}
	if err != nil {
		return nil, fmt.Errorf("active dkim key: %w", err)
	}
	return k, nil
}

// ListActiveDkimKeys returns every active key joined with its domain name,
// for regenerating the OpenDKIM tables.
func (r *DomainRepo) ListActiveDkimKeys(ctx context.Context) ([]DkimTableEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.name, k.selector, k.private_key_path
		FROM dkim_keys k
		JOIN domains d ON d.id = k.domain_id
		WHERE k.active = true
		ORDER BY d.name, k.selector
	`)
	if err != nil {
		return nil, fmt.Errorf("list active dkim keys: %w", err)
	}
	defer rows.Close()

	var out []DkimTableEntry
	for rows.Next() {
		var e DkimTableEntry
		if err := rows.Scan(&e.Domain, &e.Selector, &e.KeyPath); err != nil {
			return nil, fmt.Errorf("scan dkim key: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DkimTableEntry is one (domain, selector, key path) triple for table sync.
type DkimTableEntry struct {
	Domain   string
	Selector string
	KeyPath  string
}
