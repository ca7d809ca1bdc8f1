package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/monkeysmail/platform/internal/domain"
)

// ContactRepo reads tenant address books and list memberships.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

// Create inserts a contact and returns its id.
func (r *ContactRepo) Create(ctx context.Context, c *domain.Contact) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO contacts (tenant_id, email, first_name, last_name, status, gdpr_consent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id
	`, c.TenantID, strings.ToLower(c.Email), c.FirstName, c.LastName, c.Status, c.GdprConsentAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create contact: %w", err)
	}
	return id, nil
}

// ListByTenant streams every contact of a tenant, ordered by id.
func (r *ContactRepo) ListByTenant(ctx context.Context, tenantID int64) ([]domain.Contact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, email, COALESCE(first_name,''), COALESCE(last_name,''),
		       status, gdpr_consent_at, created_at
		FROM contacts
		WHERE tenant_id = $1
		ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Email, &c.FirstName, &c.LastName,
			&c.Status, &c.GdprConsentAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MembershipSets returns, per list id, the set of contact ids in that list.
// Only the requested lists are loaded.
func (r *ContactRepo) MembershipSets(ctx context.Context, tenantID int64, listIDs []int64) (map[int64]map[int64]bool, error) {
	out := make(map[int64]map[int64]bool, len(listIDs))
	if len(listIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT lm.list_id, lm.contact_id
		FROM list_members lm
		JOIN lists l ON l.id = lm.list_id
		WHERE l.tenant_id = $1 AND lm.list_id = ANY($2)
	`, tenantID, pq.Array(listIDs))
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var listID, contactID int64
		if err := rows.Scan(&listID, &contactID); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		if out[listID] == nil {
			out[listID] = map[int64]bool{}
		}
		out[listID][contactID] = true
	}
	return out, rows.Err()
}

// UpdateStatus flips a contact's subscription status by address, used by
// bounce and complaint intake.
func (r *ContactRepo) UpdateStatus(ctx context.Context, tenantID int64, email string, status domain.ContactStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET status = $1
		WHERE tenant_id = $2 AND email = $3
	`, status, tenantID, strings.ToLower(email))
	if err != nil {
		return fmt.Errorf("update contact status: %w", err)
	}
	return nil
}
