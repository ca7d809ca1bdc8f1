package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/monkeysmail/platform/internal/domain"
)

// SuppressionRepo manages per-tenant address suppressions.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

// Upsert records a suppression, refreshing reason and expiry on conflict.
func (r *SuppressionRepo) Upsert(ctx context.Context, s *domain.Suppression) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppressions (tenant_id, address, type, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), $5)
		ON CONFLICT (tenant_id, address, type)
		DO UPDATE SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at
	`, s.TenantID, strings.ToLower(s.Address), s.Type, s.Reason, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert suppression: %w", err)
	}
	return nil
}

// ActiveAddresses returns the subset of the given addresses that carry an
// active, non-expired suppression for the tenant.
func (r *SuppressionRepo) ActiveAddresses(ctx context.Context, tenantID int64, addresses []string) (map[string]bool, error) {
	if len(addresses) == 0 {
		return map[string]bool{}, nil
	}
	lowered := make([]string, len(addresses))
	for i, a := range addresses {
		lowered[i] = strings.ToLower(a)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT address FROM suppressions
		WHERE tenant_id = $1 AND address = ANY($2)
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, tenantID, pq.Array(lowered))
	if err != nil {
		return nil, fmt.Errorf("active suppressions: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out[addr] = true
	}
	return out, rows.Err()
}
