package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/monkeysmail/platform/internal/domain"
)

// SegmentRepo manages segments, build history, and materialized membership.
type SegmentRepo struct{ db *sql.DB }

// NewSegmentRepo creates a Postgres-backed segment repository.
func NewSegmentRepo(db *sql.DB) *SegmentRepo { return &SegmentRepo{db: db} }

// Get returns a segment by id. No tenant filter here: the build service
// checks ownership explicitly so it can distinguish cross_tenant from
// not_found.
func (r *SegmentRepo) Get(ctx context.Context, id int64) (*domain.Segment, error) {
	s := &domain.Segment{}
	var def []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, definition, materialized_count, last_built_at, created_at
		FROM segments
		WHERE id = $1
	`, id).Scan(&s.ID, &s.TenantID, &s.Name, &def, &s.MaterializedCount, &s.LastBuiltAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.Faultf(domain.KindNotFound, "segment %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	if len(def) > 0 {
		if err := json.Unmarshal(def, &s.Definition); err != nil {
			return nil, fmt.Errorf("decode segment definition: %w", err)
		}
	}
	return s, nil
}

// Create inserts a segment and returns its id.
func (r *SegmentRepo) Create(ctx context.Context, s *domain.Segment) (int64, error) {
	def, err := json.Marshal(s.Definition)
	if err != nil {
		return 0, fmt.Errorf("encode segment definition: %w", err)
	}
	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO segments (tenant_id, name, definition, materialized_count, created_at)
		VALUES ($1, $2, $3, 0, NOW())
		RETURNING id
	`, s.TenantID, s.Name, def).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create segment: %w", err)
	}
	return id, nil
}

// InsertBuild appends a build-history row.
func (r *SegmentRepo) InsertBuild(ctx context.Context, b *domain.SegmentBuild) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO segment_builds (segment_id, matches, hash, built_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, b.SegmentID, b.Matches, b.Hash, b.BuiltAt).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert segment build: %w", err)
	}
	return nil
}

// Members returns the current materialized membership of a segment.
func (r *SegmentRepo) Members(ctx context.Context, segmentID int64) (map[int64]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT contact_id FROM segment_members WHERE segment_id = $1`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("list segment members: %w", err)
	}
	defer rows.Close()

	out := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ApplyDiff inserts toAdd and deletes toRemove as two bulk statements in one
// transaction, then updates the segment counters.
func (r *SegmentRepo) ApplyDiff(ctx context.Context, segmentID int64, toAdd, toRemove []int64, materializedCount int64, builtAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if len(toAdd) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO segment_members (segment_id, contact_id, added_at)
			SELECT $1, unnest($2::bigint[]), NOW()
			ON CONFLICT DO NOTHING
		`, segmentID, pq.Array(toAdd))
		if err != nil {
			return fmt.Errorf("insert members: %w", err)
		}
	}

	if len(toRemove) > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM segment_members
			WHERE segment_id = $1 AND contact_id = ANY($2)
		`, segmentID, pq.Array(toRemove))
		if err != nil {
			return fmt.Errorf("delete members: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE segments SET materialized_count = $1, last_built_at = $2
		WHERE id = $3
	`, materializedCount, builtAt, segmentID)
	if err != nil {
		return fmt.Errorf("update segment counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
