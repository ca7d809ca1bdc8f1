// Package segments evaluates dynamic contact segments and materializes
// their membership. Builds run asynchronously through the segment stream
// with the same consumer-group discipline as outbound delivery.
package segments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/mail"
	"strings"
	"time"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/pkg/logger"
)

// ContactSource provides the tenant's contacts and list memberships.
type ContactSource interface {
	ListByTenant(ctx context.Context, tenantID int64) ([]domain.Contact, error)
	MembershipSets(ctx context.Context, tenantID int64, listIDs []int64) (map[int64]map[int64]bool, error)
}

// SegmentStore persists segments, build history, and membership.
type SegmentStore interface {
	Get(ctx context.Context, id int64) (*domain.Segment, error)
	InsertBuild(ctx context.Context, b *domain.SegmentBuild) error
	Members(ctx context.Context, segmentID int64) (map[int64]bool, error)
	ApplyDiff(ctx context.Context, segmentID int64, toAdd, toRemove []int64, materializedCount int64, builtAt time.Time) error
}

// BuildResult reports one build run.
type BuildResult struct {
	Build   *domain.SegmentBuild `json:"build"`
	Matches int64                `json:"matches"`
	Added   int64                `json:"added"`
	Removed int64                `json:"removed"`
	Kept    int64                `json:"kept"`
}

// Builder evaluates segment definitions against the contact base.
type Builder struct {
	contacts ContactSource
	segments SegmentStore
}

// NewBuilder creates a segment builder.
func NewBuilder(contacts ContactSource, segments SegmentStore) *Builder {
	return &Builder{contacts: contacts, segments: segments}
}

// Build computes the matching set for a segment, appends a build-history
// row, and (optionally) diffs it into the materialized membership.
func (b *Builder) Build(ctx context.Context, tenantID, segmentID int64, materialize bool) (*BuildResult, error) {
	seg, err := b.segments.Get(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if seg.TenantID != tenantID {
		return nil, domain.Faultf(domain.KindCrossTenant, "segment %d belongs to another tenant", segmentID)
	}

	matched, err := b.evaluate(ctx, tenantID, seg.Definition)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	build := &domain.SegmentBuild{
		SegmentID: segmentID,
		Matches:   int64(len(matched)),
		Hash:      randomHash(),
		BuiltAt:   now,
	}
	if err := b.segments.InsertBuild(ctx, build); err != nil {
		return nil, domain.WrapFault(domain.KindInternal, "record build", err)
	}

	result := &BuildResult{Build: build, Matches: build.Matches}
	if !materialize {
		return result, nil
	}

	existing, err := b.segments.Members(ctx, segmentID)
	if err != nil {
		return nil, domain.WrapFault(domain.KindInternal, "read members", err)
	}

	var toAdd, toRemove []int64
	kept := int64(0)
	for id := range matched {
		if existing[id] {
			kept++
		} else {
			toAdd = append(toAdd, id)
		}
	}
	for id := range existing {
		if !matched[id] {
			toRemove = append(toRemove, id)
		}
	}

	if err := b.segments.ApplyDiff(ctx, segmentID, toAdd, toRemove, build.Matches, now); err != nil {
		return nil, domain.WrapFault(domain.KindInternal, "apply diff", err)
	}

	result.Added = int64(len(toAdd))
	result.Removed = int64(len(toRemove))
	result.Kept = kept

	logger.Info("segment built", "segment_id", segmentID, "matches", build.Matches,
		"added", result.Added, "removed", result.Removed, "kept", result.Kept)
	return result, nil
}

// evaluate returns the set of contact ids matching the definition. All
// present conditions AND together; contacts without a usable email are
// dropped regardless.
func (b *Builder) evaluate(ctx context.Context, tenantID int64, def domain.SegmentDefinition) (map[int64]bool, error) {
	contacts, err := b.contacts.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, domain.WrapFault(domain.KindInternal, "load contacts", err)
	}

	var listIDs []int64
	listIDs = append(listIDs, def.InListIDs...)
	listIDs = append(listIDs, def.NotInListIDs...)
	memberships, err := b.contacts.MembershipSets(ctx, tenantID, listIDs)
	if err != nil {
		return nil, domain.WrapFault(domain.KindInternal, "load memberships", err)
	}

	needle := strings.ToLower(def.EmailContains)
	out := map[int64]bool{}

	for _, c := range contacts {
		if !validEmail(c.Email) {
			continue
		}
		if def.Status != "" && string(c.Status) != def.Status {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(c.Email), needle) {
			continue
		}
		if def.GdprConsent != nil {
			hasConsent := c.GdprConsentAt != nil
			if hasConsent != *def.GdprConsent {
				continue
			}
		}
		if len(def.InListIDs) > 0 && !inAny(memberships, def.InListIDs, c.ID) {
			continue
		}
		if len(def.NotInListIDs) > 0 && inAny(memberships, def.NotInListIDs, c.ID) {
			continue
		}
		out[c.ID] = true
	}
	return out, nil
}

func inAny(memberships map[int64]map[int64]bool, listIDs []int64, contactID int64) bool {
	for _, id := range listIDs {
		if memberships[id][contactID] {
			return true
		}
	}
	return false
}

func validEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil
}

func randomHash() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
