package segments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeysmail/platform/internal/domain"
)

type memContacts struct {
	contacts    []domain.Contact
	memberships map[int64]map[int64]bool
}

func (m *memContacts) ListByTenant(ctx context.Context, tenantID int64) ([]domain.Contact, error) {
	var out []domain.Contact
	for _, c := range m.contacts {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memContacts) MembershipSets(ctx context.Context, tenantID int64, listIDs []int64) (map[int64]map[int64]bool, error) {
	out := map[int64]map[int64]bool{}
	for _, id := range listIDs {
		if set, ok := m.memberships[id]; ok {
			out[id] = set
		}
	}
	return out, nil
}

type memSegments struct {
	segment *domain.Segment
	builds  []domain.SegmentBuild
	members map[int64]bool
	nextID  int64
}

func (m *memSegments) Get(ctx context.Context, id int64) (*domain.Segment, error) {
	if m.segment == nil || m.segment.ID != id {
		return nil, domain.Faultf(domain.KindNotFound, "segment %d not found", id)
	}
	return m.segment, nil
}

func (m *memSegments) InsertBuild(ctx context.Context, b *domain.SegmentBuild) error {
	m.nextID++
	b.ID = m.nextID
	m.builds = append(m.builds, *b)
	return nil
}

func (m *memSegments) Members(ctx context.Context, segmentID int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	for id := range m.members {
		out[id] = true
	}
	return out, nil
}

func (m *memSegments) ApplyDiff(ctx context.Context, segmentID int64, toAdd, toRemove []int64, count int64, builtAt time.Time) error {
	if m.members == nil {
		m.members = map[int64]bool{}
	}
	for _, id := range toAdd {
		m.members[id] = true
	}
	for _, id := range toRemove {
		delete(m.members, id)
	}
	m.segment.MaterializedCount = count
	m.segment.LastBuiltAt = &builtAt
	return nil
}

func subscriberBase() *memContacts {
	return &memContacts{
		contacts: []domain.Contact{
			{ID: 1, TenantID: 1, Email: "a@x.tld", Status: domain.ContactSubscribed},
			{ID: 2, TenantID: 1, Email: "b@x.tld", Status: domain.ContactSubscribed},
			{ID: 3, TenantID: 1, Email: "c@x.tld", Status: domain.ContactUnsubscribed},
			{ID: 4, TenantID: 1, Email: "not an address", Status: domain.ContactSubscribed},
		},
		memberships: map[int64]map[int64]bool{
			7: {1: true, 2: true, 3: true},
			9: {2: true},
		},
	}
}

func TestBuildListFilters(t *testing.T) {
	contacts := subscriberBase()
	segs := &memSegments{segment: &domain.Segment{
		ID: 5, TenantID: 1,
		Definition: domain.SegmentDefinition{
			Status:       "subscribed",
			InListIDs:    []int64{7},
			NotInListIDs: []int64{9},
		},
	}}
	b := NewBuilder(contacts, segs)

	// Contact 1 is the only survivor: 2 is excluded by list 9, 3 is
	// unsubscribed, 4 has an unusable address.
	res, err := b.Build(context.Background(), 1, 5, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Matches)
	assert.Equal(t, int64(1), res.Added)
	assert.Zero(t, res.Removed)
	assert.Zero(t, res.Kept)
	assert.True(t, segs.members[1])
	assert.Len(t, segs.members, 1)
	require.Len(t, segs.builds, 1)
	assert.Len(t, segs.builds[0].Hash, 32)

	// Rebuilding on unchanged inputs is a no-op diff.
	res, err = b.Build(context.Background(), 1, 5, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Matches)
	assert.Zero(t, res.Added)
	assert.Zero(t, res.Removed)
	assert.Equal(t, int64(1), res.Kept)
	assert.Len(t, segs.builds, 2)
	assert.NotEqual(t, segs.builds[0].Hash, segs.builds[1].Hash)
}

func TestBuildRemovesStaleMembers(t *testing.T) {
	contacts := subscriberBase()
	segs := &memSegments{
		segment: &domain.Segment{
			ID: 5, TenantID: 1,
			Definition: domain.SegmentDefinition{Status: "subscribed", InListIDs: []int64{7}},
		},
		members: map[int64]bool{1: true, 3: true}, // 3 has since unsubscribed
	}
	b := NewBuilder(contacts, segs)

	res, err := b.Build(context.Background(), 1, 5, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Matches) // 1 and 2
	assert.Equal(t, int64(1), res.Added)   // 2
	assert.Equal(t, int64(1), res.Removed) // 3
	assert.Equal(t, int64(1), res.Kept)    // 1
	assert.False(t, segs.members[3])
}

func TestBuildWithoutMaterialize(t *testing.T) {
	contacts := subscriberBase()
	segs := &memSegments{segment: &domain.Segment{
		ID: 5, TenantID: 1,
		Definition: domain.SegmentDefinition{Status: "subscribed"},
	}}
	b := NewBuilder(contacts, segs)

	res, err := b.Build(context.Background(), 1, 5, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Matches)
	assert.Empty(t, segs.members, "dry build must not touch membership")
	assert.Len(t, segs.builds, 1, "build history is recorded either way")
}

func TestBuildCrossTenant(t *testing.T) {
	segs := &memSegments{segment: &domain.Segment{ID: 5, TenantID: 2}}
	b := NewBuilder(subscriberBase(), segs)

	_, err := b.Build(context.Background(), 1, 5, true)
	assert.True(t, domain.IsKind(err, domain.KindCrossTenant))
	assert.Empty(t, segs.builds)

	_, err = b.Build(context.Background(), 1, 6, true)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestBuildEmailAndConsentFilters(t *testing.T) {
	consent := time.Now()
	contacts := &memContacts{contacts: []domain.Contact{
		{ID: 1, TenantID: 1, Email: "ana@corp.example", Status: domain.ContactSubscribed, GdprConsentAt: &consent},
		{ID: 2, TenantID: 1, Email: "bob@CORP.example", Status: domain.ContactSubscribed},
		{ID: 3, TenantID: 1, Email: "eve@other.example", Status: domain.ContactSubscribed, GdprConsentAt: &consent},
	}}

	yes := true
	segs := &memSegments{segment: &domain.Segment{
		ID: 5, TenantID: 1,
		Definition: domain.SegmentDefinition{EmailContains: "corp.", GdprConsent: &yes},
	}}
	b := NewBuilder(contacts, segs)

	res, err := b.Build(context.Background(), 1, 5, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Matches, "substring match is case-insensitive, consent is required")
	assert.True(t, segs.members[1])
}
