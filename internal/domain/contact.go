package domain

import "time"

// ContactStatus is the subscription state of a contact.
type ContactStatus string

const (
	ContactSubscribed   ContactStatus = "subscribed"
	ContactUnsubscribed ContactStatus = "unsubscribed"
	ContactBounced      ContactStatus = "bounced"
	ContactComplained   ContactStatus = "complained"
)

// Contact is a tenant-scoped address-book entry.
type Contact struct {
	ID            int64         `json:"id" db:"id"`
	TenantID      int64         `json:"tenant_id" db:"tenant_id"`
	Email         string        `json:"email" db:"email"`
	FirstName     string        `json:"first_name" db:"first_name"`
	LastName      string        `json:"last_name" db:"last_name"`
	Status        ContactStatus `json:"status" db:"status"`
	GdprConsentAt *time.Time    `json:"gdpr_consent_at" db:"gdpr_consent_at"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// ListGroup is a named static list of contacts.
type ListGroup struct {
	ID        int64     `json:"id" db:"id"`
	TenantID  int64     `json:"tenant_id" db:"tenant_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SegmentDefinition holds the recognized filter keys of a segment. All
// present conditions are ANDed. The stored form is a JSON map; unknown
// keys are preserved on the row but ignored by the evaluator.
type SegmentDefinition struct {
	Status        string  `json:"status,omitempty"`
	EmailContains string  `json:"email_contains,omitempty"`
	GdprConsent   *bool   `json:"gdpr_consent,omitempty"`
	InListIDs     []int64 `json:"in_list_ids,omitempty"`
	NotInListIDs  []int64 `json:"not_in_list_ids,omitempty"`
}

// Empty reports whether the definition has no conditions at all.
func (d SegmentDefinition) Empty() bool {
	return d.Status == "" && d.EmailContains == "" && d.GdprConsent == nil &&
		len(d.InListIDs) == 0 && len(d.NotInListIDs) == 0
}

// Segment is a dynamic contact set defined by a filter expression.
type Segment struct {
	ID                int64             `json:"id" db:"id"`
	TenantID          int64             `json:"tenant_id" db:"tenant_id"`
	Name              string            `json:"name" db:"name"`
	Definition        SegmentDefinition `json:"definition" db:"definition"`
	MaterializedCount int64             `json:"materialized_count" db:"materialized_count"`
	LastBuiltAt       *time.Time        `json:"last_built_at" db:"last_built_at"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
}

// SegmentBuild is one evaluation run of a segment.
type SegmentBuild struct {
	ID        int64     `json:"id" db:"id"`
	SegmentID int64     `json:"segment_id" db:"segment_id"`
	Matches   int64     `json:"matches" db:"matches"`
	Hash      string    `json:"hash" db:"hash"`
	BuiltAt   time.Time `json:"built_at" db:"built_at"`
}
